// Package betting is the standard bet engine: bets on the fixed-schedule
// baji draws (Single, Jodi, Patti) and their bulk settlement when an
// operator publishes the winning digit.
//
// Every bet belongs to one draw date, and the store refuses a bet whose draw
// already has a result. Publishing a digit settles the pending bets of
// today's draw together with bets left over from earlier draws that never
// got a result; future bets are never touched. Settlement runs in two
// phases per chunk: statuses are written in one batch that only touches
// still-pending bets, then each winner is credited through a store call
// that stamps the bet as credited. An interrupted run leaves pending bets
// of a published draw or wins without a credit stamp, and Reconcile
// repairs both.
package betting

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/numbet/settlement-engine/internal/apperr"
	"github.com/numbet/settlement-engine/internal/events"
	"github.com/numbet/settlement-engine/internal/metrics"
	"github.com/numbet/settlement-engine/internal/model"
	"github.com/numbet/settlement-engine/internal/rules"
	"github.com/numbet/settlement-engine/internal/store"
)

// DefaultChunkSize is the number of bets settled per batch.
const DefaultChunkSize = 500

// placeAttempts bounds how often a bet is moved to a later draw when its
// draw closes between the schedule lookup and the insert.
const placeAttempts = 3

// Service handles standard bets.
type Service struct {
	store     store.Store
	pub       events.Publisher
	log       *zap.Logger
	loc       *time.Location
	chunkSize int
	now       func() time.Time
}

// NewService creates a betting service. loc is the platform timezone that
// defines calendar days; nil means IST.
func NewService(st store.Store, pub events.Publisher, log *zap.Logger, loc *time.Location) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if loc == nil {
		loc = rules.IST
	}
	return &Service{
		store:     st,
		pub:       pub,
		log:       log.Named("betting"),
		loc:       loc,
		chunkSize: DefaultChunkSize,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetChunkSize sets how many bets one settlement batch handles.
func (s *Service) SetChunkSize(n int) {
	if n > 0 {
		s.chunkSize = n
	}
}

// --- Request/Response types ---

// BajiRequest is the JSON body for baji creation.
type BajiRequest struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	ActiveDays []time.Weekday `json:"active_days"` // 0 = Sunday … 6 = Saturday
}

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	GameID  string          `json:"game_id"`
	BajiID  string          `json:"baji_id"`
	BetType string          `json:"bet_type"` // Single, Jodi or Patti
	Digit   string          `json:"digit"`
	Amount  decimal.Decimal `json:"amount"`
	UserID  string          `json:"user_id"`
}

// PublishRequest is the JSON body for POST /results.
type PublishRequest struct {
	GameID  string `json:"game_id"`
	BajiID  string `json:"baji_id"`
	BetType string `json:"bet_type"`
	Digit   string `json:"digit"`
}

// SettlementSummary describes one publish call.
type SettlementSummary struct {
	GameID         string          `json:"game_id"`
	BajiID         string          `json:"baji_id"`
	BetType        string          `json:"bet_type"`
	Digit          string          `json:"digit"`
	DrawDate       string          `json:"draw_date"`
	Settled        int             `json:"settled"`
	Won            int             `json:"won"`
	Lost           int             `json:"lost"`
	TotalPayout    decimal.Decimal `json:"total_payout"`
	CreditFailures int             `json:"credit_failures"`
}

// --- Baji ---

// UpsertBaji creates or updates a baji's schedule. Published results are kept.
func (s *Service) UpsertBaji(ctx context.Context, gameID string, req BajiRequest) (*model.Baji, error) {
	if gameID == "" || req.ID == "" {
		return nil, apperr.Validation("missing required fields")
	}
	seen := make(map[time.Weekday]bool)
	var days []time.Weekday
	for _, d := range req.ActiveDays {
		if d < time.Sunday || d > time.Saturday {
			return nil, apperr.Validation("invalid weekday %d", d)
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}

	b := &model.Baji{GameID: gameID, ID: req.ID, Name: req.Name, ActiveDays: days}
	if err := s.store.UpsertBaji(ctx, b); err != nil {
		return nil, apperr.Internal("failed to save baji", err)
	}
	s.log.Info("baji saved", zap.String("game_id", gameID), zap.String("baji_id", req.ID))

	saved, err := s.store.GetBaji(ctx, gameID, req.ID)
	if err != nil {
		return nil, apperr.Internal("failed to load baji", err)
	}
	return saved, nil
}

// --- Placement ---

// PlaceBet validates a bet, debits the stake and records the bet as pending
// on the baji's next open draw date.
func (s *Service) PlaceBet(ctx context.Context, req PlaceBetRequest) (*model.StandardBet, error) {
	if req.GameID == "" || req.BajiID == "" || req.BetType == "" || req.Digit == "" || req.UserID == "" {
		return nil, apperr.Validation("missing required fields")
	}
	bt, err := rules.LookupBetType(req.BetType)
	if err != nil {
		return nil, apperr.Validation("%s", rules.Describe(err))
	}
	amount := req.Amount
	if err := bt.ValidateStake(amount); err != nil {
		return nil, apperr.Validation("%s", rules.Describe(err))
	}
	if err := bt.ValidateDigit(req.Digit); err != nil {
		return nil, apperr.Validation("%s", rules.Describe(err))
	}

	baji, err := s.store.GetBaji(ctx, req.GameID, req.BajiID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("baji not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load baji", err)
	}

	now := s.now()
	if _, err := rules.NextDrawDate(baji, bt.Name, now, s.loc); err != nil {
		return nil, apperr.Validation("baji has no active days")
	}

	// The debit is one atomic conditional decrement; no balance is read here.
	if _, err := s.store.AdjustBalance(ctx, req.UserID, amount.Neg(), decimal.Zero); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, apperr.NotFound("user not found")
		case errors.Is(err, store.ErrInsufficientFunds):
			return nil, apperr.InsufficientFunds("insufficient balance")
		default:
			return nil, apperr.Internal("failed to debit stake", err)
		}
	}

	bet := &model.StandardBet{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		GameID:       req.GameID,
		BajiID:       req.BajiID,
		BetType:      bt.Name,
		Digit:        req.Digit,
		Amount:       amount,
		Status:       model.BetPending,
		WinningPrice: decimal.Zero,
		CreatedAt:    now.UTC(),
	}
	if err := s.insertOnOpenDraw(ctx, bet, baji, now); err != nil {
		s.refund(ctx, bet, err)
		if errors.Is(err, store.ErrDrawClosed) {
			return nil, apperr.Conflict("draw closed while the bet was placed, try again")
		}
		return nil, apperr.Internal("failed to place bet", err)
	}

	metrics.RecordBet(metrics.KindStandard, bt.Name, amount)
	s.log.Info("bet placed",
		zap.String("bet_id", bet.ID),
		zap.String("user_id", bet.UserID),
		zap.String("baji_id", bet.BajiID),
		zap.String("bet_type", bet.BetType),
		zap.String("draw_date", bet.DrawDate),
		zap.Stringer("amount", bet.Amount),
	)
	s.publish(ctx, events.BetPlaced, bet.ID, bet)
	return bet, nil
}

// insertOnOpenDraw stores the bet on the baji's next open draw. A result
// published after the schedule was read makes the store refuse the insert;
// the baji is then reloaded and the bet moves to the following draw.
func (s *Service) insertOnOpenDraw(ctx context.Context, bet *model.StandardBet, baji *model.Baji, now time.Time) error {
	var err error
	for attempt := 0; attempt < placeAttempts; attempt++ {
		if attempt > 0 {
			if baji, err = s.store.GetBaji(ctx, bet.GameID, bet.BajiID); err != nil {
				return err
			}
		}
		if bet.DrawDate, err = rules.NextDrawDate(baji, bet.BetType, now, s.loc); err != nil {
			return err
		}
		err = s.store.InsertBet(ctx, bet)
		if !errors.Is(err, store.ErrDrawClosed) {
			return err
		}
		s.log.Info("draw closed during placement, moving bet",
			zap.String("bet_id", bet.ID),
			zap.String("draw_date", bet.DrawDate),
		)
	}
	return err
}

// refund returns the stake of a bet that could not be recorded.
func (s *Service) refund(ctx context.Context, bet *model.StandardBet, cause error) {
	_, err := s.store.AdjustBalance(context.WithoutCancel(ctx), bet.UserID, bet.Amount, decimal.Zero)
	if err != nil {
		s.log.Error("stake refund failed",
			zap.String("user_id", bet.UserID),
			zap.Stringer("amount", bet.Amount),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	s.log.Warn("stake refunded after failed bet insert",
		zap.String("user_id", bet.UserID),
		zap.Stringer("amount", bet.Amount),
		zap.Error(cause),
	)
}

// --- Settlement ---

// PublishWinningDigit records today's result for one bet type of a baji and
// settles that draw's pending bets. Once the result is recorded the
// settlement runs to completion even if the caller goes away.
func (s *Service) PublishWinningDigit(ctx context.Context, req PublishRequest) (*SettlementSummary, error) {
	if req.GameID == "" || req.BajiID == "" || req.BetType == "" || req.Digit == "" {
		return nil, apperr.Validation("missing required fields")
	}
	bt, err := rules.LookupBetType(req.BetType)
	if err != nil {
		return nil, apperr.Validation("%s", rules.Describe(err))
	}
	if err := bt.ValidateDigit(req.Digit); err != nil {
		return nil, apperr.Validation("%s", rules.Describe(err))
	}

	baji, err := s.store.GetBaji(ctx, req.GameID, req.BajiID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("baji not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load baji", err)
	}

	now := s.now()
	local := now.In(s.loc)
	today := local.Format(rules.DayLayout)
	if !baji.ActiveOn(local.Weekday()) {
		return nil, apperr.Validation("baji is not active today")
	}
	if baji.HasResult(bt.Name, today) {
		return nil, apperr.Conflict("%s result already published today", bt.Name)
	}

	wd := model.WinningDigit{Digit: req.Digit, ResultDate: now.UTC(), ResultDay: today}
	if err := s.store.RecordWinningDigit(ctx, req.GameID, req.BajiID, bt.Name, wd); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("%s result already published today", bt.Name)
		}
		return nil, apperr.Internal("failed to record result", err)
	}
	ctx = context.WithoutCancel(ctx)

	s.log.Info("winning digit published",
		zap.String("game_id", req.GameID),
		zap.String("baji_id", req.BajiID),
		zap.String("bet_type", bt.Name),
		zap.String("digit", req.Digit),
		zap.String("draw_date", today),
	)
	s.publish(ctx, events.DigitPublished, req.GameID+"/"+req.BajiID, map[string]string{
		"game_id":   req.GameID,
		"baji_id":   req.BajiID,
		"bet_type":  bt.Name,
		"digit":     req.Digit,
		"draw_date": today,
	})

	key := model.DrawKey{GameID: req.GameID, BajiID: req.BajiID, BetType: bt.Name, DrawDate: today}
	summary, err := s.settle(ctx, bt, baji, key, req.Digit)
	if err != nil {
		// The result is recorded; the remaining bets stay pending and the
		// error tells the operator settlement is incomplete.
		return summary, apperr.Internal("result recorded but settlement incomplete", err)
	}
	return summary, nil
}

// settle walks the draw's pending bets chunk by chunk. A leftover bet from
// an earlier draw is judged by that draw's own result when one exists, and
// by digit otherwise.
func (s *Service) settle(ctx context.Context, bt rules.BetType, baji *model.Baji, key model.DrawKey, digit string) (*SettlementSummary, error) {
	started := time.Now()
	summary := &SettlementSummary{
		GameID:      key.GameID,
		BajiID:      key.BajiID,
		BetType:     key.BetType,
		Digit:       digit,
		DrawDate:    key.DrawDate,
		TotalPayout: decimal.Zero,
	}
	defer func() {
		metrics.RecordSettlement(metrics.KindStandard, summary.Won, summary.Lost, started)
		s.log.Info("draw settled",
			zap.String("baji_id", key.BajiID),
			zap.String("bet_type", key.BetType),
			zap.String("draw_date", key.DrawDate),
			zap.Int("settled", summary.Settled),
			zap.Int("won", summary.Won),
			zap.Stringer("payout", summary.TotalPayout),
			zap.Int("credit_failures", summary.CreditFailures),
		)
	}()

	for {
		bets, err := s.store.ListPendingBets(ctx, key, s.chunkSize)
		if err != nil {
			return summary, err
		}
		if len(bets) == 0 {
			return summary, nil
		}

		settlements := make([]model.BetSettlement, 0, len(bets))
		for _, b := range bets {
			result, ok := baji.ResultOn(bt.Name, b.DrawDate)
			if !ok {
				result = digit
			}
			settlements = append(settlements, judge(bt, b, result))
		}

		if err := s.apply(ctx, settlements, summary); err != nil {
			return summary, err
		}
		if len(bets) < s.chunkSize {
			return summary, nil
		}
	}
}

func judge(bt rules.BetType, b model.StandardBet, result string) model.BetSettlement {
	win, price := bt.Outcome(b.Digit, result, b.Amount)
	st := model.BetSettlement{BetID: b.ID, UserID: b.UserID, Status: model.BetLoss, WinningPrice: price}
	if win {
		st.Status = model.BetWin
	}
	return st
}

// apply writes one chunk of outcomes and credits its winners.
func (s *Service) apply(ctx context.Context, settlements []model.BetSettlement, summary *SettlementSummary) error {
	settledAt := s.now().UTC()
	applied, err := s.store.ApplyBetSettlements(ctx, settlements, settledAt)
	if err != nil {
		return err
	}
	for _, st := range applied {
		summary.Settled++
		if st.Status != model.BetWin {
			summary.Lost++
			continue
		}
		summary.Won++
		if s.credit(ctx, model.PendingCredit{BetID: st.BetID, UserID: st.UserID, Amount: st.WinningPrice}, settledAt) {
			summary.TotalPayout = summary.TotalPayout.Add(st.WinningPrice)
		} else {
			summary.CreditFailures++
		}
	}
	return nil
}

// credit applies one winner's payout. Failures are logged and left for
// Reconcile; they never abort the settlement run.
func (s *Service) credit(ctx context.Context, c model.PendingCredit, at time.Time) bool {
	credited, err := s.store.CreditBetWinnings(ctx, c, at)
	metrics.RecordCredit(metrics.KindStandard, c.Amount, err)
	if err != nil {
		s.log.Error("winner credit failed",
			zap.String("bet_id", c.BetID),
			zap.String("user_id", c.UserID),
			zap.Stringer("amount", c.Amount),
			zap.Error(err),
		)
		return false
	}
	if credited {
		s.publish(ctx, events.WinningsCredited, c.BetID, c)
	}
	return true
}

// Reconcile finishes interrupted settlement runs. It settles pending bets
// whose draw already has a result, then credits settled wins whose credit
// was never applied, and returns how many bets it repaired.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	settled, err := s.settleLeftovers(ctx)
	if err != nil {
		return settled, apperr.Internal("failed to settle leftover bets", err)
	}

	pending, err := s.store.ListUncreditedWins(ctx, s.chunkSize)
	if err != nil {
		return settled, apperr.Internal("failed to list uncredited wins", err)
	}
	credited := 0
	for _, c := range pending {
		ok, err := s.store.CreditBetWinnings(ctx, c, s.now().UTC())
		metrics.RecordCredit(metrics.KindStandard, c.Amount, err)
		if err != nil {
			s.log.Error("reconcile credit failed", zap.String("bet_id", c.BetID), zap.Error(err))
			continue
		}
		if ok {
			credited++
			metrics.ReconciledCreditsTotal.WithLabelValues(metrics.KindStandard).Inc()
			s.log.Warn("reconciled missing credit",
				zap.String("bet_id", c.BetID),
				zap.String("user_id", c.UserID),
				zap.Stringer("amount", c.Amount),
			)
			s.publish(ctx, events.WinningsCredited, c.BetID, c)
		}
	}
	return settled + credited, nil
}

// settleLeftovers settles one chunk of pending bets whose own draw already
// has a result, judging each against that result.
func (s *Service) settleLeftovers(ctx context.Context) (int, error) {
	bets, err := s.store.ListSettleableBets(ctx, s.chunkSize)
	if err != nil || len(bets) == 0 {
		return 0, err
	}

	bajis := make(map[string]*model.Baji)
	settlements := make([]model.BetSettlement, 0, len(bets))
	for _, b := range bets {
		k := b.GameID + "/" + b.BajiID
		baji, ok := bajis[k]
		if !ok {
			if baji, err = s.store.GetBaji(ctx, b.GameID, b.BajiID); err != nil {
				return 0, err
			}
			bajis[k] = baji
		}
		bt, err := rules.LookupBetType(b.BetType)
		if err != nil {
			s.log.Error("pending bet has unknown bet type", zap.String("bet_id", b.ID), zap.String("bet_type", b.BetType))
			continue
		}
		result, ok := baji.ResultOn(bt.Name, b.DrawDate)
		if !ok {
			continue
		}
		settlements = append(settlements, judge(bt, b, result))
	}
	if len(settlements) == 0 {
		return 0, nil
	}

	summary := &SettlementSummary{TotalPayout: decimal.Zero}
	started := time.Now()
	err = s.apply(ctx, settlements, summary)
	metrics.RecordSettlement(metrics.KindStandard, summary.Won, summary.Lost, started)
	if summary.Settled > 0 {
		metrics.ReconciledCreditsTotal.WithLabelValues(metrics.KindStandard).Add(float64(summary.Won - summary.CreditFailures))
		s.log.Warn("reconciled unsettled bets",
			zap.Int("settled", summary.Settled),
			zap.Int("won", summary.Won),
			zap.Stringer("payout", summary.TotalPayout),
		)
	}
	return summary.Settled, err
}

func (s *Service) publish(ctx context.Context, typ, key string, payload any) {
	err := s.pub.Publish(ctx, events.Event{
		Type:    typ,
		Stream:  events.StreamSettlement,
		Key:     key,
		At:      s.now().UTC(),
		Payload: payload,
	})
	if err != nil {
		s.log.Warn("publish failed", zap.String("type", typ), zap.String("key", key), zap.Error(err))
	}
}
