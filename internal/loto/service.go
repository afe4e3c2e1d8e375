// Package loto is the Loto round engine: one rolling game whose rounds are
// fixed betting windows settled by a 1 to 3 digit result with tiered payouts.
//
// A round moves open → closed → settled. Joins are accepted only while the
// round is open and settlement only once it is closed, so no bet can arrive
// after its result. An operator result closes an open round early.
package loto

import (
	"context"
	"errors"
	"math/rand"
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

// Config holds the round timing rules.
type Config struct {
	RoundLength     time.Duration // betting window; also the minimum gap between round starts
	AutoResultDelay time.Duration // how long after the window a result may be generated
}

// DefaultConfig returns 10-minute rounds with a 2-minute auto-result delay.
func DefaultConfig() Config {
	return Config{RoundLength: 10 * time.Minute, AutoResultDelay: 2 * time.Minute}
}

const reconcileBatch = 500

// Service handles the Loto game.
type Service struct {
	store store.Store
	pub   events.Publisher
	log   *zap.Logger
	cfg   Config
	now   func() time.Time
	rng   func(n int) int
}

// NewService creates a Loto service. A nil publisher discards events.
func NewService(st store.Store, pub events.Publisher, log *zap.Logger, cfg Config) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		store: st,
		pub:   pub,
		log:   log.Named("loto"),
		cfg:   cfg,
		now:   time.Now,
		rng:   rand.Intn,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetRand replaces the result generator; rng(n) must return a value in [0, n).
func (s *Service) SetRand(rng func(n int) int) { s.rng = rng }

// --- Request/Response types ---

// JoinRequest is the JSON body for POST /loto/{gameID}/bets.
type JoinRequest struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	BetDigit string          `json:"bet_digit"`
}

// SettleRequest is the JSON body for POST /loto/{gameID}/result. An empty
// Digit asks the engine to generate one.
type SettleRequest struct {
	Digit string `json:"digit,omitempty"`
}

// SettleResult describes a settled round.
type SettleResult struct {
	ResultDigit    string           `json:"result_digit"`
	Generated      bool             `json:"generated"`
	Won            int              `json:"won"`
	Lost           int              `json:"lost"`
	TotalPayout    decimal.Decimal  `json:"total_payout"`
	CreditFailures int              `json:"credit_failures"`
	Round          *model.LotoRound `json:"round"`
}

// LiveStatus is the caller-facing view of the latest round.
type LiveStatus struct {
	Message          string    `json:"message"`
	GameID           string    `json:"game_id"`
	RoundID          string    `json:"round_id"`
	Phase            string    `json:"phase"`
	IsLive           bool      `json:"is_live"`
	RemainingSeconds int64     `json:"remaining_seconds,omitempty"`
	ResultDigit      string    `json:"result_digit,omitempty"`
	CurrentTime      time.Time `json:"current_time"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
}

// --- Game ---

// CreateGame creates the Loto game, or returns the existing one with
// created=false.
func (s *Service) CreateGame(ctx context.Context, title string) (game *model.LotoGame, created bool, err error) {
	existing, err := s.store.FindLotoGame(ctx, model.GameTypeLoto)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, apperr.Internal("failed to look up loto game", err)
	}

	if title == "" {
		title = "Loto Game"
	}
	g := &model.LotoGame{
		ID:        uuid.New().String(),
		Type:      model.GameTypeLoto,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateLotoGame(ctx, g); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a creation race; the winner's game is the singleton.
			existing, ferr := s.store.FindLotoGame(ctx, model.GameTypeLoto)
			if ferr != nil {
				return nil, false, apperr.Internal("failed to look up loto game", ferr)
			}
			return existing, false, nil
		}
		return nil, false, apperr.Internal("failed to create loto game", err)
	}

	s.log.Info("loto game created", zap.String("game_id", g.ID))
	return g, true, nil
}

// --- Rounds ---

// StartRound opens a new round unless one was started within the last
// round length.
func (s *Service) StartRound(ctx context.Context, gameID string) (*model.LotoRound, error) {
	if gameID == "" {
		return nil, apperr.Validation("missing required field: game_id")
	}
	now := s.now().UTC()
	r := &model.LotoRound{
		ID:        uuid.New().String(),
		GameID:    gameID,
		StartTime: now,
		EndTime:   now.Add(s.cfg.RoundLength),
		CreatedAt: now,
		Status:    model.RoundOpen,
	}

	// The gap check and the insert are one store operation, so two
	// concurrent starts cannot both succeed.
	if err := s.store.InsertRound(ctx, r, s.cfg.RoundLength); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, apperr.NotFound("game not found")
		case errors.Is(err, store.ErrConflict):
			return nil, apperr.Conflict("game has already started")
		default:
			return nil, apperr.Internal("failed to start round", err)
		}
	}

	metrics.LotoRoundsStarted.Inc()
	s.log.Info("loto round started",
		zap.String("game_id", gameID),
		zap.String("round_id", r.ID),
		zap.Time("end_time", r.EndTime),
	)
	s.publish(ctx, events.LotoRoundStarted, r.ID, r)
	return r, nil
}

// JoinRound debits the stake and adds a bet to the latest round.
func (s *Service) JoinRound(ctx context.Context, gameID string, req JoinRequest) (*model.LotoBet, error) {
	if gameID == "" || req.UserID == "" || req.BetDigit == "" || req.Amount.IsZero() {
		return nil, apperr.Validation("missing required fields")
	}
	amount := req.Amount
	if err := rules.ValidateAmount(amount); err != nil {
		return nil, apperr.Validation("%s", rules.Describe(err))
	}
	if err := rules.ValidateLotoDigit(req.BetDigit); err != nil {
		return nil, apperr.Validation("%s", rules.Describe(err))
	}

	round, err := s.latestRound(ctx, gameID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if phase := PhaseAt(round, now); phase != PhaseOpen {
		s.closeIfElapsed(ctx, round, now)
		return nil, apperr.Conflict("round is %s", phase)
	}

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

	bet := &model.LotoBet{
		ID:        uuid.New().String(),
		RoundID:   round.ID,
		UserID:    req.UserID,
		Amount:    amount,
		BetDigit:  req.BetDigit,
		CreatedAt: now.UTC(),
	}
	if err := s.store.AddLotoBet(ctx, bet); err != nil {
		s.refund(ctx, bet, err)
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("round is closed")
		}
		return nil, apperr.Internal("failed to add bet", err)
	}

	metrics.RecordBet(metrics.KindLoto, tierName(bet.BetDigit), amount)
	s.log.Info("loto bet placed",
		zap.String("round_id", round.ID),
		zap.String("bet_id", bet.ID),
		zap.String("user_id", bet.UserID),
		zap.String("bet_digit", bet.BetDigit),
		zap.Stringer("amount", bet.Amount),
	)
	s.publish(ctx, events.LotoBetJoined, round.ID, bet)
	return bet, nil
}

func (s *Service) refund(ctx context.Context, bet *model.LotoBet, cause error) {
	_, err := s.store.AdjustBalance(context.WithoutCancel(ctx), bet.UserID, bet.Amount, decimal.Zero)
	if err != nil {
		s.log.Error("stake refund failed",
			zap.String("user_id", bet.UserID),
			zap.Stringer("amount", bet.Amount),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}

// GetLiveStatus reports the phase of the latest round.
func (s *Service) GetLiveStatus(ctx context.Context, gameID string) (*LiveStatus, error) {
	round, err := s.latestRound(ctx, gameID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	phase := PhaseAt(round, now)

	st := &LiveStatus{
		GameID:      gameID,
		RoundID:     round.ID,
		Phase:       phase,
		CurrentTime: now.UTC(),
		StartTime:   round.StartTime,
		EndTime:     round.EndTime,
	}
	switch phase {
	case PhaseOpen:
		st.Message = "Live game found."
		st.IsLive = true
		st.RemainingSeconds = int64(round.EndTime.Sub(now) / time.Second)
	case PhaseSettled:
		st.Message = "Game has ended, and the winning digit is available."
		st.ResultDigit = round.ResultDigit
	case PhaseClosed:
		st.Message = "Game has ended, but the winning digit is not available yet."
		s.closeIfElapsed(ctx, round, now)
	default:
		st.Message = "No live game currently running."
	}
	return st, nil
}

// SettleRound sets the latest round's result and credits its winners. A
// supplied digit settles the round at any time, closing it first if it is
// still open. With no digit, one is drawn uniformly from 000–999 once the
// auto-result delay past the round's end has passed.
func (s *Service) SettleRound(ctx context.Context, gameID string, req SettleRequest) (*SettleResult, error) {
	round, err := s.latestRound(ctx, gameID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if PhaseAt(round, now) == PhaseSettled {
		return nil, apperr.Conflict("round already settled with %s", round.ResultDigit)
	}

	digit := req.Digit
	generated := false
	switch {
	case digit != "":
		if err := rules.ValidateLotoDigit(digit); err != nil {
			return nil, apperr.Validation("%s", rules.Describe(err))
		}
	case now.Sub(round.EndTime) >= s.cfg.AutoResultDelay:
		digit = rules.FormatLotoResult(s.rng(1000))
		generated = true
	default:
		return nil, apperr.Validation("no result digit provided and the time difference is not sufficient to auto-generate one")
	}

	// Joins stop at the close, so the bets read after it are final.
	if round.Status == model.RoundOpen {
		if _, err := NextState(round.Status, EvtClose); err != nil {
			return nil, apperr.Internal("round cannot be closed", err)
		}
		if err := s.store.CloseRound(ctx, round.ID); err != nil {
			return nil, apperr.Internal("failed to close round", err)
		}
	}
	round, err = s.store.GetRound(ctx, round.ID)
	if err != nil {
		return nil, apperr.Internal("failed to load round", err)
	}
	if round.Status == model.RoundSettled || round.ResultDigit != "" {
		return nil, apperr.Conflict("round already settled with %s", round.ResultDigit)
	}
	if _, err := NextState(round.Status, EvtSettle); err != nil {
		return nil, apperr.Internal("round cannot be settled", err)
	}

	started := time.Now()
	tiers := rules.TiersOf(digit)
	results := make([]model.LotoBetResult, 0, len(round.UserList))
	for _, b := range round.UserList {
		win, price := tiers.LotoOutcome(b.BetDigit, b.Amount)
		results = append(results, model.LotoBetResult{BetID: b.ID, UserID: b.UserID, IsWinner: win, WinningPrice: price})
	}

	settledAt := now.UTC()
	settled, err := s.store.SettleRound(ctx, round.ID, digit, results, settledAt)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("round already settled")
		}
		return nil, apperr.Internal("failed to settle round", err)
	}
	// The result is stored; crediting finishes even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	res := &SettleResult{ResultDigit: digit, Generated: generated, TotalPayout: decimal.Zero, Round: settled}
	for _, r := range results {
		if !r.IsWinner {
			res.Lost++
			continue
		}
		res.Won++
		if s.credit(ctx, model.PendingCredit{BetID: r.BetID, UserID: r.UserID, Amount: r.WinningPrice}, settledAt) {
			res.TotalPayout = res.TotalPayout.Add(r.WinningPrice)
		} else {
			res.CreditFailures++
		}
	}

	metrics.RecordSettlement(metrics.KindLoto, res.Won, res.Lost, started)
	s.log.Info("loto round settled",
		zap.String("round_id", round.ID),
		zap.String("result_digit", digit),
		zap.Bool("generated", generated),
		zap.Int("won", res.Won),
		zap.Int("lost", res.Lost),
		zap.Stringer("payout", res.TotalPayout),
	)
	s.publish(ctx, events.LotoRoundSettled, round.ID, map[string]any{
		"game_id":      gameID,
		"round_id":     round.ID,
		"result_digit": digit,
		"won":          res.Won,
	})
	return res, nil
}

func (s *Service) credit(ctx context.Context, c model.PendingCredit, at time.Time) bool {
	credited, err := s.store.CreditLotoWinnings(ctx, c, at)
	metrics.RecordCredit(metrics.KindLoto, c.Amount, err)
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

// Reconcile credits winning Loto bets whose credit was never applied.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	pending, err := s.store.ListUncreditedLotoWins(ctx, reconcileBatch)
	if err != nil {
		return 0, apperr.Internal("failed to list uncredited loto wins", err)
	}
	credited := 0
	for _, c := range pending {
		ok, err := s.store.CreditLotoWinnings(ctx, c, s.now().UTC())
		metrics.RecordCredit(metrics.KindLoto, c.Amount, err)
		if err != nil {
			s.log.Error("reconcile credit failed", zap.String("bet_id", c.BetID), zap.Error(err))
			continue
		}
		if ok {
			credited++
			metrics.ReconciledCreditsTotal.WithLabelValues(metrics.KindLoto).Inc()
			s.log.Warn("reconciled missing loto credit",
				zap.String("bet_id", c.BetID),
				zap.String("user_id", c.UserID),
				zap.Stringer("amount", c.Amount),
			)
			s.publish(ctx, events.WinningsCredited, c.BetID, c)
		}
	}
	return credited, nil
}

func (s *Service) latestRound(ctx context.Context, gameID string) (*model.LotoRound, error) {
	if gameID == "" {
		return nil, apperr.Validation("missing required field: game_id")
	}
	round, err := s.store.GetLatestRound(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("no round found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load round", err)
	}
	return round, nil
}

// closeIfElapsed persists the open → closed transition once observed.
func (s *Service) closeIfElapsed(ctx context.Context, r *model.LotoRound, now time.Time) {
	if r.Status != model.RoundOpen || PhaseAt(r, now) != PhaseClosed {
		return
	}
	if _, err := NextState(r.Status, EvtClose); err != nil {
		return
	}
	if err := s.store.CloseRound(ctx, r.ID); err != nil {
		s.log.Warn("close round failed", zap.String("round_id", r.ID), zap.Error(err))
	}
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

func tierName(digit string) string {
	switch len(digit) {
	case 1:
		return "single"
	case 2:
		return "double"
	default:
		return "triple"
	}
}
