package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/numbet/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex makes every method one atomic unit, which gives the same
// guarantees the PostgreSQL store gets from row locks.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	bajis     map[string]*model.Baji
	bets      map[string]*model.StandardBet
	betOrder  []string
	lotoGames map[string]*model.LotoGame
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		bajis:     make(map[string]*model.Baji),
		bets:      make(map[string]*model.StandardBet),
		lotoGames: make(map[string]*model.LotoGame),
	}
}

// --- Accounts ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[e.UserID]
	if !ok {
		a = &model.Account{ID: e.UserID}
		s.accounts[e.UserID] = a
	}
	for _, existing := range a.BalanceHistory {
		if existing.RequestedAt.Equal(e.RequestedAt) {
			return fmt.Errorf("ledger entry %s@%s: %w", e.UserID, e.RequestedAt, ErrConflict)
		}
	}
	a.BalanceHistory = append(a.BalanceHistory, *e)
	return nil
}

func (s *MemoryStore) VerifyLedgerEntry(_ context.Context, v model.Verification) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[v.UserID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", v.UserID, ErrNotFound)
	}

	idx := -1
	for i, e := range a.BalanceHistory {
		if e.Type == v.Type && !e.Verified && e.RequestedAt.Equal(v.RequestedAt) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%s entry %s@%s: %w", v.Type, v.UserID, v.RequestedAt, ErrNotFound)
	}

	switch v.Type {
	case model.EntryDeposit:
		a.Balance = a.Balance.Add(v.Amount)
	case model.EntryWithdraw:
		if a.Balance.LessThan(v.Amount) {
			return nil, fmt.Errorf("withdraw %s from %s: %w", v.Amount, v.UserID, ErrInsufficientFunds)
		}
		a.Balance = a.Balance.Sub(v.Amount)
	}

	e := &a.BalanceHistory[idx]
	verifiedAt := v.VerifiedAt
	e.Verified = true
	e.VerifiedAt = &verifiedAt
	if v.TxnID != "" {
		e.TxnID = v.TxnID
	}
	out := *e
	return &out, nil
}

func (s *MemoryStore) AdjustBalance(_ context.Context, userID string, delta, earnedDelta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return adjustLocked(a, delta, earnedDelta)
}

func adjustLocked(a *model.Account, delta, earnedDelta decimal.Decimal) (decimal.Decimal, error) {
	next := a.Balance.Add(delta)
	if delta.IsNegative() && next.IsNegative() {
		return a.Balance, fmt.Errorf("debit %s from %s: %w", delta.Neg(), a.ID, ErrInsufficientFunds)
	}
	a.Balance = next
	a.Earned = a.Earned.Add(earnedDelta)
	return next, nil
}

// --- Baji ---

func bajiKey(gameID, bajiID string) string { return gameID + "/" + bajiID }

func (s *MemoryStore) UpsertBaji(_ context.Context, b *model.Baji) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bajiKey(b.GameID, b.ID)
	results := map[string][]model.WinningDigit{}
	if existing, ok := s.bajis[key]; ok {
		results = existing.WinningDigits
	}
	c := copyBaji(b)
	c.WinningDigits = results
	s.bajis[key] = c
	return nil
}

func (s *MemoryStore) GetBaji(_ context.Context, gameID, bajiID string) (*model.Baji, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bajis[bajiKey(gameID, bajiID)]
	if !ok {
		return nil, fmt.Errorf("baji %s/%s: %w", gameID, bajiID, ErrNotFound)
	}
	return copyBaji(b), nil
}

func (s *MemoryStore) RecordWinningDigit(_ context.Context, gameID, bajiID, betType string, wd model.WinningDigit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bajis[bajiKey(gameID, bajiID)]
	if !ok {
		return fmt.Errorf("baji %s/%s: %w", gameID, bajiID, ErrNotFound)
	}
	if b.HasResult(betType, wd.ResultDay) {
		return fmt.Errorf("%s result for %s: %w", betType, wd.ResultDay, ErrConflict)
	}
	if b.WinningDigits == nil {
		b.WinningDigits = make(map[string][]model.WinningDigit)
	}
	b.WinningDigits[betType] = append(b.WinningDigits[betType], wd)
	return nil
}

// --- Standard bets ---

func (s *MemoryStore) InsertBet(_ context.Context, bet *model.StandardBet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bets[bet.ID]; ok {
		return fmt.Errorf("bet %s: %w", bet.ID, ErrConflict)
	}
	if b, ok := s.bajis[bajiKey(bet.GameID, bet.BajiID)]; ok && b.HasResult(bet.BetType, bet.DrawDate) {
		return fmt.Errorf("%s draw of %s: %w", bet.BetType, bet.DrawDate, ErrDrawClosed)
	}
	c := *bet
	s.bets[bet.ID] = &c
	s.betOrder = append(s.betOrder, bet.ID)
	return nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.StandardBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	c := *b
	return &c, nil
}

func (s *MemoryStore) ListPendingBets(_ context.Context, key model.DrawKey, limit int) ([]model.StandardBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.StandardBet
	for _, id := range s.betOrder {
		b := s.bets[id]
		if b.Status != model.BetPending || b.GameID != key.GameID || b.BajiID != key.BajiID ||
			b.BetType != key.BetType || b.DrawDate > key.DrawDate {
			continue
		}
		result = append(result, *b)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListSettleableBets(_ context.Context, limit int) ([]model.StandardBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.StandardBet
	for _, id := range s.betOrder {
		b := s.bets[id]
		if b.Status != model.BetPending {
			continue
		}
		baji, ok := s.bajis[bajiKey(b.GameID, b.BajiID)]
		if !ok || !baji.HasResult(b.BetType, b.DrawDate) {
			continue
		}
		result = append(result, *b)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ApplyBetSettlements(_ context.Context, settlements []model.BetSettlement, settledAt time.Time) ([]model.BetSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range settlements {
		if _, ok := s.bets[st.BetID]; !ok {
			return nil, fmt.Errorf("bet %s: %w", st.BetID, ErrNotFound)
		}
	}

	var applied []model.BetSettlement
	for _, st := range settlements {
		b := s.bets[st.BetID]
		if b.Status != model.BetPending {
			continue
		}
		at := settledAt
		b.Status = st.Status
		b.WinningPrice = st.WinningPrice
		b.SettledAt = &at
		applied = append(applied, st)
	}
	return applied, nil
}

func (s *MemoryStore) CreditBetWinnings(_ context.Context, c model.PendingCredit, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[c.BetID]
	if !ok || b.UserID != c.UserID {
		return false, fmt.Errorf("bet %s of %s: %w", c.BetID, c.UserID, ErrNotFound)
	}
	if b.Status != model.BetWin || b.CreditedAt != nil {
		return false, nil
	}
	a, ok := s.accounts[b.UserID]
	if !ok {
		return false, fmt.Errorf("account %s: %w", b.UserID, ErrNotFound)
	}
	if _, err := adjustLocked(a, c.Amount, c.Amount); err != nil {
		return false, err
	}
	stamp := at
	b.CreditedAt = &stamp
	return true, nil
}

func (s *MemoryStore) ListUncreditedWins(_ context.Context, limit int) ([]model.PendingCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingCredit
	for _, id := range s.betOrder {
		b := s.bets[id]
		if b.Status != model.BetWin || b.CreditedAt != nil {
			continue
		}
		result = append(result, model.PendingCredit{BetID: b.ID, UserID: b.UserID, Amount: b.WinningPrice})
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// --- Loto ---

func (s *MemoryStore) CreateLotoGame(_ context.Context, g *model.LotoGame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.lotoGames {
		if existing.Type == g.Type {
			return fmt.Errorf("%s game already exists: %w", g.Type, ErrConflict)
		}
	}
	s.lotoGames[g.ID] = copyGame(g)
	return nil
}

func (s *MemoryStore) FindLotoGame(_ context.Context, gameType string) (*model.LotoGame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.lotoGames {
		if g.Type == gameType {
			return copyGame(g), nil
		}
	}
	return nil, fmt.Errorf("%s game: %w", gameType, ErrNotFound)
}

func (s *MemoryStore) GetLotoGame(_ context.Context, id string) (*model.LotoGame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.lotoGames[id]
	if !ok {
		return nil, fmt.Errorf("loto game %s: %w", id, ErrNotFound)
	}
	return copyGame(g), nil
}

func (s *MemoryStore) GetLatestRound(_ context.Context, gameID string) (*model.LotoRound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.lotoGames[gameID]
	if !ok {
		return nil, fmt.Errorf("loto game %s: %w", gameID, ErrNotFound)
	}
	latest := g.LatestRound()
	if latest == nil {
		return nil, fmt.Errorf("rounds of %s: %w", gameID, ErrNotFound)
	}
	return copyRound(latest), nil
}

func (s *MemoryStore) GetRound(_ context.Context, roundID string) (*model.LotoRound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.findRound(roundID)
	if r == nil {
		return nil, fmt.Errorf("round %s: %w", roundID, ErrNotFound)
	}
	return copyRound(r), nil
}

func (s *MemoryStore) InsertRound(_ context.Context, r *model.LotoRound, minGap time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.lotoGames[r.GameID]
	if !ok {
		return fmt.Errorf("loto game %s: %w", r.GameID, ErrNotFound)
	}
	if latest := g.LatestRound(); latest != nil && r.CreatedAt.Sub(latest.CreatedAt) <= minGap {
		return fmt.Errorf("round started at %s: %w", latest.CreatedAt, ErrConflict)
	}
	g.GameHistory = append(g.GameHistory, *copyRound(r))
	return nil
}

func (s *MemoryStore) findRound(roundID string) *model.LotoRound {
	for _, g := range s.lotoGames {
		for i := range g.GameHistory {
			if g.GameHistory[i].ID == roundID {
				return &g.GameHistory[i]
			}
		}
	}
	return nil
}

func (s *MemoryStore) findLotoBet(betID string) *model.LotoBet {
	for _, g := range s.lotoGames {
		for i := range g.GameHistory {
			r := &g.GameHistory[i]
			for j := range r.UserList {
				if r.UserList[j].ID == betID {
					return &r.UserList[j]
				}
			}
		}
	}
	return nil
}

func (s *MemoryStore) AddLotoBet(_ context.Context, bet *model.LotoBet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findRound(bet.RoundID)
	if r == nil {
		return fmt.Errorf("round %s: %w", bet.RoundID, ErrNotFound)
	}
	if r.Status != model.RoundOpen {
		return fmt.Errorf("round %s is %s: %w", r.ID, r.Status, ErrConflict)
	}
	r.UserList = append(r.UserList, *bet)
	return nil
}

func (s *MemoryStore) CloseRound(_ context.Context, roundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findRound(roundID)
	if r == nil {
		return fmt.Errorf("round %s: %w", roundID, ErrNotFound)
	}
	if r.Status == model.RoundOpen {
		r.Status = model.RoundClosed
	}
	return nil
}

func (s *MemoryStore) SettleRound(_ context.Context, roundID, resultDigit string, results []model.LotoBetResult, settledAt time.Time) (*model.LotoRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findRound(roundID)
	if r == nil {
		return nil, fmt.Errorf("round %s: %w", roundID, ErrNotFound)
	}
	if r.ResultDigit != "" || r.Status == model.RoundSettled {
		return nil, fmt.Errorf("round %s already has result %s: %w", roundID, r.ResultDigit, ErrConflict)
	}
	if r.Status == model.RoundOpen {
		return nil, fmt.Errorf("round %s is still open: %w", roundID, ErrConflict)
	}

	byID := make(map[string]model.LotoBetResult, len(results))
	for _, res := range results {
		byID[res.BetID] = res
	}
	for _, b := range r.UserList {
		if _, ok := byID[b.ID]; !ok {
			return nil, fmt.Errorf("round %s: bet %s has no outcome: %w", roundID, b.ID, ErrConflict)
		}
	}
	for i := range r.UserList {
		res := byID[r.UserList[i].ID]
		isWinner := res.IsWinner
		price := res.WinningPrice
		r.UserList[i].IsWinner = &isWinner
		r.UserList[i].WinningPrice = &price
	}

	at := settledAt
	r.ResultDigit = resultDigit
	r.Status = model.RoundSettled
	r.SettledAt = &at
	return copyRound(r), nil
}

func (s *MemoryStore) CreditLotoWinnings(_ context.Context, c model.PendingCredit, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.findLotoBet(c.BetID)
	if b == nil || b.UserID != c.UserID {
		return false, fmt.Errorf("loto bet %s of %s: %w", c.BetID, c.UserID, ErrNotFound)
	}
	if b.IsWinner == nil || !*b.IsWinner || b.CreditedAt != nil {
		return false, nil
	}
	a, ok := s.accounts[b.UserID]
	if !ok {
		return false, fmt.Errorf("account %s: %w", b.UserID, ErrNotFound)
	}
	if _, err := adjustLocked(a, c.Amount, c.Amount); err != nil {
		return false, err
	}
	stamp := at
	b.CreditedAt = &stamp
	return true, nil
}

func (s *MemoryStore) ListUncreditedLotoWins(_ context.Context, limit int) ([]model.PendingCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingCredit
	for _, g := range s.lotoGames {
		for _, r := range g.GameHistory {
			for _, b := range r.UserList {
				if b.IsWinner == nil || !*b.IsWinner || b.CreditedAt != nil || b.WinningPrice == nil {
					continue
				}
				result = append(result, model.PendingCredit{BetID: b.ID, UserID: b.UserID, Amount: *b.WinningPrice})
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BetID < result[j].BetID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- Copy helpers (callers never see store-owned memory) ---

func copyAccount(a *model.Account) *model.Account {
	c := *a
	c.BalanceHistory = make([]model.LedgerEntry, len(a.BalanceHistory))
	copy(c.BalanceHistory, a.BalanceHistory)
	sort.SliceStable(c.BalanceHistory, func(i, j int) bool {
		return c.BalanceHistory[i].RequestedAt.Before(c.BalanceHistory[j].RequestedAt)
	})
	return &c
}

func copyBaji(b *model.Baji) *model.Baji {
	c := *b
	c.ActiveDays = append([]time.Weekday(nil), b.ActiveDays...)
	c.WinningDigits = make(map[string][]model.WinningDigit, len(b.WinningDigits))
	for k, v := range b.WinningDigits {
		c.WinningDigits[k] = append([]model.WinningDigit(nil), v...)
	}
	return &c
}

func copyRound(r *model.LotoRound) *model.LotoRound {
	c := *r
	c.UserList = append([]model.LotoBet(nil), r.UserList...)
	return &c
}

func copyGame(g *model.LotoGame) *model.LotoGame {
	c := *g
	c.GameHistory = make([]model.LotoRound, len(g.GameHistory))
	for i := range g.GameHistory {
		c.GameHistory[i] = *copyRound(&g.GameHistory[i])
	}
	return &c
}
