package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/numbet/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for accounts and bajis. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Everything else passes through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	err := s.Store.AppendLedgerEntry(ctx, e)
	s.rdb.Del(ctx, accountKey(e.UserID))
	return err
}

func (s *CachedStore) VerifyLedgerEntry(ctx context.Context, v model.Verification) (*model.LedgerEntry, error) {
	e, err := s.Store.VerifyLedgerEntry(ctx, v)
	s.rdb.Del(ctx, accountKey(v.UserID))
	return e, err
}

func (s *CachedStore) AdjustBalance(ctx context.Context, userID string, delta, earnedDelta decimal.Decimal) (decimal.Decimal, error) {
	balance, err := s.Store.AdjustBalance(ctx, userID, delta, earnedDelta)
	s.rdb.Del(ctx, accountKey(userID))
	return balance, err
}

func (s *CachedStore) CreditBetWinnings(ctx context.Context, c model.PendingCredit, at time.Time) (bool, error) {
	ok, err := s.Store.CreditBetWinnings(ctx, c, at)
	if ok {
		s.rdb.Del(ctx, accountKey(c.UserID))
	}
	return ok, err
}

func (s *CachedStore) CreditLotoWinnings(ctx context.Context, c model.PendingCredit, at time.Time) (bool, error) {
	ok, err := s.Store.CreditLotoWinnings(ctx, c, at)
	if ok {
		s.rdb.Del(ctx, accountKey(c.UserID))
	}
	return ok, err
}

func (s *CachedStore) UpsertBaji(ctx context.Context, b *model.Baji) error {
	err := s.Store.UpsertBaji(ctx, b)
	s.rdb.Del(ctx, bajiKeyRedis(b.GameID, b.ID))
	return err
}

// InsertBet drops the cached baji when the bet targeted a draw that already
// has a result, since the caller picked the draw from a stale snapshot.
func (s *CachedStore) InsertBet(ctx context.Context, bet *model.StandardBet) error {
	err := s.Store.InsertBet(ctx, bet)
	if errors.Is(err, ErrDrawClosed) {
		s.rdb.Del(ctx, bajiKeyRedis(bet.GameID, bet.BajiID))
	}
	return err
}

func (s *CachedStore) RecordWinningDigit(ctx context.Context, gameID, bajiID, betType string, wd model.WinningDigit) error {
	err := s.Store.RecordWinningDigit(ctx, gameID, bajiID, betType, wd)
	s.rdb.Del(ctx, bajiKeyRedis(gameID, bajiID))
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	if s.get(ctx, accountKey(userID), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	acc, err := s.Store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, accountKey(userID), acc)
	return acc, nil
}

func (s *CachedStore) GetBaji(ctx context.Context, gameID, bajiID string) (*model.Baji, error) {
	var b model.Baji
	if s.get(ctx, bajiKeyRedis(gameID, bajiID), &b) {
		return &b, nil
	}

	baji, err := s.Store.GetBaji(ctx, gameID, bajiID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, bajiKeyRedis(gameID, bajiID), baji)
	return baji, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(uid string) string { return fmt.Sprintf("account:%s", uid) }

func bajiKeyRedis(gameID, bajiID string) string { return fmt.Sprintf("baji:%s:%s", gameID, bajiID) }
