// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every operation that touches a balance is a single atomic unit in the
// implementation; services never read a balance and write it back.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/numbet/settlement-engine/internal/model"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrConflict          = errors.New("store: conflict")
	ErrInsufficientFunds = errors.New("store: insufficient funds")
	ErrDrawClosed        = errors.New("store: draw already has a result")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts and balance ledger ---

	// GetAccount returns an account with its ledger history ordered by RequestedAt.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// AppendLedgerEntry creates the account if needed and appends an
	// unverified entry. Returns ErrConflict if the account already holds an
	// entry with the same RequestedAt.
	AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// VerifyLedgerEntry atomically locates the unverified entry matching
	// (UserID, Type, RequestedAt), applies Amount to the balance (credit for
	// deposits, debit for withdrawals) and marks the entry verified.
	// Returns ErrNotFound if no such unverified entry exists and
	// ErrInsufficientFunds if a withdrawal exceeds the current balance.
	VerifyLedgerEntry(ctx context.Context, v model.Verification) (*model.LedgerEntry, error)

	// AdjustBalance atomically adds delta to the balance and earnedDelta to
	// earned. A negative delta that would take the balance below zero fails
	// with ErrInsufficientFunds. Returns the new balance.
	AdjustBalance(ctx context.Context, userID string, delta, earnedDelta decimal.Decimal) (decimal.Decimal, error)

	// --- Baji draws ---

	// UpsertBaji creates or replaces a baji's metadata; results are kept.
	UpsertBaji(ctx context.Context, baji *model.Baji) error

	// GetBaji returns a baji with its winning-digit log.
	GetBaji(ctx context.Context, gameID, bajiID string) (*model.Baji, error)

	// RecordWinningDigit appends a result for betType. Returns ErrConflict if
	// a result already exists for the same ResultDay. It serializes with
	// InsertBet on the same baji.
	RecordWinningDigit(ctx context.Context, gameID, bajiID, betType string, wd model.WinningDigit) error

	// --- Standard bets ---

	// InsertBet persists a new pending bet. Returns ErrDrawClosed, without
	// inserting, if the bet's draw (bet type and DrawDate) already has a
	// result.
	InsertBet(ctx context.Context, bet *model.StandardBet) error

	// GetBet retrieves a bet by ID.
	GetBet(ctx context.Context, id string) (*model.StandardBet, error)

	// ListPendingBets returns pending bets of the key's game, baji and bet
	// type whose DrawDate is on or before key.DrawDate, oldest first, at most
	// limit of them. A limit <= 0 means no limit.
	ListPendingBets(ctx context.Context, key model.DrawKey, limit int) ([]model.StandardBet, error)

	// ApplyBetSettlements writes statuses and prices as one all-or-nothing
	// batch. Bets that are no longer pending are skipped; the returned slice
	// holds the settlements that were actually applied.
	ApplyBetSettlements(ctx context.Context, settlements []model.BetSettlement, settledAt time.Time) ([]model.BetSettlement, error)

	// CreditBetWinnings credits c.Amount to balance and earned of c.UserID
	// and stamps bet c.BetID as credited, atomically. Returns false without
	// crediting if the bet was already credited or is not a win.
	CreditBetWinnings(ctx context.Context, c model.PendingCredit, at time.Time) (bool, error)

	// ListSettleableBets returns pending bets whose own draw already has a
	// result, oldest first.
	ListSettleableBets(ctx context.Context, limit int) ([]model.StandardBet, error)

	// ListUncreditedWins returns winning bets whose payout was never applied.
	ListUncreditedWins(ctx context.Context, limit int) ([]model.PendingCredit, error)

	// --- Loto ---

	// CreateLotoGame persists the Loto game. Returns ErrConflict if a game
	// of the same type already exists.
	CreateLotoGame(ctx context.Context, game *model.LotoGame) error

	// FindLotoGame returns the game of the given type.
	FindLotoGame(ctx context.Context, gameType string) (*model.LotoGame, error)

	// GetLotoGame returns a game with all rounds and their bets.
	GetLotoGame(ctx context.Context, id string) (*model.LotoGame, error)

	// GetLatestRound returns the round with the greatest CreatedAt.
	GetLatestRound(ctx context.Context, gameID string) (*model.LotoRound, error)

	// GetRound returns a round with its bets.
	GetRound(ctx context.Context, roundID string) (*model.LotoRound, error)

	// InsertRound appends a round unless the latest round was created within
	// minGap before round.CreatedAt, in which case it returns ErrConflict.
	InsertRound(ctx context.Context, round *model.LotoRound, minGap time.Duration) error

	// AddLotoBet appends a bet to the round bet.RoundID. Returns ErrConflict
	// if the round is no longer open.
	AddLotoBet(ctx context.Context, bet *model.LotoBet) error

	// CloseRound moves an open round to closed. Closing a round that is
	// already closed or settled is a no-op.
	CloseRound(ctx context.Context, roundID string) error

	// SettleRound sets the result and per-bet outcomes in one unit. Returns
	// ErrConflict if the round already has a result, is still open, or if
	// results do not cover every bet of the round.
	SettleRound(ctx context.Context, roundID, resultDigit string, results []model.LotoBetResult, settledAt time.Time) (*model.LotoRound, error)

	// CreditLotoWinnings is CreditBetWinnings for Loto bets.
	CreditLotoWinnings(ctx context.Context, c model.PendingCredit, at time.Time) (bool, error)

	// ListUncreditedLotoWins returns winning Loto bets whose payout was never applied.
	ListUncreditedLotoWins(ctx context.Context, limit int) ([]model.PendingCredit, error)
}
