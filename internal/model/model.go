// Package model defines the core domain types shared across the settlement engine.
// Monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry types.
const (
	EntryDeposit  = "deposit"
	EntryWithdraw = "withdraw"
)

// Bet types of the fixed-schedule baji draws.
const (
	BetSingle = "Single"
	BetJodi   = "Jodi"
	BetPatti  = "Patti"
)

// Standard bet statuses.
const (
	BetPending = "pending"
	BetWin     = "win"
	BetLoss    = "loss"
)

// Loto round statuses.
const (
	RoundOpen    = "open"
	RoundClosed  = "closed"
	RoundSettled = "settled"
)

// GameTypeLoto is the type of the single rolling-draw game.
const GameTypeLoto = "loto"

// Account is a user's money state. Balance is only changed through the
// store's atomic operations.
type Account struct {
	ID             string          `json:"id" db:"id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	Earned         decimal.Decimal `json:"earned" db:"earned"`
	BalanceHistory []LedgerEntry   `json:"balance_history"`
}

// LedgerEntry is a deposit or withdrawal claim. RequestedAt identifies the
// entry within its account. Only the unverified → verified transition is
// ever applied to it.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Type        string          `json:"type" db:"type"` // "deposit" or "withdraw"
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	PhoneNumber string          `json:"phone_number" db:"phone_number"`
	Mode        string          `json:"mode" db:"mode"`
	TxnID       string          `json:"txn_id" db:"txn_id"`
	RequestedAt time.Time       `json:"requested_at" db:"requested_at"`
	Verified    bool            `json:"verified" db:"verified"`
	VerifiedAt  *time.Time      `json:"verified_at,omitempty" db:"verified_at"`
}

// Verification describes the entry a verify call targets and how to apply it.
type Verification struct {
	UserID      string
	Type        string
	RequestedAt time.Time
	Amount      decimal.Decimal
	TxnID       string // withdrawals only; empty keeps the submitted one
	VerifiedAt  time.Time
}

// StandardBet is a stake on one (game, baji, bet type) draw.
type StandardBet struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	GameID       string          `json:"game_id" db:"game_id"`
	BajiID       string          `json:"baji_id" db:"baji_id"`
	BetType      string          `json:"bet_type" db:"bet_type"`
	Digit        string          `json:"digit" db:"digit"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	DrawDate     string          `json:"draw_date" db:"draw_date"` // YYYY-MM-DD, platform timezone
	Status       string          `json:"status" db:"status"`
	WinningPrice decimal.Decimal `json:"winning_price" db:"winning_price"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	SettledAt    *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	CreditedAt   *time.Time      `json:"credited_at,omitempty" db:"credited_at"`
}

// BetSettlement is the outcome computed for one pending bet.
type BetSettlement struct {
	BetID        string
	UserID       string
	Status       string
	WinningPrice decimal.Decimal
}

// DrawKey addresses the bets of one (game, baji, bet type) draw on one day.
type DrawKey struct {
	GameID   string
	BajiID   string
	BetType  string
	DrawDate string
}

// WinningDigit is one published result in a baji's per-bet-type log.
type WinningDigit struct {
	Digit      string    `json:"digit"`
	ResultDate time.Time `json:"result_date"`
	ResultDay  string    `json:"result_day"` // YYYY-MM-DD, platform timezone
}

// Baji is a named recurring draw within a game.
type Baji struct {
	GameID        string                    `json:"game_id" db:"game_id"`
	ID            string                    `json:"id" db:"baji_id"`
	Name          string                    `json:"name" db:"name"`
	ActiveDays    []time.Weekday            `json:"active_days"`
	WinningDigits map[string][]WinningDigit `json:"winning_digits"`
}

// ActiveOn reports whether the baji draws on the given weekday.
func (b *Baji) ActiveOn(day time.Weekday) bool {
	for _, d := range b.ActiveDays {
		if d == day {
			return true
		}
	}
	return false
}

// HasResult reports whether a digit was already published for betType on day.
func (b *Baji) HasResult(betType, day string) bool {
	_, ok := b.ResultOn(betType, day)
	return ok
}

// ResultOn returns the digit published for betType on day.
func (b *Baji) ResultOn(betType, day string) (string, bool) {
	for _, w := range b.WinningDigits[betType] {
		if w.ResultDay == day {
			return w.Digit, true
		}
	}
	return "", false
}

// LotoGame is the singleton rolling-draw game.
type LotoGame struct {
	ID          string      `json:"id" db:"id"`
	Type        string      `json:"type" db:"type"`
	Title       string      `json:"title" db:"title"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	GameHistory []LotoRound `json:"game_history"`
}

// LatestRound returns the round with the greatest CreatedAt, or nil.
func (g *LotoGame) LatestRound() *LotoRound {
	var latest *LotoRound
	for i := range g.GameHistory {
		r := &g.GameHistory[i]
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return latest
}

// LotoRound is one fixed-length betting window.
type LotoRound struct {
	ID          string     `json:"id" db:"id"`
	GameID      string     `json:"game_id" db:"game_id"`
	StartTime   time.Time  `json:"start_time" db:"start_time"`
	EndTime     time.Time  `json:"end_time" db:"end_time"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	Status      string     `json:"status" db:"status"`
	ResultDigit string     `json:"result_digit,omitempty" db:"result_digit"`
	SettledAt   *time.Time `json:"settled_at,omitempty" db:"settled_at"`
	UserList    []LotoBet  `json:"user_list"`
}

// LotoBet is one user's stake inside a round.
type LotoBet struct {
	ID           string           `json:"id" db:"id"`
	RoundID      string           `json:"round_id" db:"round_id"`
	UserID       string           `json:"user_id" db:"user_id"`
	Amount       decimal.Decimal  `json:"amount" db:"amount"`
	BetDigit     string           `json:"bet_digit" db:"bet_digit"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	IsWinner     *bool            `json:"is_winner,omitempty" db:"is_winner"`
	WinningPrice *decimal.Decimal `json:"winning_price,omitempty" db:"winning_price"`
	CreditedAt   *time.Time       `json:"credited_at,omitempty" db:"credited_at"`
}

// LotoBetResult is the settlement outcome for one LotoBet.
type LotoBetResult struct {
	BetID        string
	UserID       string
	IsWinner     bool
	WinningPrice decimal.Decimal
}

// PendingCredit is a settled winning bet whose payout has not been applied.
type PendingCredit struct {
	BetID  string
	UserID string
	Amount decimal.Decimal
}
