package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/numbet/settlement-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// maxTxAttempts bounds retries of transactions aborted by serialization
// failures or deadlocks.
const maxTxAttempts = 3

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// withTx runs fn in a transaction and retries it when PostgreSQL aborts it
// because of a concurrent write (40001, 40P01).
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var balance, earned string

	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, earned::TEXT FROM accounts WHERE id = $1`, userID).
		Scan(&a.ID, &balance, &earned)
	if err != nil {
		return nil, notFound(err, "get account %s", userID)
	}
	a.Balance = parseDecimal(balance)
	a.Earned = parseDecimal(earned)

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, phone_number, mode, txn_id,
		        requested_at, verified, verified_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY requested_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e model.LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &amount, &e.PhoneNumber, &e.Mode, &e.TxnID,
			&e.RequestedAt, &e.Verified, &e.VerifiedAt); err != nil {
			return nil, err
		}
		e.Amount = parseDecimal(amount)
		a.BalanceHistory = append(a.BalanceHistory, e)
	}
	return &a, rows.Err()
}

func (s *PostgresStore) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, e.UserID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (user_id, requested_at, id, type, amount, phone_number, mode, txn_id, verified)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, false)`,
			e.UserID, e.RequestedAt, e.ID, e.Type, e.Amount.String(), e.PhoneNumber, e.Mode, e.TxnID,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("ledger entry %s@%s: %w", e.UserID, e.RequestedAt, ErrConflict)
		}
		return err
	})
}

func (s *PostgresStore) VerifyLedgerEntry(ctx context.Context, v model.Verification) (*model.LedgerEntry, error) {
	var out model.LedgerEntry

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var balanceS string
		if err := tx.QueryRow(ctx,
			`SELECT balance::TEXT FROM accounts WHERE id = $1 FOR UPDATE`, v.UserID).
			Scan(&balanceS); err != nil {
			return notFound(err, "account %s", v.UserID)
		}
		balance := parseDecimal(balanceS)

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT true FROM ledger_entries
			 WHERE user_id = $1 AND type = $2 AND requested_at = $3 AND NOT verified
			 FOR UPDATE`, v.UserID, v.Type, v.RequestedAt).Scan(&exists); err != nil {
			return notFound(err, "%s entry %s@%s", v.Type, v.UserID, v.RequestedAt)
		}

		delta := v.Amount
		if v.Type == model.EntryWithdraw {
			if balance.LessThan(v.Amount) {
				return fmt.Errorf("withdraw %s from %s: %w", v.Amount, v.UserID, ErrInsufficientFunds)
			}
			delta = v.Amount.Neg()
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2::NUMERIC WHERE id = $1`,
			v.UserID, delta.String()); err != nil {
			return err
		}

		var amount string
		return tx.QueryRow(ctx,
			`UPDATE ledger_entries
			 SET verified = true, verified_at = $4, txn_id = COALESCE(NULLIF($5, ''), txn_id)
			 WHERE user_id = $1 AND type = $2 AND requested_at = $3
			 RETURNING id, user_id, type, amount::TEXT, phone_number, mode, txn_id,
			           requested_at, verified, verified_at`,
			v.UserID, v.Type, v.RequestedAt, v.VerifiedAt, v.TxnID).
			Scan(&out.ID, &out.UserID, &out.Type, &amount, &out.PhoneNumber, &out.Mode, &out.TxnID,
				&out.RequestedAt, &out.Verified, &out.VerifiedAt)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, userID string, delta, earnedDelta decimal.Decimal) (decimal.Decimal, error) {
	return adjustBalance(ctx, s.pool, userID, delta, earnedDelta)
}

// adjustBalance is a single conditional UPDATE, so concurrent adjustments
// never lose each other's increments.
func adjustBalance(ctx context.Context, q querier, userID string, delta, earnedDelta decimal.Decimal) (decimal.Decimal, error) {
	var balanceS string
	err := q.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = balance + $2::NUMERIC, earned = earned + $3::NUMERIC
		 WHERE id = $1 AND ($2::NUMERIC >= 0 OR balance + $2::NUMERIC >= 0)
		 RETURNING balance::TEXT`,
		userID, delta.String(), earnedDelta.String()).Scan(&balanceS)
	if err == nil {
		return parseDecimal(balanceS), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, err
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT true FROM accounts WHERE id = $1`, userID).Scan(&exists); err != nil {
		return decimal.Zero, notFound(err, "account %s", userID)
	}
	return decimal.Zero, fmt.Errorf("debit %s from %s: %w", delta.Neg(), userID, ErrInsufficientFunds)
}

// --- Baji ---

func (s *PostgresStore) UpsertBaji(ctx context.Context, b *model.Baji) error {
	days := make([]int16, len(b.ActiveDays))
	for i, d := range b.ActiveDays {
		days[i] = int16(d)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bajis (game_id, baji_id, name, active_days) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (game_id, baji_id) DO UPDATE SET name = EXCLUDED.name, active_days = EXCLUDED.active_days`,
		b.GameID, b.ID, b.Name, days)
	return err
}

func (s *PostgresStore) GetBaji(ctx context.Context, gameID, bajiID string) (*model.Baji, error) {
	b := model.Baji{GameID: gameID, ID: bajiID, WinningDigits: map[string][]model.WinningDigit{}}
	var days []int16

	if err := s.pool.QueryRow(ctx,
		`SELECT name, active_days FROM bajis WHERE game_id = $1 AND baji_id = $2`, gameID, bajiID).
		Scan(&b.Name, &days); err != nil {
		return nil, notFound(err, "baji %s/%s", gameID, bajiID)
	}
	for _, d := range days {
		b.ActiveDays = append(b.ActiveDays, time.Weekday(d))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT bet_type, digit, result_date, result_day::TEXT FROM baji_results
		 WHERE game_id = $1 AND baji_id = $2 ORDER BY result_date`, gameID, bajiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var betType string
		var wd model.WinningDigit
		if err := rows.Scan(&betType, &wd.Digit, &wd.ResultDate, &wd.ResultDay); err != nil {
			return nil, err
		}
		b.WinningDigits[betType] = append(b.WinningDigits[betType], wd)
	}
	return &b, rows.Err()
}

func (s *PostgresStore) RecordWinningDigit(ctx context.Context, gameID, bajiID, betType string, wd model.WinningDigit) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Exclusive baji lock: bet inserts hold it shared while they check
		// for a result, so no bet lands on a draw after its result.
		if err := lockBaji(ctx, tx, gameID, bajiID, "FOR UPDATE"); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO baji_results (game_id, baji_id, bet_type, result_day, digit, result_date)
			 VALUES ($1, $2, $3, $4::DATE, $5, $6)`,
			gameID, bajiID, betType, wd.ResultDay, wd.Digit, wd.ResultDate)
		if isUniqueViolation(err) {
			return fmt.Errorf("%s result for %s: %w", betType, wd.ResultDay, ErrConflict)
		}
		return err
	})
}

func lockBaji(ctx context.Context, tx pgx.Tx, gameID, bajiID, mode string) error {
	var one int
	err := tx.QueryRow(ctx,
		`SELECT 1 FROM bajis WHERE game_id = $1 AND baji_id = $2 `+mode, gameID, bajiID).Scan(&one)
	if err != nil {
		return notFound(err, "baji %s/%s", gameID, bajiID)
	}
	return nil
}

// --- Standard bets ---

const betColumns = `id, user_id, game_id, baji_id, bet_type, digit, amount::TEXT, draw_date::TEXT,
	status, winning_price::TEXT, created_at, settled_at, credited_at`

func scanBet(row pgx.Row) (*model.StandardBet, error) {
	var b model.StandardBet
	var amount, price string
	if err := row.Scan(&b.ID, &b.UserID, &b.GameID, &b.BajiID, &b.BetType, &b.Digit, &amount, &b.DrawDate,
		&b.Status, &price, &b.CreatedAt, &b.SettledAt, &b.CreditedAt); err != nil {
		return nil, err
	}
	b.Amount = parseDecimal(amount)
	b.WinningPrice = parseDecimal(price)
	return &b, nil
}

func (s *PostgresStore) InsertBet(ctx context.Context, b *model.StandardBet) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockBaji(ctx, tx, b.GameID, b.BajiID, "FOR SHARE"); err != nil {
			return err
		}
		var closed bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM baji_results
			  WHERE game_id = $1 AND baji_id = $2 AND bet_type = $3 AND result_day = $4::DATE)`,
			b.GameID, b.BajiID, b.BetType, b.DrawDate).Scan(&closed); err != nil {
			return err
		}
		if closed {
			return fmt.Errorf("%s draw of %s: %w", b.BetType, b.DrawDate, ErrDrawClosed)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO standard_bets (id, user_id, game_id, baji_id, bet_type, digit, amount, draw_date, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::DATE, $9, $10)`,
			b.ID, b.UserID, b.GameID, b.BajiID, b.BetType, b.Digit, b.Amount.String(), b.DrawDate, b.Status, b.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("bet %s: %w", b.ID, ErrConflict)
		}
		return err
	})
}

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.StandardBet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx, `SELECT `+betColumns+` FROM standard_bets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "bet %s", id)
	}
	return b, nil
}

func (s *PostgresStore) ListPendingBets(ctx context.Context, key model.DrawKey, limit int) ([]model.StandardBet, error) {
	return s.queryBets(ctx,
		`SELECT `+betColumns+` FROM standard_bets
		 WHERE game_id = $1 AND baji_id = $2 AND bet_type = $3 AND draw_date <= $4::DATE AND status = 'pending'
		 ORDER BY created_at, id
		 LIMIT NULLIF($5::INT, 0)`,
		key.GameID, key.BajiID, key.BetType, key.DrawDate, limit)
}

func (s *PostgresStore) ListSettleableBets(ctx context.Context, limit int) ([]model.StandardBet, error) {
	return s.queryBets(ctx,
		`SELECT `+betColumns+` FROM standard_bets b
		 WHERE status = 'pending' AND EXISTS (
		   SELECT 1 FROM baji_results r
		   WHERE r.game_id = b.game_id AND r.baji_id = b.baji_id
		     AND r.bet_type = b.bet_type AND r.result_day = b.draw_date)
		 ORDER BY created_at, id
		 LIMIT NULLIF($1::INT, 0)`,
		limit)
}

func (s *PostgresStore) queryBets(ctx context.Context, sql string, args ...any) ([]model.StandardBet, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.StandardBet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) ApplyBetSettlements(ctx context.Context, settlements []model.BetSettlement, settledAt time.Time) ([]model.BetSettlement, error) {
	var applied []model.BetSettlement

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		applied = applied[:0]
		batch := &pgx.Batch{}
		for _, st := range settlements {
			batch.Queue(
				`UPDATE standard_bets SET status = $2, winning_price = $3::NUMERIC, settled_at = $4
				 WHERE id = $1 AND status = 'pending'`,
				st.BetID, st.Status, st.WinningPrice.String(), settledAt)
		}

		br := tx.SendBatch(ctx, batch)
		for _, st := range settlements {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("settle bet %s: %w", st.BetID, err)
			}
			if tag.RowsAffected() == 1 {
				applied = append(applied, st)
			}
		}
		return br.Close()
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func (s *PostgresStore) CreditBetWinnings(ctx context.Context, c model.PendingCredit, at time.Time) (bool, error) {
	return s.creditWinnings(ctx, "standard_bets", `status = 'win'`, c, at)
}

// creditWinnings stamps credited_at and credits the owner in one
// transaction; the stamp guard makes replays no-ops.
func (s *PostgresStore) creditWinnings(ctx context.Context, table, winCond string, c model.PendingCredit, at time.Time) (bool, error) {
	credited := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		credited = false
		tag, err := tx.Exec(ctx,
			`UPDATE `+table+` SET credited_at = $3
			 WHERE id = $1 AND user_id = $2 AND `+winCond+` AND credited_at IS NULL`,
			c.BetID, c.UserID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT true FROM `+table+` WHERE id = $1 AND user_id = $2`, c.BetID, c.UserID).Scan(&exists); err != nil {
				return notFound(err, "bet %s of %s", c.BetID, c.UserID)
			}
			return nil
		}
		if _, err := adjustBalance(ctx, tx, c.UserID, c.Amount, c.Amount); err != nil {
			return err
		}
		credited = true
		return nil
	})
	return credited, err
}

func (s *PostgresStore) ListUncreditedWins(ctx context.Context, limit int) ([]model.PendingCredit, error) {
	return s.listUncredited(ctx,
		`SELECT id, user_id, winning_price::TEXT FROM standard_bets
		 WHERE status = 'win' AND credited_at IS NULL
		 ORDER BY settled_at, id LIMIT NULLIF($1::INT, 0)`, limit)
}

func (s *PostgresStore) listUncredited(ctx context.Context, sql string, limit int) ([]model.PendingCredit, error) {
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PendingCredit
	for rows.Next() {
		var pc model.PendingCredit
		var amount string
		if err := rows.Scan(&pc.BetID, &pc.UserID, &amount); err != nil {
			return nil, err
		}
		pc.Amount = parseDecimal(amount)
		result = append(result, pc)
	}
	return result, rows.Err()
}

// --- Loto ---

func (s *PostgresStore) CreateLotoGame(ctx context.Context, g *model.LotoGame) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO loto_games (id, type, title, created_at) VALUES ($1, $2, $3, $4)`,
		g.ID, g.Type, g.Title, g.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s game already exists: %w", g.Type, ErrConflict)
	}
	return err
}

func (s *PostgresStore) FindLotoGame(ctx context.Context, gameType string) (*model.LotoGame, error) {
	var id string
	if err := s.pool.QueryRow(ctx,
		`SELECT id FROM loto_games WHERE type = $1`, gameType).Scan(&id); err != nil {
		return nil, notFound(err, "%s game", gameType)
	}
	return s.GetLotoGame(ctx, id)
}

const roundColumns = `id, game_id, start_time, end_time, created_at, status, result_digit, settled_at`

func scanRound(row pgx.Row) (*model.LotoRound, error) {
	var r model.LotoRound
	if err := row.Scan(&r.ID, &r.GameID, &r.StartTime, &r.EndTime, &r.CreatedAt,
		&r.Status, &r.ResultDigit, &r.SettledAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func loadLotoBets(ctx context.Context, q querier, roundIDs []string) (map[string][]model.LotoBet, error) {
	rows, err := q.Query(ctx,
		`SELECT id, round_id, user_id, amount::TEXT, bet_digit, created_at,
		        is_winner, winning_price::TEXT, credited_at
		 FROM loto_bets WHERE round_id = ANY($1) ORDER BY created_at, id`, roundIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bets := make(map[string][]model.LotoBet)
	for rows.Next() {
		var b model.LotoBet
		var amount string
		var price *string
		if err := rows.Scan(&b.ID, &b.RoundID, &b.UserID, &amount, &b.BetDigit, &b.CreatedAt,
			&b.IsWinner, &price, &b.CreditedAt); err != nil {
			return nil, err
		}
		b.Amount = parseDecimal(amount)
		if price != nil {
			p := parseDecimal(*price)
			b.WinningPrice = &p
		}
		bets[b.RoundID] = append(bets[b.RoundID], b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) GetLotoGame(ctx context.Context, id string) (*model.LotoGame, error) {
	var g model.LotoGame
	if err := s.pool.QueryRow(ctx,
		`SELECT id, type, title, created_at FROM loto_games WHERE id = $1`, id).
		Scan(&g.ID, &g.Type, &g.Title, &g.CreatedAt); err != nil {
		return nil, notFound(err, "loto game %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+roundColumns+` FROM loto_rounds WHERE game_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		g.GameHistory = append(g.GameHistory, *r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	bets, err := loadLotoBets(ctx, s.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range g.GameHistory {
		g.GameHistory[i].UserList = bets[g.GameHistory[i].ID]
	}
	return &g, nil
}

func (s *PostgresStore) GetLatestRound(ctx context.Context, gameID string) (*model.LotoRound, error) {
	r, err := scanRound(s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM loto_rounds WHERE game_id = $1
		 ORDER BY created_at DESC LIMIT 1`, gameID))
	if err != nil {
		return nil, notFound(err, "rounds of %s", gameID)
	}
	return s.withBets(ctx, s.pool, r)
}

func (s *PostgresStore) GetRound(ctx context.Context, roundID string) (*model.LotoRound, error) {
	r, err := scanRound(s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM loto_rounds WHERE id = $1`, roundID))
	if err != nil {
		return nil, notFound(err, "round %s", roundID)
	}
	return s.withBets(ctx, s.pool, r)
}

func (s *PostgresStore) withBets(ctx context.Context, q querier, r *model.LotoRound) (*model.LotoRound, error) {
	bets, err := loadLotoBets(ctx, q, []string{r.ID})
	if err != nil {
		return nil, err
	}
	r.UserList = bets[r.ID]
	return r, nil
}

func (s *PostgresStore) InsertRound(ctx context.Context, r *model.LotoRound, minGap time.Duration) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock the game row so concurrent starts serialize on the gap check.
		var gameID string
		if err := tx.QueryRow(ctx,
			`SELECT id FROM loto_games WHERE id = $1 FOR UPDATE`, r.GameID).Scan(&gameID); err != nil {
			return notFound(err, "loto game %s", r.GameID)
		}

		var latest *time.Time
		if err := tx.QueryRow(ctx,
			`SELECT max(created_at) FROM loto_rounds WHERE game_id = $1`, r.GameID).Scan(&latest); err != nil {
			return err
		}
		if latest != nil && r.CreatedAt.Sub(*latest) <= minGap {
			return fmt.Errorf("round started at %s: %w", *latest, ErrConflict)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO loto_rounds (id, game_id, start_time, end_time, created_at, status)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.GameID, r.StartTime, r.EndTime, r.CreatedAt, r.Status)
		return err
	})
}

func (s *PostgresStore) AddLotoBet(ctx context.Context, b *model.LotoBet) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx,
			`SELECT status FROM loto_rounds WHERE id = $1 FOR SHARE`, b.RoundID).Scan(&status); err != nil {
			return notFound(err, "round %s", b.RoundID)
		}
		if status != model.RoundOpen {
			return fmt.Errorf("round %s is %s: %w", b.RoundID, status, ErrConflict)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO loto_bets (id, round_id, user_id, amount, bet_digit, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
			b.ID, b.RoundID, b.UserID, b.Amount.String(), b.BetDigit, b.CreatedAt)
		return err
	})
}

func (s *PostgresStore) CloseRound(ctx context.Context, roundID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE loto_rounds SET status = 'closed' WHERE id = $1 AND status = 'open'`, roundID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT true FROM loto_rounds WHERE id = $1`, roundID).Scan(&exists); err != nil {
			return notFound(err, "round %s", roundID)
		}
	}
	return nil
}

func (s *PostgresStore) SettleRound(ctx context.Context, roundID, resultDigit string, results []model.LotoBetResult, settledAt time.Time) (*model.LotoRound, error) {
	var out *model.LotoRound

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status, current string
		if err := tx.QueryRow(ctx,
			`SELECT status, result_digit FROM loto_rounds WHERE id = $1 FOR UPDATE`, roundID).
			Scan(&status, &current); err != nil {
			return notFound(err, "round %s", roundID)
		}
		if current != "" || status == model.RoundSettled {
			return fmt.Errorf("round %s already has result %s: %w", roundID, current, ErrConflict)
		}
		if status == model.RoundOpen {
			return fmt.Errorf("round %s is still open: %w", roundID, ErrConflict)
		}

		// The round is closed and locked, so its bet set is final.
		covered := make(map[string]bool, len(results))
		for _, res := range results {
			covered[res.BetID] = true
		}
		rows, err := tx.Query(ctx, `SELECT id FROM loto_bets WHERE round_id = $1`, roundID)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		for _, id := range ids {
			if !covered[id] {
				return fmt.Errorf("round %s: bet %s has no outcome: %w", roundID, id, ErrConflict)
			}
		}

		batch := &pgx.Batch{}
		for _, res := range results {
			batch.Queue(
				`UPDATE loto_bets SET is_winner = $3, winning_price = $4::NUMERIC
				 WHERE id = $1 AND round_id = $2`,
				res.BetID, roundID, res.IsWinner, res.WinningPrice.String())
		}
		batch.Queue(
			`UPDATE loto_rounds SET result_digit = $2, status = 'settled', settled_at = $3 WHERE id = $1`,
			roundID, resultDigit, settledAt)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		r, err := scanRound(tx.QueryRow(ctx, `SELECT `+roundColumns+` FROM loto_rounds WHERE id = $1`, roundID))
		if err != nil {
			return err
		}
		out, err = s.withBets(ctx, tx, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) CreditLotoWinnings(ctx context.Context, c model.PendingCredit, at time.Time) (bool, error) {
	return s.creditWinnings(ctx, "loto_bets", `is_winner`, c, at)
}

func (s *PostgresStore) ListUncreditedLotoWins(ctx context.Context, limit int) ([]model.PendingCredit, error) {
	return s.listUncredited(ctx,
		`SELECT id, user_id, winning_price::TEXT FROM loto_bets
		 WHERE is_winner AND credited_at IS NULL
		 ORDER BY id LIMIT NULLIF($1::INT, 0)`, limit)
}
