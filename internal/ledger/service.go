// Package ledger implements the balance ledger: deposit and withdrawal
// requests, their operator verification, and account lookup.
//
// Submitting a request never moves money. Only verification changes a
// balance, and it does so in one store transaction that also flips the
// entry to verified, so replaying a verification fails instead of paying
// twice.
package ledger

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

// Config holds the ledger rules.
type Config struct {
	MinDeposit    decimal.Decimal
	MinWithdrawal decimal.Decimal
	// Window, when set, soft-blocks withdrawal requests outside its hours.
	Window *rules.WithdrawalWindow
}

// DefaultConfig is the production rule set with withdrawal hours enforced in IST.
func DefaultConfig() Config {
	return Config{
		MinDeposit:    decimal.NewFromInt(100),
		MinWithdrawal: decimal.NewFromInt(300),
		Window:        &rules.WithdrawalWindow{Loc: rules.IST},
	}
}

// Service handles ledger operations.
type Service struct {
	store store.Store
	pub   events.Publisher
	log   *zap.Logger
	cfg   Config
	now   func() time.Time
}

// NewService creates a ledger service. A nil publisher discards events.
func NewService(st store.Store, pub events.Publisher, log *zap.Logger, cfg Config) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		store: st,
		pub:   pub,
		log:   log.Named("ledger"),
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// --- Requests ---

// SubmitRequest is the input of SubmitDeposit and SubmitWithdrawal.
type SubmitRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phone_number"`
	Mode        string          `json:"mode"`
	TxnID       string          `json:"txn_id"`
}

// VerifyRequest is the input of VerifyDeposit and VerifyWithdrawal.
type VerifyRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	TxnID       string          `json:"txn_id,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// WithdrawalResult reports a withdrawal submission. Accepted is false when
// the request was soft-blocked by withdrawal hours; Message then explains
// when withdrawals are possible.
type WithdrawalResult struct {
	Accepted bool               `json:"accepted"`
	Message  string             `json:"message"`
	Entry    *model.LedgerEntry `json:"entry,omitempty"`
}

// maxAppendAttempts bounds the requestedAt collision retries.
const maxAppendAttempts = 5

// SubmitDeposit records an unverified deposit claim. The account is created
// on first use.
func (s *Service) SubmitDeposit(ctx context.Context, req SubmitRequest) (*model.LedgerEntry, error) {
	entry, err := s.submitDeposit(ctx, req)
	metrics.LedgerRequestsTotal.WithLabelValues(model.EntryDeposit, metrics.Outcome(err)).Inc()
	return entry, err
}

func (s *Service) submitDeposit(ctx context.Context, req SubmitRequest) (*model.LedgerEntry, error) {
	if req.UserID == "" || req.PhoneNumber == "" || req.Mode == "" || req.TxnID == "" || req.Amount.IsZero() {
		return nil, apperr.Validation("missing required fields")
	}
	amount := req.Amount
	if err := rules.ValidateAmount(amount); err != nil {
		return nil, apperr.Validation("%s", rules.Describe(err))
	}
	if amount.LessThan(s.cfg.MinDeposit) {
		return nil, apperr.Validation("minimum deposit is %s", s.cfg.MinDeposit)
	}

	entry := s.newEntry(model.EntryDeposit, req, amount)
	if err := s.append(ctx, entry); err != nil {
		return nil, err
	}

	s.log.Info("deposit requested",
		zap.String("user_id", entry.UserID),
		zap.Stringer("amount", entry.Amount),
		zap.Time("requested_at", entry.RequestedAt),
	)
	s.publish(ctx, events.DepositSubmitted, entry)
	return entry, nil
}

// SubmitWithdrawal records an unverified withdrawal claim after checking the
// current balance. Outside withdrawal hours nothing is recorded and the
// result carries the rejection message instead of an error.
func (s *Service) SubmitWithdrawal(ctx context.Context, req SubmitRequest) (*WithdrawalResult, error) {
	res, err := s.submitWithdrawal(ctx, req)
	outcome := metrics.Outcome(err)
	if err == nil && !res.Accepted {
		outcome = "blocked"
	}
	metrics.LedgerRequestsTotal.WithLabelValues(model.EntryWithdraw, outcome).Inc()
	return res, err
}

func (s *Service) submitWithdrawal(ctx context.Context, req SubmitRequest) (*WithdrawalResult, error) {
	if req.UserID == "" || req.PhoneNumber == "" || req.Mode == "" || req.Amount.IsZero() {
		return nil, apperr.Validation("missing required fields")
	}
	amount := req.Amount
	if err := rules.ValidateAmount(amount); err != nil {
		return nil, apperr.Validation("%s", rules.Describe(err))
	}
	if amount.LessThan(s.cfg.MinWithdrawal) {
		return nil, apperr.Validation("minimum withdrawal is %s", s.cfg.MinWithdrawal)
	}

	acc, err := s.store.GetAccount(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load account", err)
	}
	// Advisory only: verification re-checks the balance atomically.
	if amount.GreaterThan(acc.Balance) {
		return nil, apperr.InsufficientFunds("insufficient balance for withdrawal")
	}

	if s.cfg.Window != nil {
		if ok, msg := s.cfg.Window.Allowed(s.now()); !ok {
			s.log.Info("withdrawal outside hours", zap.String("user_id", req.UserID))
			return &WithdrawalResult{Accepted: false, Message: msg}, nil
		}
	}

	entry := s.newEntry(model.EntryWithdraw, req, amount)
	if err := s.append(ctx, entry); err != nil {
		return nil, err
	}

	s.log.Info("withdrawal requested",
		zap.String("user_id", entry.UserID),
		zap.Stringer("amount", entry.Amount),
		zap.Time("requested_at", entry.RequestedAt),
	)
	s.publish(ctx, events.WithdrawalSubmitted, entry)
	return &WithdrawalResult{Accepted: true, Message: "withdraw request added successfully", Entry: entry}, nil
}

func (s *Service) newEntry(typ string, req SubmitRequest, amount decimal.Decimal) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		Type:        typ,
		Amount:      amount,
		PhoneNumber: req.PhoneNumber,
		Mode:        req.Mode,
		TxnID:       req.TxnID,
		// PostgreSQL keeps microseconds; truncate so the value echoed to the
		// client matches the stored key exactly.
		RequestedAt: s.now().UTC().Truncate(time.Microsecond),
	}
}

// append stores entry, moving RequestedAt forward by a microsecond when the
// account already holds an entry at that instant.
func (s *Service) append(ctx context.Context, entry *model.LedgerEntry) error {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err := s.store.AppendLedgerEntry(ctx, entry)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return apperr.Internal("failed to record request", err)
		}
		entry.RequestedAt = entry.RequestedAt.Add(time.Microsecond)
	}
	return apperr.Conflict("too many concurrent requests for user %s", entry.UserID)
}

// --- Verification ---

// VerifyDeposit credits a pending deposit and marks it verified.
func (s *Service) VerifyDeposit(ctx context.Context, req VerifyRequest) (*model.LedgerEntry, error) {
	req.TxnID = ""
	return s.verify(ctx, model.EntryDeposit, req)
}

// VerifyWithdrawal debits a pending withdrawal, marks it verified and stamps
// the operator-confirmed transaction id.
func (s *Service) VerifyWithdrawal(ctx context.Context, req VerifyRequest) (*model.LedgerEntry, error) {
	return s.verify(ctx, model.EntryWithdraw, req)
}

func (s *Service) verify(ctx context.Context, typ string, req VerifyRequest) (*model.LedgerEntry, error) {
	entry, err := s.doVerify(ctx, typ, req)
	metrics.LedgerVerificationsTotal.WithLabelValues(typ, metrics.Outcome(err)).Inc()
	return entry, err
}

func (s *Service) doVerify(ctx context.Context, typ string, req VerifyRequest) (*model.LedgerEntry, error) {
	if req.UserID == "" || req.RequestedAt.IsZero() {
		return nil, apperr.Validation("missing required fields")
	}
	amount := req.Amount
	if err := rules.ValidateAmount(amount); err != nil {
		return nil, apperr.Validation("%s", rules.Describe(err))
	}

	entry, err := s.store.VerifyLedgerEntry(ctx, model.Verification{
		UserID:      req.UserID,
		Type:        typ,
		RequestedAt: req.RequestedAt,
		Amount:      amount,
		TxnID:       req.TxnID,
		VerifiedAt:  s.now().UTC(),
	})
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return nil, apperr.InsufficientFunds("insufficient balance for withdrawal")
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("%s entry not found or already verified", typ)
	case err != nil:
		return nil, apperr.Internal("failed to verify "+typ, err)
	}

	s.log.Info(typ+" verified",
		zap.String("user_id", entry.UserID),
		zap.Stringer("amount", amount),
		zap.Time("requested_at", entry.RequestedAt),
	)
	evt := events.DepositVerified
	if typ == model.EntryWithdraw {
		evt = events.WithdrawalVerified
	}
	s.publish(ctx, evt, entry)
	return entry, nil
}

// GetAccount returns the balance, earnings and ledger history of a user.
func (s *Service) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	acc, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load account", err)
	}
	return acc, nil
}

func (s *Service) publish(ctx context.Context, typ string, entry *model.LedgerEntry) {
	err := s.pub.Publish(ctx, events.Event{
		Type:    typ,
		Stream:  events.StreamLedger,
		Key:     entry.UserID,
		At:      s.now().UTC(),
		Payload: entry,
	})
	if err != nil {
		s.log.Warn("publish failed", zap.String("type", typ), zap.String("user_id", entry.UserID), zap.Error(err))
	}
}
