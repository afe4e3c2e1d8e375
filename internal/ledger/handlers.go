package ledger

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/numbet/settlement-engine/internal/httpx"
	"github.com/numbet/settlement-engine/internal/model"
)

// Routes mounts the ledger endpoints.
func (s *Service) Routes(r chi.Router) {
	r.Post("/ledger/deposits", s.HandleSubmitDeposit)
	r.Post("/ledger/withdrawals", s.HandleSubmitWithdrawal)
	r.Post("/ledger/deposits/verify", s.HandleVerifyDeposit)
	r.Post("/ledger/withdrawals/verify", s.HandleVerifyWithdrawal)
	r.Get("/accounts/{userID}", s.HandleGetAccount)
}

// EntryResponse acknowledges a ledger operation.
type EntryResponse struct {
	Message string             `json:"message"`
	Entry   *model.LedgerEntry `json:"entry"`
}

// HandleSubmitDeposit handles POST /api/v1/ledger/deposits
func (s *Service) HandleSubmitDeposit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	entry, err := s.SubmitDeposit(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, EntryResponse{Message: "balance request added successfully", Entry: entry})
}

// HandleSubmitWithdrawal handles POST /api/v1/ledger/withdrawals
//
// Outside withdrawal hours the response is still 200, with accepted=false
// and the schedule in message.
func (s *Service) HandleSubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	res, err := s.SubmitWithdrawal(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// HandleVerifyDeposit handles POST /api/v1/ledger/deposits/verify
func (s *Service) HandleVerifyDeposit(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	entry, err := s.VerifyDeposit(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, EntryResponse{Message: "deposit verified and balance added successfully", Entry: entry})
}

// HandleVerifyWithdrawal handles POST /api/v1/ledger/withdrawals/verify
func (s *Service) HandleVerifyWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	entry, err := s.VerifyWithdrawal(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, EntryResponse{Message: "withdrawal verified and balance deducted successfully", Entry: entry})
}

// HandleGetAccount handles GET /api/v1/accounts/{userID}
func (s *Service) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, acc)
}
