package betting

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/numbet/settlement-engine/internal/apperr"
	"github.com/numbet/settlement-engine/internal/httpx"
	"github.com/numbet/settlement-engine/internal/model"
)

// Routes mounts the standard bet endpoints.
func (s *Service) Routes(r chi.Router) {
	r.Post("/games/{gameID}/bajis", s.HandleUpsertBaji)
	r.Post("/bets", s.HandlePlaceBet)
	r.Post("/results", s.HandlePublishWinningDigit)
}

// BetResponse acknowledges a placed bet.
type BetResponse struct {
	Message string             `json:"message"`
	Bet     *model.StandardBet `json:"bet"`
}

// HandleUpsertBaji handles POST /api/v1/games/{gameID}/bajis
func (s *Service) HandleUpsertBaji(w http.ResponseWriter, r *http.Request) {
	var req BajiRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	baji, err := s.UpsertBaji(r.Context(), chi.URLParam(r, "gameID"), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, baji)
}

// HandlePlaceBet handles POST /api/v1/bets
func (s *Service) HandlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	bet, err := s.PlaceBet(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, BetResponse{Message: "bet placed successfully", Bet: bet})
}

// PublishResponse carries the settlement summary. Error is set when the
// result was recorded but some bets could not be settled.
type PublishResponse struct {
	Message string             `json:"message,omitempty"`
	Error   string             `json:"error,omitempty"`
	Summary *SettlementSummary `json:"summary"`
}

// HandlePublishWinningDigit handles POST /api/v1/results
func (s *Service) HandlePublishWinningDigit(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	summary, err := s.PublishWinningDigit(r.Context(), req)
	if err != nil {
		if summary == nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		s.log.Error("partial settlement", zap.String("baji_id", req.BajiID), zap.Error(err))
		httpx.WriteJSON(w, apperr.HTTPStatus(err), PublishResponse{Error: apperr.Message(err), Summary: summary})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, PublishResponse{Message: "winning digit published and bets settled", Summary: summary})
}
