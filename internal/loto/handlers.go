package loto

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/numbet/settlement-engine/internal/httpx"
	"github.com/numbet/settlement-engine/internal/model"
)

// Routes mounts the Loto endpoints.
func (s *Service) Routes(r chi.Router) {
	r.Route("/loto", func(r chi.Router) {
		r.Post("/", s.HandleCreateGame)
		r.Post("/{gameID}/rounds", s.HandleStartRound)
		r.Post("/{gameID}/bets", s.HandleJoinRound)
		r.Post("/{gameID}/result", s.HandleSettleRound)
		r.Get("/{gameID}/live", s.HandleLiveStatus)
	})
}

type createGameRequest struct {
	Title string `json:"title"`
}

// GameResponse wraps the Loto game.
type GameResponse struct {
	Message string          `json:"message"`
	Game    *model.LotoGame `json:"game"`
}

// HandleCreateGame handles POST /api/v1/loto
func (s *Service) HandleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := httpx.DecodeOptional(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	game, created, err := s.CreateGame(r.Context(), req.Title)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if !created {
		httpx.WriteJSON(w, http.StatusOK, GameResponse{Message: "loto game already exists", Game: game})
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, GameResponse{Message: "loto game created", Game: game})
}

// HandleStartRound handles POST /api/v1/loto/{gameID}/rounds
func (s *Service) HandleStartRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.StartRound(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"message": "round started", "round": round})
}

// HandleJoinRound handles POST /api/v1/loto/{gameID}/bets
func (s *Service) HandleJoinRound(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	bet, err := s.JoinRound(r.Context(), chi.URLParam(r, "gameID"), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"message": "joined round", "bet": bet})
}

// HandleSettleRound handles POST /api/v1/loto/{gameID}/result
func (s *Service) HandleSettleRound(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := httpx.DecodeOptional(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	res, err := s.SettleRound(r.Context(), chi.URLParam(r, "gameID"), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// HandleLiveStatus handles GET /api/v1/loto/{gameID}/live
func (s *Service) HandleLiveStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.GetLiveStatus(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}
