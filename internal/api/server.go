// Package api exposes the market engine over JSON/HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"stockd/internal/config"
	"stockd/internal/engine"
	"stockd/internal/market"
)

type Server struct {
	cfg    config.ServiceConfig
	log    *slog.Logger
	engine *engine.Engine
	mux    *chi.Mux
}

func New(cfg config.ServiceConfig, logger *slog.Logger, eng *engine.Engine) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		log:    logger,
		engine: eng,
		mux:    chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/instruments", s.handleInstrumentsList)
		r.Get("/instruments/{id}", s.handleInstrumentDetail)
		r.Get("/rankings", s.handleRankings)

		r.Post("/sessions/{player_id}/join", s.handleSessionJoin)
		r.Post("/sessions/{player_id}/quit", s.handleSessionQuit)

		r.Get("/players/{player_id}/portfolio", s.handlePortfolio)
		r.Get("/players/{player_id}/positions/{instrument}", s.handlePosition)
		r.Post("/players/{player_id}/orders", s.handleOrder)
		r.Post("/players/{player_id}/subscriptions/{instrument}/toggle", s.handleToggleSubscription)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Post("/reload", s.handleReload)
			r.Put("/instruments/{id}/price", s.handleSetPrice)
			r.Get("/players/{player_id}/limits", s.handleLimitStatus)
			r.Put("/players/{player_id}/limits/{side}", s.handleSetLimit)
			r.Delete("/players/{player_id}/limits", s.handleResetLimits)
			r.Post("/players/{player_id}/positions", s.handleModifyPosition)
		})
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			writeError(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}
		if bearerToken(r.Header.Get("Authorization")) != s.cfg.AdminToken {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInstrumentsList(w http.ResponseWriter, _ *http.Request) {
	out, err := s.engine.ListInstruments()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instruments": out})
}

func (s *Server) handleInstrumentDetail(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.GetInstrument(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Rankings(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": out})
}

func (s *Server) handleSessionJoin(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SessionJoin(playerID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleSessionQuit(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SessionQuit(playerID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.engine.GetPortfolio(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.engine.GetPosition(r.Context(), playerID, chi.URLParam(r, "instrument"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in struct {
		InstrumentID string `json:"instrument_id"`
		Side         string `json:"side"`
		Amount       int64  `json:"amount"`
		All          bool   `json:"all"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, err := engine.ParseSide(in.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := engine.QuantityFixed
	if in.All {
		mode = engine.QuantityMax
	} else if in.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	result, err := s.engine.ExecuteTrade(r.Context(), engine.TradeRequest{
		PlayerID:     playerID,
		InstrumentID: in.InstrumentID,
		Side:         side,
		Mode:         mode,
		Amount:       in.Amount,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleToggleSubscription(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	subscribed, err := s.engine.ToggleSubscription(playerID, chi.URLParam(r, "instrument"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribed": subscribed})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.LoadMarket(s.cfg.MarketConfigPath)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.engine.Reload(cfg); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.log.Info("market config reloaded via api", "path", s.cfg.MarketConfigPath)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "instruments": len(cfg.Stocks)})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Price float64 `json:"price"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}
	if err := s.engine.SetPrice(chi.URLParam(r, "id"), in.Price); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLimitStatus(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.engine.GetLimitStatus(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var isBuy bool
	switch chi.URLParam(r, "side") {
	case "buy":
		isBuy = true
	case "sell":
	default:
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	var in struct {
		Limit int `json:"limit"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SetLimitOverride(r.Context(), playerID, isBuy, in.Limit); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleResetLimits(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.ResetLimits(r.Context(), playerID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleModifyPosition(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in struct {
		InstrumentID string `json:"instrument_id"`
		Action       string `json:"action"`
		Amount       int64  `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.ModifyPosition(r.Context(), playerID, in.InstrumentID, in.Action, in.Amount); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// writeDomainError maps rejection sentinels to status codes. Anything else
// is a storage or provider failure: logged, never echoed to the caller.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrUnknownInstrument):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrLimitExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrNothingToTrade),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientHoldings),
		errors.Is(err, engine.ErrBadPositionAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func playerParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "player_id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid player id")
	}
	return id, nil
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
