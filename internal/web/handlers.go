package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/camuig/signal-tracker/internal/signal"
	"github.com/camuig/signal-tracker/internal/storage"
	"github.com/camuig/signal-tracker/internal/tracker"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

type errorResponse struct {
	Error string `json:"error"`
}

type activeResponse struct {
	Count   int                     `json:"count"`
	Signals []tracker.TrackedSignal `json:"signals"`
}

type tradesResponse struct {
	Trades   []storage.Trade `json:"trades"`
	TodayPnL float64         `json:"today_pnl"`
	TotalPnL float64         `json:"total_pnl"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	signals := s.outcomes.Active()
	if kind := r.URL.Query().Get("type"); kind != "" {
		k, err := signal.ParseKind(kind)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := signals[:0]
		for _, sig := range signals {
			if sig.SignalType == k {
				filtered = append(filtered, sig)
			}
		}
		signals = filtered
	}
	s.writeJSON(w, http.StatusOK, activeResponse{Count: len(signals), Signals: signals})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := signal.ParseKind(q.Get("type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date := q.Get("date")
	if date == "" {
		date = s.now().Format(time.DateOnly)
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	archive, err := s.outcomes.Archive(r.Context(), kind, date)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no archive for "+string(kind)+" on "+date)
		return
	}
	if err != nil {
		s.logger.Error("load archive", "signal_type", kind, "date", date, "error", err)
		s.writeError(w, http.StatusInternalServerError, "load archive failed")
		return
	}
	s.writeJSON(w, http.StatusOK, archive)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "overall"
	}
	if scope != "overall" {
		if _, err := signal.ParseKind(scope); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	doc, err := s.outcomes.Stats(r.Context(), scope)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no statistics for "+scope+" yet")
		return
	}
	if err != nil {
		s.logger.Error("load summary stats", "scope", scope, "error", err)
		s.writeError(w, http.StatusInternalServerError, "load statistics failed")
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	pending := s.pending.Pending()
	sort.Slice(pending, func(i, j int) bool { return pending[i].SignalTime.Before(pending[j].SignalTime) })
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handlePortfolios(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"users": s.portfolios.Users()})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, ok := s.portfolios.Snapshot(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown portfolio "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.trades == nil {
		s.writeError(w, http.StatusNotFound, "trade journal disabled")
		return
	}
	q := r.URL.Query()
	user := q.Get("user")
	limit := defaultTradeLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTradeLimit)
	}

	ctx := r.Context()
	var resp tradesResponse
	var err error
	if resp.Trades, err = s.trades.GetRecentTrades(ctx, user, limit); err != nil {
		s.logger.Error("get recent trades", "error", err)
		s.writeError(w, http.StatusInternalServerError, "load trades failed")
		return
	}
	if resp.TodayPnL, err = s.trades.GetTodayPnL(ctx, user); err != nil {
		s.logger.Warn("get today pnl", "error", err)
	}
	if resp.TotalPnL, err = s.trades.GetTotalPnL(ctx, user); err != nil {
		s.logger.Warn("get total pnl", "error", err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
