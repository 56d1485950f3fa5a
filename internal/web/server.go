package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/gate"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/metrics"
	"github.com/camuig/signal-tracker/internal/signal"
	"github.com/camuig/signal-tracker/internal/storage"
	"github.com/camuig/signal-tracker/internal/tracker"
	"github.com/camuig/signal-tracker/internal/trading"
)

type Outcomes interface {
	Active() []tracker.TrackedSignal
	Archive(ctx context.Context, kind signal.Kind, date string) (*tracker.DailyArchive, error)
	Stats(ctx context.Context, scope string) (*tracker.StatsDocument, error)
}

type PendingSignals interface {
	Pending() []gate.Pending
}

type Portfolios interface {
	Users() []string
	Snapshot(userID string) (trading.PortfolioView, bool)
}

type TradeLog interface {
	GetRecentTrades(ctx context.Context, userID string, limit int) ([]storage.Trade, error)
	GetTodayPnL(ctx context.Context, userID string) (float64, error)
	GetTotalPnL(ctx context.Context, userID string) (float64, error)
}

type Server struct {
	httpServer *http.Server
	outcomes   Outcomes
	pending    PendingSignals
	portfolios Portfolios
	trades     TradeLog
	config     *config.Config
	logger     *logger.Logger
	now        func() time.Time
}

// NewServer builds the JSON API. trades may be nil when the trade journal
// is not backed by sqlite.
func NewServer(outcomes Outcomes, pending PendingSignals, portfolios Portfolios, trades TradeLog, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		outcomes:   outcomes,
		pending:    pending,
		portfolios: portfolios,
		trades:     trades,
		config:     cfg,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/outcomes/active", s.handleActive)
	mux.HandleFunc("GET /api/outcomes/archive", s.handleArchive)
	mux.HandleFunc("GET /api/outcomes/summary", s.handleSummary)
	mux.HandleFunc("GET /api/gate/pending", s.handlePending)
	mux.HandleFunc("GET /api/portfolios", s.handlePortfolios)
	mux.HandleFunc("GET /api/portfolios/{id}", s.handlePortfolio)
	mux.HandleFunc("GET /api/trades", s.handleTrades)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.config.Web.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
