package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/gate"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/pricing"
	"github.com/camuig/signal-tracker/internal/scheduler"
	"github.com/camuig/signal-tracker/internal/signal"
	"github.com/camuig/signal-tracker/internal/storage"
	"github.com/camuig/signal-tracker/internal/telegram"
	"github.com/camuig/signal-tracker/internal/tracker"
	"github.com/camuig/signal-tracker/internal/trading"
	"github.com/camuig/signal-tracker/internal/validator"
	"github.com/camuig/signal-tracker/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("starting signal-tracker", "storage", cfg.Storage.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		log.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	jupiter := pricing.NewJupiter(cfg.Pricing, log.Component("jupiter"))
	dex := pricing.NewDexScreener(cfg.Pricing, log.Component("dexscreener"))
	v := validator.New(jupiter, dex, cfg.Validation, log.Component("validator"))

	repo := tracker.NewRepository(store.Port, log.Component("repository"))
	if err := repo.Load(ctx); err != nil {
		log.Error("load tracker state failed", "error", err)
		os.Exit(1)
	}
	trk := tracker.New(repo, v, jupiter, dex, cfg, log.Component("tracker"))

	notifier := telegram.NewNotifier(cfg, log.Component("telegram"))
	g := gate.New(dex, cfg, log.Component("gate"))

	// A nil *storage.Journal must not reach the interfaces below.
	var journal trading.Journal
	var trades web.TradeLog
	if store.Journal != nil {
		journal, trades = store.Journal, store.Journal
	}
	engine := trading.New(dex, store.Port, journal, notifier, cfg, log.Component("trading"))
	if err := engine.Load(ctx); err != nil {
		log.Error("load portfolios failed", "error", err)
		os.Exit(1)
	}

	var feeds []signal.Feed
	if cfg.Feeds.Discovery.Enabled() {
		feeds = append(feeds, signal.NewFeed(signal.Discovery, cfg.Feeds.Discovery))
	}
	if cfg.Feeds.Alpha.Enabled() {
		feeds = append(feeds, signal.NewFeed(signal.Alpha, cfg.Feeds.Alpha))
	}
	if len(feeds) == 0 {
		log.Warn("no signal feeds configured")
	}

	checkpoint := func(ctx context.Context) error {
		err := trk.Checkpoint(ctx)
		if saveErr := engine.Save(ctx); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
		return err
	}

	sup := scheduler.NewSupervisor(log.Component("scheduler"))
	sup.Add(scheduler.Task{
		Name:           "signal-feed",
		Interval:       cfg.Feeds.Interval,
		Jitter:         5 * time.Second,
		RunImmediately: true,
		Fn: func(ctx context.Context) error {
			return ingestFeeds(ctx, feeds, trk, g, log)
		},
	})
	sup.Add(scheduler.Task{
		Name:     "outcome-poll",
		Interval: cfg.Tracking.PollTick,
		Fn:       trk.Poll,
	})
	sup.Add(scheduler.Task{
		Name:     "gate-check",
		Interval: cfg.Gate.CheckInterval,
		Fn: func(ctx context.Context) error {
			promoted, err := g.Check(ctx)
			for _, p := range promoted {
				n := engine.Promote(p)
				log.Info("signal promoted", "mint", p.Mint, "signal_type", p.Kind, "pass_rate", p.PassRate, "watchlists", n)
			}
			return err
		},
	})
	sup.Add(scheduler.Task{
		Name:     "position-tick",
		Interval: cfg.Trading.TickInterval,
		Fn:       engine.Tick,
	})
	sup.Add(scheduler.Task{
		Name:     "checkpoint",
		Interval: cfg.Storage.CheckpointInterval,
		Fn:       checkpoint,
	})
	sup.Add(scheduler.Task{
		Name:           "summary-stats",
		Interval:       cfg.Tracking.StatsInterval,
		Jitter:         time.Minute,
		RunImmediately: true,
		Fn:             trk.RefreshStats,
	})

	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()

	webServer := web.NewServer(trk, g, engine, trades, cfg, log.Component("web"))
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	notifier.NotifyStatus("Signal tracker started")

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
		<-supDone
	case err := <-supDone:
		log.Error("scheduler stopped", "error", err)
		notifier.NotifyError("scheduler", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}
	if err := checkpoint(shutdownCtx); err != nil {
		log.Error("final checkpoint failed", "error", err)
	}

	notifier.NotifyStatus("Signal tracker stopped")
	log.Info("signal-tracker stopped")
}

// ingestFeeds reads every feed, starts outcome tracking and queues each
// signal for the entry gate.
func ingestFeeds(ctx context.Context, feeds []signal.Feed, trk *tracker.Tracker, g *gate.Gate, log *logger.Logger) error {
	var errs []error
	for _, f := range feeds {
		sigs, rejected, err := signal.Read(ctx, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range rejected {
			log.Warn("feed entry skipped", "signal_type", f.Kind(), "error", r)
		}

		tracked := trk.Ingest(ctx, sigs)
		queued := 0
		for _, n := range sigs {
			if g.Submit(n) {
				queued++
			}
		}
		log.Info("feed ingested", "signal_type", f.Kind(), "signals", len(sigs),
			"skipped", len(rejected), "tracked", tracked, "gated", queued)
	}
	return errors.Join(errs...)
}
