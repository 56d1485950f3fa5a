package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/pricing"
	"github.com/camuig/signal-tracker/internal/storage"
	"github.com/camuig/signal-tracker/internal/telegram"
	"github.com/camuig/signal-tracker/internal/trading"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "show positions without closing")
	reason := flag.String("reason", "Manual Close", "exit reason recorded on every trade")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage init error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var journal trading.Journal
	if store.Journal != nil {
		journal = store.Journal
	}
	dex := pricing.NewDexScreener(cfg.Pricing, log.Component("dexscreener"))
	engine := trading.New(dex, store.Port, journal, telegram.NewNotifier(cfg, log), cfg, log)
	if err := engine.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "load portfolios error: %v\n", err)
		os.Exit(1)
	}

	var open int
	for _, id := range engine.Users() {
		view, _ := engine.Snapshot(id)
		for _, p := range view.Positions {
			fmt.Printf("  %s: %s %.4g tokens (%.0f%% left), entry %.8g, invested $%.2f\n",
				id, p.Symbol, p.TokenAmount, p.RemainingPercentage, p.EntryPrice, p.InvestmentUSD)
			open++
		}
	}
	if open == 0 {
		fmt.Println("No open positions.")
		return
	}
	fmt.Printf("\nFound %d position(s).\n", open)

	if *dryRun {
		fmt.Println("Dry run, nothing closed.")
		return
	}

	closed := engine.CloseAll(ctx, *reason)
	if err := engine.Save(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "save portfolios error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Done: %d closed, %d left open.\n", closed, open-closed)
	if closed < open {
		os.Exit(1)
	}
}
