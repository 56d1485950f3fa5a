package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camuig/signal-tracker/internal/signal"
	"github.com/camuig/signal-tracker/internal/storage"
)

const topTokenCount = 5

// Windows of the summary statistics, in days. Zero means since statsSince.
var statWindows = []struct {
	name string
	days int
}{
	{"1_day", 1},
	{"7_days", 7},
	{"1_month", 30},
	{"all_time", 0},
}

type WindowStats struct {
	Summary
	From      string     `json:"from"`
	To        string     `json:"to"`
	TopTokens []TopToken `json:"top_tokens"`
}

// StatsDocument is the saved summary of one signal type, or of both.
type StatsDocument struct {
	Scope       string                 `json:"scope"`
	GeneratedAt time.Time              `json:"generated_at"`
	Windows     map[string]WindowStats `json:"windows"`
}

// RefreshStats rebuilds the summary documents of each signal type and the
// overall one from the daily archives.
func (t *Tracker) RefreshStats(ctx context.Context) error {
	now := t.now()
	byKind := make(map[signal.Kind][]*DailyArchive)
	for _, kind := range []signal.Kind{signal.Discovery, signal.Alpha} {
		archives, err := t.loadArchives(ctx, kind, t.statsSince, now)
		if err != nil {
			return err
		}
		byKind[kind] = archives
	}

	var errs []error
	var all []*DailyArchive
	for kind, archives := range byKind {
		all = append(all, archives...)
		doc := buildStats(string(kind), archives, t.statsSince, now)
		if err := t.repo.saveJSON(ctx, statsKey(string(kind)), doc); err != nil {
			errs = append(errs, err)
		}
	}
	overall := buildStats("overall", all, t.statsSince, now)
	if err := t.repo.saveJSON(ctx, statsKey("overall"), overall); err != nil {
		errs = append(errs, err)
	}

	at := overall.Windows["all_time"]
	t.logger.Info("summary statistics refreshed", "archives", len(all), "tokens", at.TotalTokens, "success_rate", at.SuccessRate)
	return errors.Join(errs...)
}

// Stats loads a saved summary document. scope is a signal type or "overall".
func (t *Tracker) Stats(ctx context.Context, scope string) (*StatsDocument, error) {
	var doc StatsDocument
	if err := t.repo.loadJSON(ctx, statsKey(scope), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (t *Tracker) loadArchives(ctx context.Context, kind signal.Kind, since, now time.Time) ([]*DailyArchive, error) {
	var out []*DailyArchive
	for day := since.UTC().Truncate(24 * time.Hour); !day.After(now); day = day.AddDate(0, 0, 1) {
		a, err := t.repo.Archive(ctx, kind, day.Format(time.DateOnly))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load archives for stats: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func buildStats(scope string, archives []*DailyArchive, since, now time.Time) StatsDocument {
	doc := StatsDocument{Scope: scope, GeneratedAt: now, Windows: make(map[string]WindowStats, len(statWindows))}
	today := now.UTC().Truncate(24 * time.Hour)

	for _, w := range statWindows {
		from := since.UTC().Truncate(24 * time.Hour)
		if w.days > 0 {
			from = today.AddDate(0, 0, -(w.days - 1))
		}
		fromDate := from.Format(time.DateOnly)

		var tokens []TrackedSignal
		for _, a := range archives {
			if a.Date >= fromDate {
				tokens = append(tokens, a.Tokens...)
			}
		}
		doc.Windows[w.name] = WindowStats{
			Summary:   Summarize(tokens),
			From:      fromDate,
			To:        today.Format(time.DateOnly),
			TopTokens: topTokens(tokens, topTokenCount),
		}
	}
	return doc
}
