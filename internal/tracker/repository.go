package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/metrics"
	"github.com/camuig/signal-tracker/internal/signal"
	"github.com/camuig/signal-tracker/internal/storage"
)

const activeKey = "analytics/active_tracking"

func archiveKey(kind signal.Kind, date string) string {
	return "analytics/" + string(kind) + "/" + date
}

func statsKey(scope string) string {
	return "analytics/" + scope + "/summary_stats"
}

type activeSnapshot struct {
	SavedAt time.Time                 `json:"saved_at"`
	Signals map[string]*TrackedSignal `json:"signals"`
	// Completed remembers finalized keys until their tracking window would
	// have ended, so a signal still present in the feed is not tracked twice.
	Completed map[string]time.Time `json:"completed"`
	// Outbox holds finalized signals whose archive write has not succeeded yet.
	Outbox []TrackedSignal `json:"outbox,omitempty"`
}

// Repository owns the live tracking map and its persistence. Finalized
// signals wait in an outbox until FlushArchives writes them to their daily
// archive, so a failed write is retried on the next flush.
type Repository struct {
	port   storage.Port
	logger *logger.Logger

	mu        sync.Mutex
	active    map[string]*TrackedSignal
	completed map[string]time.Time
	outbox    []TrackedSignal

	flushMu sync.Mutex
}

func NewRepository(port storage.Port, log *logger.Logger) *Repository {
	return &Repository{
		port:      port,
		logger:    log,
		active:    make(map[string]*TrackedSignal),
		completed: make(map[string]time.Time),
	}
}

// Load restores the last checkpoint. A missing checkpoint is a fresh start.
func (r *Repository) Load(ctx context.Context) error {
	blob, err := r.port.Load(ctx, activeKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("load").Inc()
		return fmt.Errorf("load active tracking: %w", err)
	}

	var snap activeSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return fmt.Errorf("decode active tracking: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range snap.Signals {
		if s != nil {
			r.active[k] = s
		}
	}
	for k, until := range snap.Completed {
		r.completed[k] = until
	}
	r.outbox = append(r.outbox, snap.Outbox...)
	r.logger.Info("tracking state restored", "active", len(r.active), "completed", len(r.completed), "saved_at", snap.SavedAt)
	return nil
}

// Checkpoint flushes pending archive inserts, then saves the live map.
func (r *Repository) Checkpoint(ctx context.Context) error {
	_, flushErr := r.FlushArchives(ctx)

	r.mu.Lock()
	snap := activeSnapshot{
		SavedAt:   time.Now().UTC(),
		Signals:   r.active,
		Completed: r.completed,
		Outbox:    r.outbox,
	}
	blob, err := json.Marshal(snap)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode active tracking: %w", err)
	}

	if err := r.port.Save(ctx, activeKey, blob); err != nil {
		metrics.PersistenceErrors.WithLabelValues("save").Inc()
		return errors.Join(flushErr, fmt.Errorf("save active tracking: %w", err))
	}
	return flushErr
}

// FlushArchives writes outbox signals into their daily archives and returns
// how many were newly archived.
func (r *Repository) FlushArchives(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	pending := r.outbox
	r.outbox = nil
	r.mu.Unlock()
	if len(pending) == 0 {
		return 0, nil
	}

	groups := make(map[string][]TrackedSignal)
	var order []string
	for _, s := range pending {
		k := archiveKey(s.SignalType, s.EntryDate())
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], s)
	}

	var (
		added int
		errs  []error
	)
	for _, k := range order {
		sigs := groups[k]
		n, err := r.appendArchive(ctx, sigs[0].SignalType, sigs[0].EntryDate(), sigs)
		if err != nil {
			metrics.PersistenceErrors.WithLabelValues("save").Inc()
			errs = append(errs, err)
			r.mu.Lock()
			r.outbox = append(r.outbox, sigs...)
			r.mu.Unlock()
			continue
		}
		added += n
	}
	return added, errors.Join(errs...)
}

func (r *Repository) appendArchive(ctx context.Context, kind signal.Kind, date string, sigs []TrackedSignal) (int, error) {
	archive, err := r.Archive(ctx, kind, date)
	if errors.Is(err, storage.ErrNotFound) {
		archive = &DailyArchive{Date: date, SignalType: kind}
	} else if err != nil {
		return 0, err
	}

	added := 0
	for _, s := range sigs {
		if archive.Add(s) {
			added++
		}
	}
	if added == 0 {
		return 0, nil
	}
	archive.Recompute()

	blob, err := json.Marshal(archive)
	if err != nil {
		return 0, fmt.Errorf("encode archive %s/%s: %w", kind, date, err)
	}
	if err := r.port.Save(ctx, archiveKey(kind, date), blob); err != nil {
		return 0, fmt.Errorf("save archive %s/%s: %w", kind, date, err)
	}
	r.logger.Info("archive updated", "signal_type", kind, "date", date, "added", added,
		"total", archive.Summary.TotalTokens, "success_rate", archive.Summary.SuccessRate)
	return added, nil
}

// Archive loads one daily archive. It returns storage.ErrNotFound if none exists.
func (r *Repository) Archive(ctx context.Context, kind signal.Kind, date string) (*DailyArchive, error) {
	blob, err := r.port.Load(ctx, archiveKey(kind, date))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			metrics.PersistenceErrors.WithLabelValues("load").Inc()
		}
		return nil, err
	}
	var a DailyArchive
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, fmt.Errorf("decode archive %s/%s: %w", kind, date, err)
	}
	return &a, nil
}

// Known reports whether key is tracked or was finalized recently.
func (r *Repository) Known(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[key]; ok {
		return true
	}
	_, ok := r.completed[key]
	return ok
}

// Insert adds a new tracked signal. It refuses keys already known.
func (r *Repository) Insert(s *TrackedSignal) bool {
	key := s.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[key]; ok {
		return false
	}
	if _, ok := r.completed[key]; ok {
		return false
	}
	r.active[key] = s
	return true
}

func (r *Repository) Get(key string) (TrackedSignal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[key]
	if !ok {
		return TrackedSignal{}, false
	}
	return *s, true
}

// Snapshot returns copies of all active signals ordered by key.
func (r *Repository) Snapshot() []TrackedSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked(func(*TrackedSignal) bool { return true })
}

// Due returns copies of the signals to poll at now.
func (r *Repository) Due(now time.Time, retryInterval time.Duration) []TrackedSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked(func(s *TrackedSignal) bool { return s.Due(now, retryInterval) })
}

func (r *Repository) sortedLocked(keep func(*TrackedSignal) bool) []TrackedSignal {
	keys := make([]string, 0, len(r.active))
	for k, s := range r.active {
		if keep(s) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]TrackedSignal, 0, len(keys))
	for _, k := range keys {
		out = append(out, *r.active[k])
	}
	return out
}

// Sweep finalizes every signal whose tracking window ended or whose retry
// window ran out.
func (r *Repository) Sweep(now time.Time, retryWindow time.Duration) []TrackedSignal {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, until := range r.completed {
		if now.After(until) {
			delete(r.completed, k)
		}
	}

	var done []TrackedSignal
	for _, s := range r.sortedLocked(func(s *TrackedSignal) bool {
		return !now.Before(s.TrackingEndTime) || s.RetryExpired(now, retryWindow)
	}) {
		live := r.active[s.Key()]
		live.Finalize(now)
		done = append(done, r.finalizeLocked(live))
	}
	return done
}

// Update runs fn on the live signal under the lock. When fn returns true the
// signal is finalized and moved to the outbox.
func (r *Repository) Update(key string, fn func(s *TrackedSignal) (finalize bool)) (TrackedSignal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[key]
	if !ok {
		return TrackedSignal{}, false
	}
	if fn(s) {
		return r.finalizeLocked(s), true
	}
	return *s, true
}

func (r *Repository) finalizeLocked(s *TrackedSignal) TrackedSignal {
	key := s.Key()
	delete(r.active, key)
	r.completed[key] = s.TrackingEndTime
	r.outbox = append(r.outbox, *s)
	metrics.Finalized.WithLabelValues(string(s.SignalType), string(s.Status)).Inc()
	return *s
}

// Counts returns active signals per signal type.
func (r *Repository) Counts() map[signal.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[signal.Kind]int{signal.Discovery: 0, signal.Alpha: 0}
	for _, s := range r.active {
		out[s.SignalType]++
	}
	return out
}

// Pending is the number of finalized signals not yet archived.
func (r *Repository) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

func (r *Repository) saveJSON(ctx context.Context, key string, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.port.Save(ctx, key, blob); err != nil {
		metrics.PersistenceErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (r *Repository) loadJSON(ctx context.Context, key string, v any) error {
	blob, err := r.port.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
