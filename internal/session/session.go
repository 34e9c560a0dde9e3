// Package session keeps the last scan of the visible listing and notices when
// the listing changes underneath it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"etaexport/internal/invoice"
	"etaexport/internal/locator"
	"etaexport/internal/traversal"
)

// State owns the result of the last scan of the visible page.
type State struct {
	mu          sync.RWMutex
	result      invoice.Result
	fingerprint string
	scannedAt   time.Time
	valid       bool
}

// Store records res as the scan of the listing identified by fingerprint.
func (s *State) Store(res invoice.Result, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = res
	s.fingerprint = fingerprint
	s.scannedAt = time.Now()
	s.valid = true
}

// Result returns the stored scan. The boolean is false when nothing is
// stored or the scan was invalidated.
func (s *State) Result() (invoice.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, s.valid
}

// Fingerprint returns the fingerprint of the stored scan.
func (s *State) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

// ScannedAt returns when the stored scan was taken.
func (s *State) ScannedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scannedAt
}

// Invalidate marks the stored scan as stale.
func (s *State) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}

// Matches reports whether a valid scan is stored for fingerprint.
func (s *State) Matches(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid && s.fingerprint == fingerprint
}

// Change is emitted when the listing fingerprint changes.
type Change struct {
	Previous string
	Current  string
	At       time.Time
}

// Watcher polls a view and invalidates State whenever the listing changes.
type Watcher struct {
	View     traversal.View
	State    *State
	Interval time.Duration
	// OnChange runs after the state was invalidated. It may be nil.
	OnChange func(ctx context.Context, c Change)

	logger zerolog.Logger
}

// NewWatcher returns a watcher polling view every interval.
func NewWatcher(view traversal.View, state *State, interval time.Duration) *Watcher {
	return &Watcher{
		View:     view,
		State:    state,
		Interval: interval,
		logger:   log.With().Str("component", "watcher").Logger(),
	}
}

// Run polls until ctx is done. Snapshot errors are logged and the poll goes
// on. The first snapshot only sets the baseline.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	last, seen := "", false
	for {
		if fp, ok := w.poll(ctx); ok {
			if seen && fp != last {
				c := Change{Previous: last, Current: fp, At: time.Now()}
				w.State.Invalidate()
				w.logger.Debug().Str("fingerprint", fp).Msg("listing changed")
				if w.OnChange != nil {
					w.OnChange(ctx, c)
				}
			}
			last, seen = fp, true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) poll(ctx context.Context) (string, bool) {
	doc, err := w.View.Snapshot(ctx)
	if err != nil {
		w.logger.Debug().Err(err).Msg("snapshot failed")
		return "", false
	}
	if traversal.IsLoading(doc) {
		return "", false
	}
	return locator.Fingerprint(doc), true
}
