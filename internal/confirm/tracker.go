// Package confirm implements the Confirmation Tracker (spec §4.6): once a
// session moves to confirming, periodically compares the ledger's current
// blue score against the score recorded at detection, emitting confirmation
// updates and a terminal confirmed event once the threshold is crossed.
package confirm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kasgate/internal/store"
)

// BlueScoreSource reports the ledger's current blue score. Satisfied by
// *ledger.Watcher.
type BlueScoreSource interface {
	CurrentBlueScore(ctx context.Context) (uint64, error)
}

// SessionUpdater is the subset of *session.Manager the tracker depends on.
// A narrow interface rather than the concrete type keeps this package's
// tests independent of the store.
type SessionUpdater interface {
	UpdateConfirmations(ctx context.Context, sessionID string, confirmations uint64) error
	MarkConfirmed(ctx context.Context, sessionID string, confirmations uint64) error
}

// Tracker is the Confirmation Tracker.
type Tracker struct {
	store     *store.Store
	source    BlueScoreSource
	sessions  SessionUpdater
	threshold uint64
	logger    *slog.Logger

	mu      sync.Mutex
	tracked map[string]uint64 // sessionID -> initialBlueScore
}

// New constructs a Tracker. threshold is the confirmation count (current -
// initial blue score) a session must reach to be marked confirmed.
func New(st *store.Store, source BlueScoreSource, sessions SessionUpdater, threshold uint64, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:     st,
		source:    source,
		sessions:  sessions,
		threshold: threshold,
		logger:    logger,
		tracked:   make(map[string]uint64),
	}
}

// Track begins tracking a session from the given baseline blue score,
// observed at the moment the payment was detected.
func (t *Tracker) Track(sessionID string, initialBlueScore uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[sessionID] = initialBlueScore
}

// Untrack stops tracking a session (it reached a terminal status).
func (t *Tracker) Untrack(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, sessionID)
}

// Rehydrate scans sessions in status confirming and resumes tracking them
// from their persisted initial_blue_score, recovering the correct baseline
// across a restart (see DESIGN.md's resolution of the §9 open question).
func (t *Tracker) Rehydrate(ctx context.Context) error {
	sessions, err := t.store.ConfirmingSessions(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sess := range sessions {
		if sess.InitialBlueScore != nil {
			t.tracked[sess.ID] = *sess.InitialBlueScore
		}
	}
	return nil
}

// Run wakes once per second, reads the current blue score once, and
// iterates every tracked session. A re-entrant guard (via TryLock) skips a
// tick if the previous one is still running.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var inFlight sync.Mutex
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !inFlight.TryLock() {
				continue
			}
			t.tick(ctx)
			inFlight.Unlock()
		}
	}
}

func (t *Tracker) tick(ctx context.Context) {
	current, err := t.source.CurrentBlueScore(ctx)
	if err != nil {
		t.logger.Warn("confirm: read current blue score failed", "err", err)
		return
	}

	t.mu.Lock()
	snapshot := make(map[string]uint64, len(t.tracked))
	for id, initial := range t.tracked {
		snapshot[id] = initial
	}
	t.mu.Unlock()

	for sessionID, initial := range snapshot {
		if current < initial {
			// A reorg or node restart is assumed; leave this session
			// untouched for this tick rather than reporting a regression.
			continue
		}
		confirmations := current - initial

		if confirmations >= t.threshold {
			if err := t.sessions.MarkConfirmed(ctx, sessionID, confirmations); err != nil {
				t.logger.Warn("confirm: mark confirmed failed", "session_id", sessionID, "err", err)
				continue
			}
			t.Untrack(sessionID)
			continue
		}

		if err := t.sessions.UpdateConfirmations(ctx, sessionID, confirmations); err != nil {
			t.logger.Warn("confirm: update confirmations failed", "session_id", sessionID, "err", err)
		}
	}
}
