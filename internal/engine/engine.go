// Package engine wires the seven leaf components into the running gateway
// (spec §2's data/control flow diagram) without letting them hold direct
// references to one another, per spec §9: components talk through the event
// bus, and the one case that genuinely needs a direct call — the Ledger
// Watcher's detection callback into the Session Manager — is wired here, at
// the one place in the tree allowed to know about all of them.
package engine

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"kasgate/internal/address"
	"kasgate/internal/config"
	"kasgate/internal/confirm"
	"kasgate/internal/events"
	"kasgate/internal/ledger"
	"kasgate/internal/merchant"
	"kasgate/internal/realtime"
	"kasgate/internal/session"
	"kasgate/internal/store"
	"kasgate/internal/webhook"
)

// Engine owns every long-lived component and runs their background workers.
type Engine struct {
	cfg config.Config

	Store     *store.Store
	Merchants *merchant.Service
	Deriver   address.Deriver
	Bus       *events.Bus
	Watcher   *ledger.Watcher
	Sessions  *session.Manager
	Tracker   *confirm.Tracker
	Webhooks  *webhook.Dispatcher
	Hub       *realtime.Hub

	logger *slog.Logger
}

// New constructs every component and wires the event bus subscriptions. It
// does not yet start any background worker or monitor any address — call
// Run for that, after Start has rehydrated in-flight sessions.
func New(cfg config.Config, st *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	bus := events.NewBus()
	deriver := address.NewRegexDeriver(cfg.Profile.AddressPrefix)
	merchants := merchant.New(st, logger)

	indexer := ledger.NewHTTPIndexerClient(cfg.IndexerURL)
	var push ledger.PushClient
	var dialFactory func(url string) ledger.PushClient
	if cfg.NodeRPCURL != "" {
		push = ledger.NewWRPCClient(cfg.NodeRPCURL, 15*time.Second)
		dialFactory = func(url string) ledger.PushClient {
			return ledger.NewWRPCClient(url, 10*time.Second)
		}
	}
	watcher := ledger.NewWatcher(push, indexer, dialFactory, cfg.NodeRPCFallbackURLs, logger)

	e := &Engine{
		cfg:       cfg,
		Store:     st,
		Merchants: merchants,
		Deriver:   deriver,
		Bus:       bus,
		Watcher:   watcher,
		logger:    logger,
	}

	sessions := session.New(st, deriver, bus, cfg.SessionTTL, cfg.ConfirmationThreshold, watcher.Unmonitor)
	e.Sessions = sessions
	e.Tracker = confirm.New(st, watcher, sessions, cfg.ConfirmationThreshold, logger)
	e.Webhooks = webhook.New(st, st, logger,
		webhook.WithQueueCapacity(cfg.WebhookQueueCapacity),
		webhook.WithQueueTTL(cfg.WebhookQueueTTL))
	e.Hub = realtime.New(sessions, logger)

	e.wireBus()
	return e
}

// wireBus registers every cross-component subscription. This is the DAG's
// only place of assembly: no component holds a reference to another.
func (e *Engine) wireBus() {
	for _, kind := range []events.Kind{events.KindConfirming, events.KindConfirmed, events.KindExpired, events.KindFailed} {
		e.Bus.Subscribe(kind, e.Webhooks.HandleEvent)
		e.Bus.Subscribe(kind, e.Hub.HandleEvent)
	}
	e.Bus.Subscribe(events.KindConfirmationUpdated, e.Hub.HandleEvent)
	e.Bus.Subscribe(events.KindConfirming, e.onConfirming)
}

// onConfirming hands a newly-confirming session's baseline blue score to the
// Confirmation Tracker. It is wired as a bus subscription rather than a
// direct call from the Session Manager so that package keeps no reference to
// internal/confirm.
func (e *Engine) onConfirming(ctx context.Context, evt events.Event) {
	e.Tracker.Track(evt.SessionID, evt.InitialBlueScore)
}

// CreateSession creates a session and begins monitoring its address. This is
// the one direct call in the hot path the spec's own diagram draws explicitly
// (Session Manager -> Ledger Watcher.monitor), so it lives here rather than
// inside internal/session.
func (e *Engine) CreateSession(ctx context.Context, m store.Merchant, params session.CreateParams) (store.Session, error) {
	sess, err := e.Sessions.Create(ctx, m, params)
	if err != nil {
		return store.Session{}, err
	}
	expected, err := strconv.ParseUint(sess.AmountSompi, 10, 64)
	if err != nil {
		return sess, err
	}
	if err := e.Watcher.Monitor(ctx, sess.Address, expected, e.onDetected); err != nil {
		e.logger.Warn("engine: monitor address failed", "address", sess.Address, "err", err)
	}
	return sess, nil
}

// onDetected is the Ledger Watcher's detection callback: it resolves the
// address back to its session, records the payment, and (only on
// acceptance) starts confirmation tracking via the payment.confirming event
// onConfirming subscribes to.
func (e *Engine) onDetected(addr string, txID string, total uint64, utxos []ledger.UTXO) {
	ctx := context.Background()
	sess, err := e.Store.GetSessionByAddress(ctx, addr)
	if err != nil {
		e.logger.Warn("engine: detection for unknown address", "address", addr, "err", err)
		return
	}
	blueScore, err := e.Watcher.CurrentBlueScore(ctx)
	if err != nil {
		e.logger.Warn("engine: read blue score at detection failed", "err", err)
		return
	}
	if _, err := e.Sessions.MarkPaymentReceived(ctx, sess.ID, txID, blueScore); err != nil {
		e.logger.Warn("engine: mark payment received failed", "session_id", sess.ID, "err", err)
	}
}

// Start rehydrates in-memory bookkeeping from durable state after a restart:
// re-monitors every pending session's address and resumes confirmation
// tracking for every confirming session, per spec §3's rehydration note.
func (e *Engine) Start(ctx context.Context) error {
	pending, err := e.Store.PendingSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range pending {
		expected, err := strconv.ParseUint(sess.AmountSompi, 10, 64)
		if err != nil {
			continue
		}
		if err := e.Watcher.Monitor(ctx, sess.Address, expected, e.onDetected); err != nil {
			e.logger.Warn("engine: rehydrate monitor failed", "address", sess.Address, "err", err)
		}
	}
	return e.Tracker.Rehydrate(ctx)
}

// Run starts every background worker and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	go e.Watcher.Run(ctx)
	go e.Tracker.Run(ctx)
	go e.Webhooks.Run(ctx)
	go e.Webhooks.RunRetrySweep(ctx)
	go e.Hub.RunHeartbeat(ctx)
	e.Sessions.RunExpirySweep(ctx, func(err error) {
		e.logger.Warn("engine: expiry sweep failed", "err", err)
	})
}

// Shutdown closes the Subscription Hub's client connections and then the
// push backend. It does not drain the webhook queue: tasks still queued in
// memory when the dispatcher's Run loop stops are not delivered here, and
// their undelivered rows stay in the Store for the retry sweep after the
// next start. The Store is closed separately by the caller after every
// worker above has stopped.
func (e *Engine) Shutdown(ctx context.Context) {
	e.Hub.Shutdown(ctx)
	if err := e.Watcher.Close(); err != nil {
		e.logger.Warn("engine: close push backend failed", "err", err)
	}
}
