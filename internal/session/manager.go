// Package session implements the Session Manager (spec §4.4): the payment
// lifecycle state machine, its atomic expiry check, the background expiry
// sweep, and per-session subscription tokens.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kasgate/internal/address"
	"kasgate/internal/events"
	"kasgate/internal/store"
)

// ErrUnauthorized is returned when a caller attempts an owner-scoped
// operation on a session belonging to a different merchant.
var ErrUnauthorized = errors.New("session: caller does not own this session")

// UnmonitorFunc stops the Ledger Watcher from watching an address. Manager
// calls it whenever a session leaves pending (payment received, cancel or
// expiry) and when a confirming session is marked failed, per the
// function-typed injection points described in spec §9 — this keeps
// internal/session from importing internal/ledger.
type UnmonitorFunc func(ctx context.Context, address string)

// Manager is the Session Manager.
type Manager struct {
	store     *store.Store
	deriver   address.Deriver
	bus       *events.Bus
	ttl       time.Duration
	threshold uint64
	unmonitor UnmonitorFunc
	nowFn     func() time.Time
}

// New constructs a Manager. threshold is the default confirmation count the
// confirmation tracker must reach before a session is marked confirmed.
func New(st *store.Store, deriver address.Deriver, bus *events.Bus, ttl time.Duration, threshold uint64, unmonitor UnmonitorFunc) *Manager {
	return &Manager{
		store:     st,
		deriver:   deriver,
		bus:       bus,
		ttl:       ttl,
		threshold: threshold,
		unmonitor: unmonitor,
		nowFn:     time.Now,
	}
}

// CreateParams are the caller-supplied fields for a new session; amount is a
// decimal-sompi string already validated by the HTTP layer.
type CreateParams struct {
	MerchantID  string
	AmountSompi string
	OrderID     string
	Metadata    map[string]string
	RedirectURL string
}

// Create derives a fresh address under the merchant's xPub inside the
// session-creation transaction (reads next_address_index, derives, writes
// the session, increments the index) and publishes payment.pending.
func (m *Manager) Create(ctx context.Context, merchant store.Merchant, params CreateParams) (store.Session, error) {
	token, err := generateToken()
	if err != nil {
		return store.Session{}, fmt.Errorf("session: generate subscription token: %w", err)
	}

	now := m.nowFn().UTC()
	var sess store.Session
	err = m.store.WithTx(ctx, func(ctx context.Context) error {
		idx, err := m.store.NextAddressIndexAndIncrement(ctx, merchant.ID)
		if err != nil {
			return err
		}
		addr, err := m.deriver.Derive(merchant.XPub, idx)
		if err != nil {
			return fmt.Errorf("session: derive address: %w", err)
		}
		sess = store.Session{
			ID:                uuid.NewString(),
			MerchantID:        merchant.ID,
			Address:           addr,
			AddressIndex:      idx,
			AmountSompi:       params.AmountSompi,
			Status:            store.StatusPending,
			SubscriptionToken: token,
			OrderID:           params.OrderID,
			Metadata:          params.Metadata,
			RedirectURL:       params.RedirectURL,
			CreatedAt:         now,
			ExpiresAt:         now.Add(m.ttl),
		}
		return m.store.InsertSession(ctx, sess)
	})
	if err != nil {
		return store.Session{}, err
	}

	m.bus.Publish(ctx, events.Event{Kind: events.KindPaymentPending, SessionID: sess.ID, MerchantID: sess.MerchantID, Address: sess.Address})
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (store.Session, error) {
	return m.store.GetSession(ctx, id)
}

// MarkPaymentReceived runs the atomic expiry-checked pending -> confirming
// transition and publishes payment.confirming on acceptance. Callers —
// typically the Engine's Ledger Watcher detection handler — pass the blue
// score observed at detection time so the Confirmation Tracker has a
// baseline to measure from; it is persisted on the session row.
func (m *Manager) MarkPaymentReceived(ctx context.Context, sessionID, txID string, initialBlueScore uint64) (store.MarkPaymentReceivedResult, error) {
	var result store.MarkPaymentReceivedResult
	now := m.nowFn().UTC()
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = m.store.MarkPaymentReceived(ctx, sessionID, txID, initialBlueScore, now)
		return err
	})
	if err != nil {
		return "", err
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return result, err
	}

	if m.unmonitor != nil {
		m.unmonitor(ctx, sess.Address)
	}

	if result == store.PaymentAccepted {
		m.bus.Publish(ctx, events.Event{Kind: events.KindConfirming, SessionID: sess.ID, MerchantID: sess.MerchantID, TxID: txID, InitialBlueScore: initialBlueScore})
	}
	return result, nil
}

// UpdateConfirmations clamps and publishes a confirmation-count update.
func (m *Manager) UpdateConfirmations(ctx context.Context, sessionID string, confirmations uint64) error {
	stored, err := m.store.UpdateConfirmations(ctx, sessionID, confirmations)
	if err != nil {
		return err
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	m.bus.Publish(ctx, events.Event{
		Kind: events.KindConfirmationUpdated, SessionID: sess.ID, MerchantID: sess.MerchantID,
		Confirmations: stored, Required: m.threshold,
	})
	return nil
}

// MarkConfirmed transitions confirming -> confirmed once the Confirmation
// Tracker reports the threshold crossed.
func (m *Manager) MarkConfirmed(ctx context.Context, sessionID string, confirmations uint64) error {
	if err := m.store.MarkConfirmed(ctx, sessionID, confirmations, m.nowFn().UTC()); err != nil {
		return err
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	m.bus.Publish(ctx, events.Event{Kind: events.KindConfirmed, SessionID: sess.ID, MerchantID: sess.MerchantID, TxID: sess.TxID, Confirmations: confirmations})
	return nil
}

// MarkFailed transitions confirming -> failed.
func (m *Manager) MarkFailed(ctx context.Context, sessionID string) error {
	if err := m.store.MarkFailed(ctx, sessionID); err != nil {
		return err
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if m.unmonitor != nil {
		m.unmonitor(ctx, sess.Address)
	}
	m.bus.Publish(ctx, events.Event{Kind: events.KindFailed, SessionID: sess.ID, MerchantID: sess.MerchantID})
	return nil
}

// Cancel is the explicit-cancel path: pending -> expired, owner-checked.
func (m *Manager) Cancel(ctx context.Context, sessionID, merchantID string) (store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if sess.MerchantID != merchantID {
		return store.Session{}, ErrUnauthorized
	}
	if err := m.store.MarkExpiredExplicit(ctx, sessionID); err != nil {
		return store.Session{}, err
	}
	if m.unmonitor != nil {
		m.unmonitor(ctx, sess.Address)
	}
	sess.Status = store.StatusExpired
	m.bus.Publish(ctx, events.Event{Kind: events.KindExpired, SessionID: sess.ID, MerchantID: sess.MerchantID, Address: sess.Address})
	return sess, nil
}

// ExpireSweep is the background worker body: it expires every overdue
// pending session and publishes payment.expired for each. Idempotent.
func (m *Manager) ExpireSweep(ctx context.Context) error {
	ids, err := m.store.ExpireOldSessions(ctx, m.nowFn().UTC())
	if err != nil {
		return err
	}
	for _, id := range ids {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			continue
		}
		if m.unmonitor != nil {
			m.unmonitor(ctx, sess.Address)
		}
		m.bus.Publish(ctx, events.Event{Kind: events.KindExpired, SessionID: sess.ID, MerchantID: sess.MerchantID, Address: sess.Address})
	}
	return nil
}

// RunExpirySweep runs ExpireSweep once per minute until ctx is cancelled.
func (m *Manager) RunExpirySweep(ctx context.Context, onErr func(error)) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ExpireSweep(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

// ListByMerchant returns a merchant's sessions, paginated.
func (m *Manager) ListByMerchant(ctx context.Context, merchantID string, opts store.ListSessionsOptions) ([]store.Session, int, error) {
	return m.store.ListSessionsByMerchant(ctx, merchantID, opts)
}

// Stats returns status counts and confirmed volume for a merchant.
func (m *Manager) Stats(ctx context.Context, merchantID string) (store.MerchantStats, error) {
	return m.store.Stats(ctx, merchantID)
}

// Analytics returns the bucketed analytics summary for [start, end).
func (m *Manager) Analytics(ctx context.Context, merchantID string, start, end time.Time) (store.AnalyticsPeriod, error) {
	return m.store.Analytics(ctx, merchantID, start, end)
}

// Threshold returns the confirmation threshold sessions must reach.
func (m *Manager) Threshold() uint64 {
	return m.threshold
}
