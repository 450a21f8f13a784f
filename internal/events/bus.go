// Package events implements the one-way event bus referenced throughout
// spec §9: Session Manager, Confirmation Tracker, Webhook Dispatcher, and
// Subscription Hub never hold references to one another. Each publishes
// typed events on the bus; interested components subscribe at startup. This
// keeps the dependency graph a DAG instead of a mesh of mutual references.
package events

import (
	"context"
	"sync"
)

// Kind identifies the tagged variant carried by an Event.
type Kind string

const (
	// KindPaymentPending fires when a new session is created.
	KindPaymentPending Kind = "payment.pending"
	// KindDetected is not published by any component: the Engine's detection
	// callback calls the Session Manager directly, which publishes
	// KindConfirming on acceptance.
	KindDetected Kind = "detected"
	// KindConfirming fires when a session transitions pending -> confirming.
	KindConfirming Kind = "payment.confirming"
	// KindConfirmationUpdated fires on every confirmation-count update the
	// confirmation tracker reports, whether or not the stored count changed.
	KindConfirmationUpdated Kind = "confirmation_updated"
	// KindConfirmed fires once a session crosses the confirmation threshold.
	KindConfirmed Kind = "payment.confirmed"
	// KindExpired fires when a session is expired, by sweep or explicit cancel.
	KindExpired Kind = "payment.expired"
	// KindFailed fires when a confirming session is marked failed.
	KindFailed Kind = "payment.failed"
)

// Event is the single tagged-variant payload carried across the bus. Not
// every field is populated for every Kind; see the component that publishes
// each kind for which fields are meaningful.
type Event struct {
	Kind             Kind
	SessionID        string
	MerchantID       string
	Address          string
	TxID             string
	Confirmations    uint64
	Required         uint64
	InitialBlueScore uint64
}

// Handler processes one published event. Handlers run synchronously on the
// publisher's goroutine and must not block on slow I/O directly — components
// that need to do slow work (webhook delivery, WebSocket writes) hand off to
// their own internal queues instead of blocking the bus.
type Handler func(ctx context.Context, evt Event)

// Bus is a minimal typed publish/subscribe registry. It intentionally does
// not pull in a generic pub-sub library: the corpus's own services wire
// components together directly in main(), and an in-process, single-binary
// fan-out of this size needs nothing heavier than a map of slices guarded by
// a mutex.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h to run whenever an event of the given kind is
// published. Subscriptions are expected to be wired once at startup by the
// Engine, not added or removed at runtime.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish invokes every handler registered for evt.Kind, in registration
// order. It does not recover panics: a handler that panics is a programming
// error in how the Engine wired the bus, not a runtime condition to mask.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evt.Kind]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, evt)
	}
}
