// Package webhook implements the Webhook Dispatcher (spec §4.7): it signs
// outbound payloads, delivers them with a timeout, records every attempt in
// the Persistent Store, and retries failed deliveries on an exponential
// backoff schedule.
package webhook

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"kasgate/internal/events"
	"kasgate/internal/store"
)

// MaxAttempts is the total number of deliveries attempted per logical
// notification, the initial send included.
const MaxAttempts = 5

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
	maxResponseBodyLog   = 2048
)

// MerchantLookup is the subset of merchant.Service the dispatcher depends on.
type MerchantLookup interface {
	GetMerchant(ctx context.Context, id string) (store.Merchant, error)
}

// Task is one queued delivery attempt.
type Task struct {
	LogID      int64
	MerchantID string
	WebhookURL string
	Secret     string
	Event      string
	DeliveryID string
	Payload    []byte
	Attempt    int // the attempt number about to be made, 1-based
	NotBefore  time.Time
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueCapacity bounds the number of in-flight tasks held in memory.
func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.tasks = newQueueRing[queuedTask](n)
		}
	}
}

// WithQueueTTL bounds how long a task may sit queued before it is dropped as
// stale rather than delivered.
func WithQueueTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// Dispatcher is the Webhook Dispatcher.
type Dispatcher struct {
	store     *store.Store
	merchants MerchantLookup
	client    *http.Client
	limiter   *RateLimiter
	logger    *slog.Logger
	nowFn     func() time.Time

	mu    sync.Mutex
	tasks queueRing[queuedTask]
	ttl   time.Duration

	metrics *dispatchMetrics
}

// New constructs a Dispatcher over store, using merchants to resolve the
// current webhook URL and secret at delivery time (so a retry after secret
// rotation signs with the new secret, per spec §4.7).
func New(st *store.Store, merchants MerchantLookup, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:     st,
		merchants: merchants,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   NewRateLimiter(),
		logger:    logger,
		nowFn:     time.Now,
		tasks:     newQueueRing[queuedTask](defaultQueueCapacity),
		ttl:       defaultQueueTTL,
		metrics:   loadMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// eventName maps a bus event kind to the wire event name, and reports
// whether that kind is delivered to merchants at all (confirmation-count
// ticks that do not cross a status boundary are not).
func eventName(kind events.Kind) (string, bool) {
	switch kind {
	case events.KindConfirming:
		return "payment.confirming", true
	case events.KindConfirmed:
		return "payment.confirmed", true
	case events.KindExpired:
		return "payment.expired", true
	case events.KindFailed:
		return "payment.failed", true
	default:
		return "", false
	}
}

// HandleEvent is the Engine's bus subscription handler: build, persist, and
// enqueue a delivery for any event kind that merchants are notified about.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt events.Event) {
	name, ok := eventName(evt.Kind)
	if !ok {
		return
	}
	m, err := d.merchants.GetMerchant(ctx, evt.MerchantID)
	if err != nil {
		d.logger.Warn("webhook: lookup merchant failed", "merchant_id", evt.MerchantID, "err", err)
		return
	}
	if m.WebhookURL == "" {
		return
	}
	sess, err := d.store.GetSession(ctx, evt.SessionID)
	if err != nil {
		d.logger.Warn("webhook: lookup session failed", "session_id", evt.SessionID, "err", err)
		return
	}

	now := d.nowFn().UTC()
	deliveryID := uuid.NewString()
	var confirmations *uint64
	if evt.Kind == events.KindConfirmed {
		c := evt.Confirmations
		confirmations = &c
	}

	payload, err := buildPayload(name, sess, deliveryID, now, confirmations)
	if err != nil {
		d.logger.Warn("webhook: build payload failed", "session_id", sess.ID, "err", err)
		return
	}

	logID, err := d.store.InsertWebhookAttempt(ctx, store.WebhookAttempt{
		SessionID: sess.ID, MerchantID: sess.MerchantID, Event: name,
		Payload: payload, DeliveryID: deliveryID, CreatedAt: now,
	})
	if err != nil {
		d.logger.Warn("webhook: persist attempt failed", "session_id", sess.ID, "err", err)
		return
	}

	d.enqueue(Task{
		LogID: logID, MerchantID: sess.MerchantID, WebhookURL: m.WebhookURL, Secret: m.WebhookSecret,
		Event: name, DeliveryID: deliveryID, Payload: payload, Attempt: 1,
	})
}

func (d *Dispatcher) enqueue(task Task) {
	now := d.nowFn()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictExpiredLocked(now)
	if d.tasks.capacity() == 0 {
		d.metrics.recordDropped("overflow")
		return
	}
	if _, dropped := d.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		d.metrics.recordDropped("overflow")
	}
}

func (d *Dispatcher) evictExpiredLocked(now time.Time) {
	if d.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := d.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= d.ttl {
			break
		}
		d.tasks.pop()
		expired++
	}
	if expired > 0 {
		d.metrics.recordDropped("ttl")
	}
}

// dequeue waits for the next deliverable task, honoring each task's
// NotBefore backoff delay. Returns false once ctx is cancelled.
func (d *Dispatcher) dequeue(ctx context.Context) (Task, bool) {
	for {
		d.mu.Lock()
		d.evictExpiredLocked(d.nowFn())
		queued, ok := d.tasks.pop()
		d.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return Task{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Task{}, false
			case <-timer.C:
			}
		}
		return queued.task, true
	}
}

// Run delivers queued tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, ok := d.dequeue(ctx)
		if !ok {
			return
		}
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task Task) {
	now := d.nowFn().UTC()
	if allowed, retryAt := d.limiter.Reserve(task.MerchantID, DefaultRateLimit, now); !allowed {
		d.metrics.recordRateLimited()
		task.NotBefore = retryAt
		d.enqueue(task)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.WebhookURL, bytes.NewReader(task.Payload))
	if err != nil {
		d.fail(ctx, task, now, nil, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-KasGate-Signature", signPayload(task.Secret, task.Payload))
	req.Header.Set("X-KasGate-Event", task.Event)
	req.Header.Set("X-KasGate-Timestamp", now.Format(time.RFC3339Nano))
	req.Header.Set("X-KasGate-Delivery-Id", task.DeliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		d.fail(ctx, task, now, nil, err.Error())
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLog))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := resp.StatusCode
		d.fail(ctx, task, now, &code, string(body))
		return
	}

	if err := d.store.RecordDeliverySuccess(ctx, task.LogID, task.Attempt, resp.StatusCode, now); err != nil {
		d.logger.Warn("webhook: record success failed", "log_id", task.LogID, "err", err)
	}
	d.metrics.recordDelivered()
}

func (d *Dispatcher) fail(ctx context.Context, task Task, now time.Time, responseCode *int, responseBody string) {
	d.metrics.recordFailed()
	nextAttempt := task.Attempt + 1
	var nextRetry *time.Time
	if nextAttempt <= MaxAttempts {
		t := now.Add(backoffDuration(task.Attempt))
		nextRetry = &t
	}
	if err := d.store.RecordDeliveryFailure(ctx, task.LogID, task.Attempt, responseCode, responseBody, nextRetry, now); err != nil {
		d.logger.Warn("webhook: record failure failed", "log_id", task.LogID, "err", err)
	}
	if nextRetry == nil {
		return
	}
	task.Attempt = nextAttempt
	task.NotBefore = *nextRetry
	d.enqueue(task)
}

// backoffDuration implements the spec's 1s·2^(n-1) schedule: 1s, 2s, 4s, 8s
// between attempts 1-2, 2-3, 3-4, and 4-5.
func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	return time.Second * time.Duration(1<<uint(attempt-1))
}

// RunRetrySweep wakes every 30s, selects attempts eligible for retry, and
// re-enqueues them against the merchant's current webhook URL and secret
// (which may have been rotated since the original attempt).
func (d *Dispatcher) RunRetrySweep(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.retrySweepTick(ctx)
		}
	}
}

func (d *Dispatcher) retrySweepTick(ctx context.Context) {
	due, err := d.store.DueRetries(ctx, d.nowFn().UTC(), MaxAttempts)
	if err != nil {
		d.logger.Warn("webhook: select due retries failed", "err", err)
		return
	}
	for _, row := range due {
		m, err := d.merchants.GetMerchant(ctx, row.MerchantID)
		if err != nil || m.WebhookURL == "" {
			continue
		}
		d.enqueue(Task{
			LogID: row.ID, MerchantID: row.MerchantID, WebhookURL: m.WebhookURL, Secret: m.WebhookSecret,
			Event: row.Event, DeliveryID: row.DeliveryID, Payload: row.Payload, Attempt: row.Attempts + 1,
		})
	}
}

// ErrAlreadyDelivered is returned by RetryNow for a row whose delivered_at is
// already set.
var ErrAlreadyDelivered = errAlreadyDelivered{}

type errAlreadyDelivered struct{}

func (errAlreadyDelivered) Error() string { return "webhook: attempt already delivered" }

// RetryNow is the manual-retry HTTP path: immediately re-queue a specific,
// merchant-owned delivery row.
func (d *Dispatcher) RetryNow(ctx context.Context, logID int64, merchantID string) error {
	row, err := d.store.GetWebhookAttempt(ctx, logID, merchantID)
	if err != nil {
		return err
	}
	if row.Delivered() {
		return ErrAlreadyDelivered
	}
	m, err := d.merchants.GetMerchant(ctx, merchantID)
	if err != nil {
		return err
	}
	now := d.nowFn().UTC()
	if err := d.store.RequeueManual(ctx, logID, now); err != nil {
		return err
	}
	attempt := row.Attempts
	if attempt < 1 {
		attempt = 1
	}
	d.enqueue(Task{
		LogID: row.ID, MerchantID: row.MerchantID, WebhookURL: m.WebhookURL, Secret: m.WebhookSecret,
		Event: row.Event, DeliveryID: row.DeliveryID, Payload: row.Payload, Attempt: attempt,
	})
	return nil
}
