package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasgate/internal/events"
	"kasgate/internal/store"
)

type fakeMerchantLookup struct {
	merchant store.Merchant
}

func (f *fakeMerchantLookup) GetMerchant(ctx context.Context, id string) (store.Merchant, error) {
	if id != f.merchant.ID {
		return store.Merchant{}, store.ErrNotFound
	}
	return f.merchant, nil
}

func newDispatcherFixture(t *testing.T, webhookURL string) (*Dispatcher, *store.Store, store.Session) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "kasgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC()
	m := store.Merchant{
		ID: "m1", Name: "Acme", XPub: "xpub-test", APIKeyDigest: "d", WebhookSecret: "whsec_test",
		WebhookURL: webhookURL, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.InsertMerchant(context.Background(), m))

	sess := store.Session{
		ID: "s1", MerchantID: m.ID, Address: "kaspa:addr1", AmountSompi: "100000000",
		SubscriptionToken: "tok_s1", CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute),
	}
	require.NoError(t, st.InsertSession(context.Background(), sess))

	d := New(st, &fakeMerchantLookup{merchant: m}, nil)
	return d, st, sess
}

func TestHandleEventEnqueuesAndDeliversSuccessfully(t *testing.T) {
	var gotSignatureHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignatureHeader = r.Header.Get("X-KasGate-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st, sess := newDispatcherFixture(t, srv.URL)
	d.HandleEvent(context.Background(), events.Event{Kind: events.KindConfirmed, SessionID: sess.ID, MerchantID: sess.MerchantID, Confirmations: 10})

	task, ok := d.dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, "payment.confirmed", task.Event)

	d.deliver(context.Background(), task)
	require.NotEmpty(t, gotSignatureHeader)

	attempt, err := st.GetWebhookAttempt(context.Background(), task.LogID, sess.MerchantID)
	require.NoError(t, err)
	require.True(t, attempt.Delivered())
}

func TestHandleEventSkipsMerchantsWithNoWebhookURL(t *testing.T) {
	d, _, sess := newDispatcherFixture(t, "")
	d.HandleEvent(context.Background(), events.Event{Kind: events.KindConfirmed, SessionID: sess.ID, MerchantID: sess.MerchantID})

	_, ok := d.dequeue(interruptibleCtx(t))
	require.False(t, ok)
}

func TestHandleEventIgnoresNonNotifiedEventKinds(t *testing.T) {
	d, _, sess := newDispatcherFixture(t, "https://example.invalid/hook")
	d.HandleEvent(context.Background(), events.Event{Kind: events.KindPaymentPending, SessionID: sess.ID, MerchantID: sess.MerchantID})

	_, ok := d.dequeue(interruptibleCtx(t))
	require.False(t, ok)
}

func TestDeliverSchedulesBackoffOnFailureAndGivesUpAtMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, st, sess := newDispatcherFixture(t, srv.URL)
	d.HandleEvent(context.Background(), events.Event{Kind: events.KindFailed, SessionID: sess.ID, MerchantID: sess.MerchantID})

	task, ok := d.dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, 1, task.Attempt)

	d.deliver(context.Background(), task)

	attempt, err := st.GetWebhookAttempt(context.Background(), task.LogID, sess.MerchantID)
	require.NoError(t, err)
	require.False(t, attempt.Delivered())
	require.NotNil(t, attempt.NextRetryAt)

	requeued, ok := d.dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, 2, requeued.Attempt)

	requeued.Attempt = MaxAttempts
	d.deliver(context.Background(), requeued)
	attempt, err = st.GetWebhookAttempt(context.Background(), task.LogID, sess.MerchantID)
	require.NoError(t, err)
	require.Nil(t, attempt.NextRetryAt)
	_, ok = d.dequeue(interruptibleCtx(t))
	require.False(t, ok)
}

func TestRetryNowRejectsAlreadyDeliveredAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st, sess := newDispatcherFixture(t, srv.URL)
	d.HandleEvent(context.Background(), events.Event{Kind: events.KindConfirmed, SessionID: sess.ID, MerchantID: sess.MerchantID})
	task, ok := d.dequeue(context.Background())
	require.True(t, ok)
	d.deliver(context.Background(), task)

	err := d.RetryNow(context.Background(), task.LogID, sess.MerchantID)
	require.ErrorIs(t, err, ErrAlreadyDelivered)
	_ = st
}

func TestBackoffDurationDoublesPerAttempt(t *testing.T) {
	require.Equal(t, time.Second, backoffDuration(1))
	require.Equal(t, 2*time.Second, backoffDuration(2))
	require.Equal(t, 4*time.Second, backoffDuration(3))
}

// interruptibleCtx returns a context cancelled almost immediately, so a
// dequeue on an empty queue returns promptly instead of blocking the test.
func interruptibleCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}
