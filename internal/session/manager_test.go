package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasgate/internal/address"
	"kasgate/internal/events"
	"kasgate/internal/store"
)

const testXPub = "xpub6CUGRUonZSQ4TWtTMmzXdrXDtypWKiKrhko4egpiMZbpiaQL2jkwSB1icqYh2cfDfVxdx4df189oLKnC5fSwqPfgyP3hooxujYzAu3fDVmz"

type managerFixture struct {
	mgr         *Manager
	store       *store.Store
	bus         *events.Bus
	merchant    store.Merchant
	unmonitored []string
}

func newManagerFixture(t *testing.T, ttl time.Duration) *managerFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "kasgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &managerFixture{store: st, bus: events.NewBus()}
	f.mgr = New(st, address.NewRegexDeriver("kaspa"), f.bus, ttl, 10,
		func(ctx context.Context, addr string) { f.unmonitored = append(f.unmonitored, addr) })

	now := time.Now().UTC()
	f.merchant = store.Merchant{
		ID: "merchant-1", Name: "Acme", XPub: testXPub,
		APIKeyDigest: "digest", WebhookSecret: "whsec",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.InsertMerchant(context.Background(), f.merchant))
	return f
}

func TestCreateDerivesAddressAndPublishesPending(t *testing.T) {
	f := newManagerFixture(t, 15*time.Minute)
	var published []events.Kind
	f.bus.Subscribe(events.KindPaymentPending, func(ctx context.Context, evt events.Event) {
		published = append(published, evt.Kind)
	})

	sess, err := f.mgr.Create(context.Background(), f.merchant, CreateParams{AmountSompi: "100000000"})
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, sess.Status)
	require.NotEmpty(t, sess.Address)
	require.NotEmpty(t, sess.SubscriptionToken)
	require.Equal(t, []events.Kind{events.KindPaymentPending}, published)
}

func TestCreateAssignsIncrementingAddressIndexes(t *testing.T) {
	f := newManagerFixture(t, 15*time.Minute)
	s1, err := f.mgr.Create(context.Background(), f.merchant, CreateParams{AmountSompi: "1"})
	require.NoError(t, err)
	s2, err := f.mgr.Create(context.Background(), f.merchant, CreateParams{AmountSompi: "1"})
	require.NoError(t, err)
	require.NotEqual(t, s1.Address, s2.Address)
	require.Equal(t, s1.AddressIndex+1, s2.AddressIndex)
}

func TestMarkPaymentReceivedTransitionsToConfirmingAndUnmonitors(t *testing.T) {
	f := newManagerFixture(t, 15*time.Minute)
	var confirming []events.Event
	f.bus.Subscribe(events.KindConfirming, func(ctx context.Context, evt events.Event) {
		confirming = append(confirming, evt)
	})

	sess, err := f.mgr.Create(context.Background(), f.merchant, CreateParams{AmountSompi: "100000000"})
	require.NoError(t, err)

	result, err := f.mgr.MarkPaymentReceived(context.Background(), sess.ID, "tx1", 500)
	require.NoError(t, err)
	require.Equal(t, store.PaymentAccepted, result)
	require.Len(t, confirming, 1)
	require.Equal(t, uint64(500), confirming[0].InitialBlueScore)
	require.Equal(t, []string{sess.Address}, f.unmonitored)
}

func TestMarkPaymentReceivedRejectsAfterExpiry(t *testing.T) {
	f := newManagerFixture(t, -time.Second) // already-expired TTL
	sess, err := f.mgr.Create(context.Background(), f.merchant, CreateParams{AmountSompi: "1"})
	require.NoError(t, err)

	result, err := f.mgr.MarkPaymentReceived(context.Background(), sess.ID, "tx1", 1)
	require.NoError(t, err)
	require.Equal(t, store.PaymentRejected, result)
}

func TestCancelIsOwnerScoped(t *testing.T) {
	f := newManagerFixture(t, 15*time.Minute)
	sess, err := f.mgr.Create(context.Background(), f.merchant, CreateParams{AmountSompi: "1"})
	require.NoError(t, err)

	_, err = f.mgr.Cancel(context.Background(), sess.ID, "someone-else")
	require.ErrorIs(t, err, ErrUnauthorized)

	cancelled, err := f.mgr.Cancel(context.Background(), sess.ID, f.merchant.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusExpired, cancelled.Status)
}

func TestExpireSweepExpiresOverdueSessionsAndPublishes(t *testing.T) {
	f := newManagerFixture(t, -time.Minute)
	var expired []events.Event
	f.bus.Subscribe(events.KindExpired, func(ctx context.Context, evt events.Event) {
		expired = append(expired, evt)
	})
	sess, err := f.mgr.Create(context.Background(), f.merchant, CreateParams{AmountSompi: "1"})
	require.NoError(t, err)

	require.NoError(t, f.mgr.ExpireSweep(context.Background()))

	got, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusExpired, got.Status)
	require.Len(t, expired, 1)
}

func TestUpdateConfirmationsIsMonotonic(t *testing.T) {
	f := newManagerFixture(t, 15*time.Minute)
	sess, err := f.mgr.Create(context.Background(), f.merchant, CreateParams{AmountSompi: "1"})
	require.NoError(t, err)
	_, err = f.mgr.MarkPaymentReceived(context.Background(), sess.ID, "tx1", 1)
	require.NoError(t, err)

	require.NoError(t, f.mgr.UpdateConfirmations(context.Background(), sess.ID, 3))
	require.NoError(t, f.mgr.UpdateConfirmations(context.Background(), sess.ID, 1)) // lower, ignored

	got, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.Confirmations)
}
