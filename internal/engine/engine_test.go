package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasgate/internal/config"
	"kasgate/internal/session"
	"kasgate/internal/store"
)

const testXPub = "xpub6CUGRUonZSQ4TWtTMmzXdrXDtypWKiKrhko4egpiMZbpiaQL2jkwSB1icqYh2cfDfVxdx4df189oLKnC5fSwqPfgyP3hooxujYzAu3fDVmz"

func newTestConfig() config.Config {
	return config.Config{
		Network: config.NetworkMainnet,
		Profile: config.NetworkProfile{
			AddressPrefix:         "kaspa",
			IndexerURL:            "https://api.kaspa.org",
			ConfirmationThreshold: 10,
			ExplorerBaseURL:       "https://explorer.kaspa.org/addresses",
		},
		SessionTTL:            15 * time.Minute,
		ConfirmationThreshold: 10,
		WebhookQueueCapacity:  64,
		WebhookQueueTTL:       time.Hour,
		IndexerURL:            "https://api.kaspa.org",
	}
}

func newTestEngine(t *testing.T) (*Engine, store.Merchant) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "kasgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := New(newTestConfig(), st, nil)

	now := time.Now().UTC()
	m := store.Merchant{
		ID: "m1", Name: "Acme", XPub: testXPub,
		APIKeyDigest: "digest", WebhookSecret: "whsec",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.InsertMerchant(context.Background(), m))
	return e, m
}

func TestNewConstructsEveryComponent(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NotNil(t, e.Store)
	require.NotNil(t, e.Merchants)
	require.NotNil(t, e.Watcher)
	require.NotNil(t, e.Sessions)
	require.NotNil(t, e.Tracker)
	require.NotNil(t, e.Webhooks)
	require.NotNil(t, e.Hub)
}

func TestCreateSessionDerivesAddressAndDoesNotPanicOnMonitor(t *testing.T) {
	e, m := newTestEngine(t)

	sess, err := e.CreateSession(context.Background(), m, session.CreateParams{AmountSompi: "100000000"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.Address)
	require.Equal(t, store.StatusPending, sess.Status)

	require.NotPanics(t, func() { e.Watcher.Unmonitor(context.Background(), sess.Address) })
}

func TestOnDetectedIgnoresUnknownAddress(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NotPanics(t, func() { e.onDetected("kaspa:unknown", "tx1", 100, nil) })
}

func TestStartRehydratesPendingSessionsWithoutError(t *testing.T) {
	e, m := newTestEngine(t)
	_, err := e.CreateSession(context.Background(), m, session.CreateParams{AmountSompi: "1"})
	require.NoError(t, err)

	e2 := New(newTestConfig(), e.Store, nil)
	require.NoError(t, e2.Start(context.Background()))
}

func TestShutdownDoesNotPanicWithNoConnectedClients(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NotPanics(t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
}
