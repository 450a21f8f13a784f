package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"kasgate/internal/events"
	"kasgate/internal/store"
)

type fakeSessionLookup struct {
	sessions map[string]store.Session
}

func (f *fakeSessionLookup) Get(ctx context.Context, id string) (store.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func newTestHub(sessions map[string]store.Session) (*Hub, *httptest.Server) {
	hub := New(&fakeSessionLookup{sessions: sessions}, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	return hub, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + srv.URL[len("http"):]
}

func TestSubscribeWithValidTokenReceivesSessionSnapshot(t *testing.T) {
	sess := store.Session{ID: "s1", Status: store.StatusPending, Address: "kaspa:addr1", AmountSompi: "100", SubscriptionToken: "tok-correct"}
	_, srv := newTestHub(map[string]store.Session{"s1": sess})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "subscribe", "sessionId": "s1", "token": "tok-correct"}))

	var got map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.Equal(t, "session", got["type"])
	require.Equal(t, "s1", got["sessionId"])
}

func TestSubscribeWithWrongTokenReceivesError(t *testing.T) {
	sess := store.Session{ID: "s1", Status: store.StatusPending, SubscriptionToken: "tok-correct"}
	_, srv := newTestHub(map[string]store.Session{"s1": sess})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "subscribe", "sessionId": "s1", "token": "wrong"}))

	var got map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.Equal(t, "error", got["type"])
}

func TestHandleEventBroadcastsStatusToSubscribedClients(t *testing.T) {
	sess := store.Session{ID: "s1", Status: store.StatusPending, SubscriptionToken: "tok-correct"}
	hub, srv := newTestHub(map[string]store.Session{"s1": sess})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "subscribe", "sessionId": "s1", "token": "tok-correct"}))
	var snapshot map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))

	// Give the hub a moment to register the subscription before broadcasting.
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.bySession["s1"]) == 1
	}, time.Second, 10*time.Millisecond)

	hub.HandleEvent(context.Background(), events.Event{Kind: events.KindConfirmed, SessionID: "s1", Confirmations: 10})

	var statusMsg map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &statusMsg))
	require.Equal(t, "status", statusMsg["type"])
	require.Equal(t, string(store.StatusConfirmed), statusMsg["status"])
}

func TestResubscribeAfterDisconnectReplaysLastStatus(t *testing.T) {
	sess := store.Session{ID: "s1", Status: store.StatusPending, SubscriptionToken: "tok-correct"}
	hub, srv := newTestHub(map[string]store.Session{"s1": sess})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn1, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn1, map[string]string{"type": "subscribe", "sessionId": "s1", "token": "tok-correct"}))
	var snapshot1 map[string]any
	require.NoError(t, wsjson.Read(ctx, conn1, &snapshot1))

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.bySession["s1"]) == 1
	}, time.Second, 10*time.Millisecond)

	// A status transition fires while this client is still connected, then the
	// client disconnects — simulating a dropped widget tab.
	hub.HandleEvent(context.Background(), events.Event{Kind: events.KindConfirming, SessionID: "s1", Confirmations: 1})
	var statusMsg map[string]any
	require.NoError(t, wsjson.Read(ctx, conn1, &statusMsg))
	require.Equal(t, "status", statusMsg["type"])
	require.NoError(t, conn1.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.bySession["s1"]) == 0
	}, time.Second, 10*time.Millisecond)

	// A fresh connection resubscribes; it should get both the snapshot and a
	// replay of the last status this session reached while it was away.
	conn2, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, wsjson.Write(ctx, conn2, map[string]string{"type": "subscribe", "sessionId": "s1", "token": "tok-correct"}))

	var snapshot2 map[string]any
	require.NoError(t, wsjson.Read(ctx, conn2, &snapshot2))
	require.Equal(t, "session", snapshot2["type"])

	var replayed map[string]any
	require.NoError(t, wsjson.Read(ctx, conn2, &replayed))
	require.Equal(t, "status", replayed["type"])
	require.Equal(t, string(store.StatusConfirming), replayed["status"])
}

func TestFirstSubscribeDoesNotReplayWhenNoStatusYetFired(t *testing.T) {
	sess := store.Session{ID: "s1", Status: store.StatusPending, SubscriptionToken: "tok-correct"}
	_, srv := newTestHub(map[string]store.Session{"s1": sess})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "subscribe", "sessionId": "s1", "token": "tok-correct"}))
	var snapshot map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))
	require.Equal(t, "session", snapshot["type"])

	// No second message should arrive; send a ping and expect only the pong.
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))
	var got map[string]string
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.Equal(t, "pong", got["type"])
}

func TestUnsubscribeStopsFurtherBroadcasts(t *testing.T) {
	sess := store.Session{ID: "s1", Status: store.StatusPending, SubscriptionToken: "tok-correct"}
	hub, srv := newTestHub(map[string]store.Session{"s1": sess})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "subscribe", "sessionId": "s1", "token": "tok-correct"}))
	var snapshot map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "unsubscribe", "sessionId": "s1"}))

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.bySession["s1"]) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPingMessageReceivesPong(t *testing.T) {
	_, srv := newTestHub(map[string]store.Session{})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))

	var got map[string]string
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.Equal(t, "pong", got["type"])
}
