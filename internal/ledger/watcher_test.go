package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeIndexer struct {
	mu       sync.Mutex
	utxos    map[string][]UTXO
	blueScore uint64
	err      error
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{utxos: map[string][]UTXO{}}
}

func (f *fakeIndexer) UTXOsForAddress(ctx context.Context, address string) ([]UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.utxos[address], nil
}

func (f *fakeIndexer) CurrentBlueScore(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blueScore, f.err
}

func (f *fakeIndexer) setUTXOs(address string, utxos []UTXO) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxos[address] = utxos
}

func newPollOnlyWatcher(indexer IndexerClient) *Watcher {
	w := NewWatcher(nil, indexer, nil, nil, nil)
	w.pollInterval = 5 * time.Millisecond
	return w
}

func TestPollTickDetectsBlockIncludedPaymentMeetingThreshold(t *testing.T) {
	indexer := newFakeIndexer()
	w := newPollOnlyWatcher(indexer)

	detected := make(chan struct{}, 1)
	require.NoError(t, w.Monitor(context.Background(), "kaspa:addr1", 100, func(address, txID string, total uint64, utxos []UTXO) {
		detected <- struct{}{}
	}))

	indexer.setUTXOs("kaspa:addr1", []UTXO{{Address: "kaspa:addr1", Amount: 100, BlockDaaScore: 500, TxID: "tx1"}})
	w.pollTick(context.Background())

	select {
	case <-detected:
	case <-time.After(time.Second):
		t.Fatal("expected detection callback to fire")
	}
}

func TestPollTickExcludesMempoolOnlyUTXOsFromTotal(t *testing.T) {
	indexer := newFakeIndexer()
	w := newPollOnlyWatcher(indexer)

	called := false
	require.NoError(t, w.Monitor(context.Background(), "kaspa:addr1", 100, func(address, txID string, total uint64, utxos []UTXO) {
		called = true
	}))

	indexer.setUTXOs("kaspa:addr1", []UTXO{{Address: "kaspa:addr1", Amount: 100, BlockDaaScore: 0, TxID: "tx1"}})
	w.pollTick(context.Background())
	time.Sleep(20 * time.Millisecond)

	require.False(t, called)
}

func TestPollTickFiresCallbackAtMostOnce(t *testing.T) {
	indexer := newFakeIndexer()
	w := newPollOnlyWatcher(indexer)

	var calls int
	var mu sync.Mutex
	require.NoError(t, w.Monitor(context.Background(), "kaspa:addr1", 100, func(address, txID string, total uint64, utxos []UTXO) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	indexer.setUTXOs("kaspa:addr1", []UTXO{{Address: "kaspa:addr1", Amount: 100, BlockDaaScore: 500, TxID: "tx1"}})
	w.pollTick(context.Background())
	w.pollTick(context.Background())
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestUnmonitorStopsFurtherDetection(t *testing.T) {
	indexer := newFakeIndexer()
	w := newPollOnlyWatcher(indexer)

	called := false
	require.NoError(t, w.Monitor(context.Background(), "kaspa:addr1", 100, func(address, txID string, total uint64, utxos []UTXO) {
		called = true
	}))
	w.Unmonitor(context.Background(), "kaspa:addr1")

	indexer.setUTXOs("kaspa:addr1", []UTXO{{Address: "kaspa:addr1", Amount: 100, BlockDaaScore: 500, TxID: "tx1"}})
	w.pollTick(context.Background())
	time.Sleep(20 * time.Millisecond)

	require.False(t, called)
}

func TestCurrentBlueScoreFallsBackToIndexerWhenPushNotConnected(t *testing.T) {
	indexer := newFakeIndexer()
	indexer.blueScore = 12345
	w := newPollOnlyWatcher(indexer)

	score, err := w.CurrentBlueScore(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(12345), score)
}

func TestCurrentBlueScorePropagatesIndexerError(t *testing.T) {
	indexer := newFakeIndexer()
	indexer.err = errors.New("indexer unreachable")
	w := newPollOnlyWatcher(indexer)

	_, err := w.CurrentBlueScore(context.Background())
	require.Error(t, err)
}
