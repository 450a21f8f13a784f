package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DetectionCallback is invoked exactly once per monitored address when the
// first-observed set of block-included outputs paying that address reaches
// at least the expected amount.
type DetectionCallback func(address string, txID string, total uint64, utxos []UTXO)

type monitoredAddress struct {
	mu             sync.Mutex
	address        string
	expectedAmount uint64
	callback       DetectionCallback
	detected       bool
	prevUTXOs      map[string]struct{} // not populated; poll detection sums the current UTXO set instead of diffing snapshots
}

// Watcher is the Ledger Watcher: it composes a push backend and a poll
// backend behind a single Monitor/Unmonitor interface, per spec §4.5.
type Watcher struct {
	push         PushClient
	indexer      IndexerClient
	pollInterval time.Duration
	logger       *slog.Logger

	fallbackEndpoints []string
	dialFactory       func(url string) PushClient

	mu           sync.Mutex
	monitored    map[string]*monitoredAddress
	pushConnected bool
}

// NewWatcher constructs a Watcher. dialFactory builds a fresh PushClient for
// a given endpoint URL, used by the reconnect loop to try the fallback list.
func NewWatcher(push PushClient, indexer IndexerClient, dialFactory func(url string) PushClient, fallbackEndpoints []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		push:              push,
		indexer:           indexer,
		pollInterval:      2 * time.Second,
		logger:            logger,
		fallbackEndpoints: fallbackEndpoints,
		dialFactory:       dialFactory,
		monitored:         make(map[string]*monitoredAddress),
	}
}

// Monitor begins watching address for a payment totalling at least
// expectedAmount, invoking callback at most once. Safe to call concurrently.
func (w *Watcher) Monitor(ctx context.Context, address string, expectedAmount uint64, callback DetectionCallback) error {
	w.mu.Lock()
	w.monitored[address] = &monitoredAddress{
		address:        address,
		expectedAmount: expectedAmount,
		callback:       callback,
		prevUTXOs:      make(map[string]struct{}),
	}
	w.mu.Unlock()

	if w.push != nil {
		if err := w.push.Subscribe(ctx, []string{address}); err != nil {
			w.logger.Warn("ledger: push subscribe failed, relying on poll", "address", address, "err", err)
		}
	}
	return nil
}

// Unmonitor stops watching address.
func (w *Watcher) Unmonitor(ctx context.Context, address string) {
	w.mu.Lock()
	delete(w.monitored, address)
	w.mu.Unlock()
	if w.push != nil {
		_ = w.push.Unsubscribe(ctx, []string{address})
	}
}

// Run starts the push connection (with fallback/backoff reconnect) and the
// poll loop. It blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if w.push != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runPushLifecycle(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runPollLoop(ctx)
	}()
	wg.Wait()
}

// runPushLifecycle owns the initial connect (with the per-network fallback
// endpoint list) and the reconnect-with-backoff loop on disconnect.
func (w *Watcher) runPushLifecycle(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		client := w.push
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := client.Connect(connectCtx)
		cancel()
		if err != nil {
			for _, endpoint := range w.fallbackEndpoints {
				if w.dialFactory == nil {
					break
				}
				client = w.dialFactory(endpoint)
				fallbackCtx, fallbackCancel := context.WithTimeout(ctx, 10*time.Second)
				err = client.Connect(fallbackCtx)
				fallbackCancel()
				if err == nil {
					break
				}
			}
		}
		if err != nil {
			w.logger.Warn("ledger: push backend connect failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		w.mu.Lock()
		w.push = client
		w.pushConnected = true
		addresses := make([]string, 0, len(w.monitored))
		for addr := range w.monitored {
			addresses = append(addresses, addr)
		}
		w.mu.Unlock()
		if len(addresses) > 0 {
			_ = client.Subscribe(ctx, addresses)
		}

		// Consume notifications on this connection until it drops (the
		// channel is closed by the client's own read loop on disconnect) or
		// the watcher is shutting down.
		notifications := client.Notifications()
	consume:
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notifications:
				if !ok {
					break consume
				}
				w.handleObservedUTXOs(n.Address, n.UTXOs)
			}
		}

		w.mu.Lock()
		w.pushConnected = false
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *Watcher) runPollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	var inFlight sync.Mutex
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !inFlight.TryLock() {
				continue // re-entrant guard: skip this tick if the last one is still running
			}
			w.pollTick(ctx)
			inFlight.Unlock()
		}
	}
}

func (w *Watcher) pollTick(ctx context.Context) {
	w.mu.Lock()
	addresses := make([]string, 0, len(w.monitored))
	for addr := range w.monitored {
		addresses = append(addresses, addr)
	}
	w.mu.Unlock()

	for _, addr := range addresses {
		utxos, err := w.indexer.UTXOsForAddress(ctx, addr)
		if err != nil {
			w.logger.Warn("ledger: poll indexer failed", "address", addr, "err", err)
			continue
		}
		w.handleObservedUTXOs(addr, utxos)
	}
}

// handleObservedUTXOs applies the mempool filter and amount policy and
// fires the detection callback at most once per address.
func (w *Watcher) handleObservedUTXOs(address string, utxos []UTXO) {
	w.mu.Lock()
	ma, ok := w.monitored[address]
	w.mu.Unlock()
	if !ok {
		return
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.detected {
		return
	}

	var total uint64
	var lastTxID string
	included := make([]UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.BlockDaaScore == 0 {
			// Mempool-only; excluded from the total per the mempool filter.
			continue
		}
		total += u.Amount
		lastTxID = u.TxID
		included = append(included, u)
	}

	if total < ma.expectedAmount {
		return
	}

	ma.detected = true
	callback := ma.callback
	go callback(address, lastTxID, total, included)
}

// Close tears down the current push connection, if any. Called during
// graceful shutdown after Run's context has been cancelled.
func (w *Watcher) Close() error {
	w.mu.Lock()
	push := w.push
	w.mu.Unlock()
	if push == nil {
		return nil
	}
	return push.Close()
}

// CurrentBlueScore returns the current blue score from the push backend when
// connected, else the indexer.
func (w *Watcher) CurrentBlueScore(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	connected := w.pushConnected
	push := w.push
	w.mu.Unlock()
	if connected && push != nil {
		score, err := push.CurrentBlueScore(ctx)
		if err == nil {
			return score, nil
		}
		w.logger.Warn("ledger: push blue score query failed, falling back to indexer", "err", err)
	}
	return w.indexer.CurrentBlueScore(ctx)
}
