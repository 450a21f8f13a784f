// Package ledger watches a set of Kaspa addresses for incoming transactions
// via two interchangeable backends — a push subscription over a persistent
// connection to a node, and a polling REST client against a public indexer —
// and presents a single callback interface to consumers.
package ledger

import "context"

// UTXO is one unspent output observed for a watched address.
type UTXO struct {
	Address       string
	Amount        uint64 // smallest unit (sompi)
	BlockDaaScore uint64 // 0 means mempool-only, not yet block-included
	TxID          string
}

// UTXOChangeNotification is one push-backend message naming the address
// whose UTXO set changed and its current outputs.
type UTXOChangeNotification struct {
	Address string
	UTXOs   []UTXO
}

// PushClient is a persistent bidirectional connection to a Kaspa node.
// Implementations must be safe for concurrent Subscribe/Unsubscribe calls
// from the Watcher's single goroutine plus a concurrent read loop.
type PushClient interface {
	// Connect establishes the connection, blocking until ready or ctx is done.
	Connect(ctx context.Context) error
	// Subscribe registers interest in UTXO changes for the given addresses.
	Subscribe(ctx context.Context, addresses []string) error
	// Unsubscribe removes interest in the given addresses.
	Unsubscribe(ctx context.Context, addresses []string) error
	// Notifications returns the channel of incoming UTXO-change notifications.
	// Closed when the connection drops.
	Notifications() <-chan UTXOChangeNotification
	// CurrentBlueScore returns the node's current virtual chain blue score.
	CurrentBlueScore(ctx context.Context) (uint64, error)
	// Close tears down the connection.
	Close() error
}

// IndexerClient is an HTTP polling client against a public Kaspa indexer.
type IndexerClient interface {
	// UTXOsForAddress returns the current UTXO set for address.
	UTXOsForAddress(ctx context.Context, address string) ([]UTXO, error)
	// CurrentBlueScore returns the indexer's current virtual chain blue score.
	CurrentBlueScore(ctx context.Context) (uint64, error)
}
