package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// rpcRequest is the JSON-RPC 2.0 envelope sent over the push connection,
// matching the shape the gateway's other node clients use over plain HTTP.
type rpcRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// WRPCClient is a PushClient over a Kaspa node's wrpc-style JSON-RPC-over-
// websocket endpoint.
type WRPCClient struct {
	url     string
	dialTO  time.Duration
	notify  chan UTXOChangeNotification

	mu       sync.Mutex
	conn     *websocket.Conn
	nextID   atomic.Int64
	pending  map[int64]chan rpcResponse
	closed   bool
}

// NewWRPCClient constructs a push client targeting url with the given
// connect timeout.
func NewWRPCClient(url string, dialTimeout time.Duration) *WRPCClient {
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	return &WRPCClient{
		url:     url,
		dialTO:  dialTimeout,
		notify:  make(chan UTXOChangeNotification, 256),
		pending: make(map[int64]chan rpcResponse),
	}
}

// Connect implements PushClient.
func (c *WRPCClient) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTO)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("ledger: dial push backend: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	c.mu.Lock()
	c.conn = conn
	if c.closed {
		// teardown closed the previous connection's notification channel.
		c.notify = make(chan UTXOChangeNotification, 256)
	}
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(context.Background())
	return nil
}

func (c *WRPCClient) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.teardown()
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Method == "notifyUtxosChanged" {
			var n UTXOChangeNotification
			if err := json.Unmarshal(resp.Result, &n); err == nil {
				select {
				case c.notify <- n:
				default:
				}
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *WRPCClient) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[int64]chan rpcResponse)
}

func (c *WRPCClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("ledger: push backend not connected")
	}
	id := c.nextID.Add(1)
	respCh := make(chan rpcResponse, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	req := rpcRequest{ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal rpc request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return nil, fmt.Errorf("ledger: write rpc request: %w", err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("ledger: push backend closed")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe implements PushClient.
func (c *WRPCClient) Subscribe(ctx context.Context, addresses []string) error {
	_, err := c.call(ctx, "subscribeUtxosChanged", map[string]any{"addresses": addresses})
	return err
}

// Unsubscribe implements PushClient.
func (c *WRPCClient) Unsubscribe(ctx context.Context, addresses []string) error {
	_, err := c.call(ctx, "unsubscribeUtxosChanged", map[string]any{"addresses": addresses})
	return err
}

// Notifications implements PushClient.
func (c *WRPCClient) Notifications() <-chan UTXOChangeNotification {
	return c.notify
}

// CurrentBlueScore implements PushClient.
func (c *WRPCClient) CurrentBlueScore(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "getVirtualChainBlueScore", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		BlueScore uint64 `json:"blueScore"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return 0, fmt.Errorf("ledger: decode blue score: %w", err)
	}
	return out.BlueScore, nil
}

// Close implements PushClient.
func (c *WRPCClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.teardown()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "shutdown")
}
