package signal

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrTransportClosed is returned by calls on a closed transport and by
// calls still waiting when it closes.
var ErrTransportClosed = errors.New("signal transport closed")

// Transport is the connection to signal-cli.
type Transport interface {
	// Call makes a JSON-RPC call and returns its result.
	Call(ctx context.Context, method string, params any) (*json.RawMessage, error)

	// Subscribe returns the notification stream.
	Subscribe(ctx context.Context) (<-chan *Notification, error)

	// Close closes the transport.
	Close() error
}

// Notification is a JSON-RPC notification.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}
