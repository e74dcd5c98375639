package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// maxLineBytes bounds one JSON-RPC line from signal-cli.
const maxLineBytes = 10 << 20

// UnixSocketTransport implements Transport over signal-cli's
// newline-delimited JSON-RPC socket.
type UnixSocketTransport struct {
	conn   net.Conn
	logger *zap.Logger

	pending   map[string]chan *rpcResponse
	pendingMu sync.Mutex
	writeMu   sync.Mutex
	requestID atomic.Uint64

	notifications chan *Notification
	done          chan struct{}
	stopCh        chan struct{}
	closeOnce     sync.Once
}

// DialUnixSocket connects to the signal-cli socket at socketPath.
func DialUnixSocket(ctx context.Context, socketPath string, logger *zap.Logger) (*UnixSocketTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signal-cli socket: %w", err)
	}
	return newUnixSocketTransport(conn, logger), nil
}

func newUnixSocketTransport(conn net.Conn, logger *zap.Logger) *UnixSocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &UnixSocketTransport{
		conn:          conn,
		logger:        logger,
		pending:       make(map[string]chan *rpcResponse),
		notifications: make(chan *Notification, 100),
		done:          make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Call implements Transport.
func (t *UnixSocketTransport) Call(ctx context.Context, method string, params any) (*json.RawMessage, error) {
	id := "req-" + strconv.FormatUint(t.requestID.Add(1), 10)
	data, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respCh := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	select {
	case <-t.done:
		t.pendingMu.Unlock()
		return nil, ErrTransportClosed
	default:
	}
	t.pending[id] = respCh
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	t.writeMu.Lock()
	_, err = t.conn.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s response: %w", method, ctx.Err())
	case <-t.done:
		return nil, ErrTransportClosed
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &RPCError{
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Data:    resp.Error.Data,
			}
		}
		return resp.Result, nil
	}
}

func (t *UnixSocketTransport) readLoop() {
	defer close(t.notifications)
	defer close(t.done)

	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != "" {
			t.pendingMu.Lock()
			if ch, ok := t.pending[resp.ID]; ok {
				// Buffered with capacity 1 and only ever sent once.
				ch <- &resp
			}
			t.pendingMu.Unlock()
			continue
		}

		var notif Notification
		if err := json.Unmarshal(line, &notif); err != nil || notif.Method == "" {
			t.logger.Debug("Ignoring unrecognised line", zap.Int("bytes", len(line)))
			continue
		}
		select {
		case t.notifications <- &notif:
		case <-t.stopCh:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-t.stopCh:
		default:
			t.logger.Warn("signal-cli socket read failed", zap.Error(err))
		}
	}
}

// Subscribe implements Transport. The channel closes when the connection
// ends.
func (t *UnixSocketTransport) Subscribe(_ context.Context) (<-chan *Notification, error) {
	return t.notifications, nil
}

// Close implements Transport.
func (t *UnixSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopCh)
		err = t.conn.Close()
		<-t.done
	})
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

type rpcRequest struct {
	Params  any    `json:"params,omitempty"`
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
}

type rpcResponse struct {
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
	JSONRPC string           `json:"jsonrpc"`
	ID      string           `json:"id"`
}

type rpcError struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    int             `json:"code"`
}

// RPCError is an error object returned by signal-cli.
type RPCError struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    int             `json:"code"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return "RPC error " + strconv.Itoa(e.Code) + ": " + e.Message
}
