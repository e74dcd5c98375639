package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon answers requests on the server end of a pipe.
type fakeDaemon struct {
	conn     net.Conn
	requests chan rpcRequest
}

func newPipeTransport(t *testing.T) (*UnixSocketTransport, *fakeDaemon) {
	t.Helper()
	client, server := net.Pipe()
	d := &fakeDaemon{conn: server, requests: make(chan rpcRequest, 10)}
	go func() {
		scanner := bufio.NewScanner(server)
		for scanner.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err == nil {
				d.requests <- req
			}
		}
		close(d.requests)
	}()
	tr := newUnixSocketTransport(client, nil)
	t.Cleanup(func() {
		_ = tr.Close()
		_ = server.Close()
	})
	return tr, d
}

func (d *fakeDaemon) write(t *testing.T, line string) {
	t.Helper()
	_, err := fmt.Fprintln(d.conn, line)
	require.NoError(t, err)
}

func TestUnixTransportCall(t *testing.T) {
	tr, d := newPipeTransport(t)

	type callResult struct {
		raw *json.RawMessage
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		raw, err := tr.Call(context.Background(), "send", map[string]any{"message": "hi"})
		done <- callResult{raw, err}
	}()

	req := <-d.requests
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "send", req.Method)
	d.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"timestamp":12}}`, req.ID))

	res := <-done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"timestamp":12}`, string(*res.raw))
}

func TestUnixTransportRPCError(t *testing.T) {
	tr, d := newPipeTransport(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "send", nil)
		errCh <- err
	}()
	req := <-d.requests
	d.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-32601,"message":"Method not found"}}`, req.ID))

	var rpcErr *RPCError
	require.ErrorAs(t, <-errCh, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestUnixTransportNotifications(t *testing.T) {
	tr, d := newPipeTransport(t)
	notifications, err := tr.Subscribe(context.Background())
	require.NoError(t, err)

	d.write(t, `garbage`)
	d.write(t, `{"jsonrpc":"2.0","method":"receive","params":{"envelope":{"source":"+1"}}}`)

	select {
	case n := <-notifications:
		assert.Equal(t, "receive", n.Method)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestUnixTransportCloseFailsPendingCalls(t *testing.T) {
	tr, d := newPipeTransport(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "listGroups", nil)
		errCh <- err
	}()
	<-d.requests

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, <-errCh, ErrTransportClosed)

	_, err := tr.Call(context.Background(), "send", nil)
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.NoError(t, tr.Close(), "second close is a no-op")
}

func TestUnixTransportCallContext(t *testing.T) {
	tr, d := newPipeTransport(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Call(ctx, "send", nil)
		errCh <- err
	}()
	<-d.requests
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestDialUnixSocketMissing(t *testing.T) {
	_, err := DialUnixSocket(context.Background(), t.TempDir()+"/missing.sock", nil)
	assert.Error(t, err)
}
