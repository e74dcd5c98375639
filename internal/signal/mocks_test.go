package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// mockTransport records calls and replays configured responses.
type mockTransport struct {
	responses     map[string]mockResponse
	calls         map[string][]any
	notifications chan *Notification
	mu            sync.Mutex
	closed        bool
}

type mockResponse struct {
	result *json.RawMessage
	err    error
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses:     make(map[string]mockResponse),
		calls:         make(map[string][]any),
		notifications: make(chan *Notification, 100),
	}
}

func (m *mockTransport) setResult(method, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := json.RawMessage(raw)
	m.responses[method] = mockResponse{result: &msg}
}

func (m *mockTransport) setError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method] = mockResponse{err: err}
}

func (m *mockTransport) callsFor(method string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.calls[method]))
	for _, c := range m.calls[method] {
		params, _ := c.(map[string]any)
		out = append(out, params)
	}
	return out
}

func (m *mockTransport) Call(ctx context.Context, method string, params any) (*json.RawMessage, error) {
	m.mu.Lock()
	m.calls[method] = append(m.calls[method], params)
	resp, ok := m.responses[method]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no mock response configured for method: %s", method)
	}
	return resp.result, resp.err
}

func (m *mockTransport) Subscribe(context.Context) (<-chan *Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrTransportClosed
	}
	return m.notifications, nil
}

func (m *mockTransport) notify(method string, params string) {
	m.notifications <- &Notification{JSONRPC: "2.0", Method: method, Params: json.RawMessage(params)}
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notifications)
	}
	return nil
}

type sentMessage struct {
	to   Recipient
	text string
}

type typingCall struct {
	to   Recipient
	stop bool
}

// fakeMessenger records what the code under test sends.
type fakeMessenger struct {
	incoming chan IncomingMessage
	sendErr  error
	sent     []sentMessage
	typing   []typingCall
	mu       sync.Mutex
	nextTS   int64
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{incoming: make(chan IncomingMessage, 10), nextTS: 1700000000000}
}

func (f *fakeMessenger) Send(_ context.Context, to Recipient, message string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{to: to, text: message})
	f.nextTS++
	return f.nextTS, nil
}

func (f *fakeMessenger) SendTypingIndicator(_ context.Context, to Recipient, stop bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typingCall{to: to, stop: stop})
	return nil
}

func (f *fakeMessenger) Subscribe(context.Context) (<-chan IncomingMessage, error) {
	return f.incoming, nil
}

func (f *fakeMessenger) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeMessenger) typingCalls() []typingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingCall(nil), f.typing...)
}
