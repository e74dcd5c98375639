package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertEnvelope(t *testing.T) {
	m := NewMessenger(NewClient(newMockTransport()), "+15550000", nil).(*messenger)

	tests := []struct {
		env    *Envelope
		check  func(t *testing.T, msg IncomingMessage)
		name   string
		wantOK bool
	}{
		{
			name:   "direct text",
			env:    &Envelope{SourceNumber: "+1", SourceName: "Ann", Timestamp: 1000, DataMessage: &DataMessage{Timestamp: 1000, Message: "hi"}},
			wantOK: true,
			check: func(t *testing.T, msg IncomingMessage) {
				assert.Equal(t, "+1", msg.ConversationID())
				assert.Equal(t, "Ann", msg.FromName)
				assert.Equal(t, int64(1000), msg.SentAt)
				assert.Equal(t, time.UnixMilli(1000), msg.Timestamp)
			},
		},
		{
			name: "group with quote",
			env: &Envelope{Source: "+1", Timestamp: 2000, DataMessage: &DataMessage{
				Message:   "and this?",
				GroupInfo: &GroupInfo{GroupID: "abc=="},
				Quote:     &Quote{ID: 1700000000001, Text: "earlier"},
			}},
			wantOK: true,
			check: func(t *testing.T, msg IncomingMessage) {
				assert.Equal(t, "group:abc==", msg.ConversationID())
				assert.Equal(t, "1700000000001", msg.QuoteID)
				assert.Equal(t, int64(2000), msg.SentAt, "falls back to the envelope timestamp")
			},
		},
		{
			name:   "attachment only",
			env:    &Envelope{SourceNumber: "+1", DataMessage: &DataMessage{Attachments: []Attachment{{ID: "a1", ContentType: "image/png"}}}},
			wantOK: true,
			check: func(t *testing.T, msg IncomingMessage) {
				require.Len(t, msg.Attachments, 1)
			},
		},
		{name: "from self", env: &Envelope{SourceNumber: "+15550000", DataMessage: &DataMessage{Message: "x"}}},
		{name: "empty data message", env: &Envelope{SourceNumber: "+1", DataMessage: &DataMessage{}}},
		{name: "receipt or typing", env: &Envelope{SourceNumber: "+1", Timestamp: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := m.convertEnvelope(tt.env)
			require.Equal(t, tt.wantOK, ok)
			if tt.check != nil {
				tt.check(t, msg)
			}
		})
	}
}

func TestMessengerSend(t *testing.T) {
	tr := newMockTransport()
	tr.setResult("send", `{"timestamp":99}`)
	m := NewMessenger(NewClient(tr), "", nil)

	ts, err := m.Send(context.Background(), RecipientFor("group:g1"), "hello group")
	require.NoError(t, err)
	assert.Equal(t, int64(99), ts)
	assert.Equal(t, "g1", tr.callsFor("send")[0]["groupId"])

	_, err = m.Send(context.Background(), Recipient{}, "x")
	assert.Error(t, err)
	_, err = m.Send(context.Background(), RecipientFor("+1"), "")
	assert.Error(t, err)
}

func TestMessengerSubscribe(t *testing.T) {
	tr := newMockTransport()
	m := NewMessenger(NewClient(tr), "+15550000", nil)
	ctx, cancel := context.WithCancel(context.Background())

	messages, err := m.Subscribe(ctx)
	require.NoError(t, err)

	tr.notify("receive", `{"envelope":{"sourceNumber":"+15550000","dataMessage":{"message":"echo"}}}`)
	tr.notify("receive", `{"envelope":{"sourceNumber":"+1","dataMessage":{"timestamp":7,"message":"real"}}}`)

	select {
	case msg := <-messages:
		assert.Equal(t, "real", msg.Text)
	case <-time.After(time.Second):
		t.Fatal("no message")
	}

	cancel()
	for range messages {
	}
	require.NoError(t, tr.Close())
}

func TestRecipientFor(t *testing.T) {
	assert.Equal(t, Recipient{Number: "+1"}, RecipientFor("+1"))
	assert.Equal(t, Recipient{GroupID: "x"}, RecipientFor("group:x"))
	assert.Equal(t, "group:x", RecipientFor("group:x").String())
	assert.True(t, RecipientFor("").IsZero())
}
