package signal

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

type messenger struct {
	client       Client
	logger       *zap.Logger
	subscription *subscription
	selfPhone    string
	mu           sync.Mutex
}

type subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	outCh  chan IncomingMessage
	done   chan struct{}
}

// NewMessenger creates a Messenger on top of client. Messages from
// selfPhone are ignored.
func NewMessenger(client Client, selfPhone string, logger *zap.Logger) Messenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &messenger{
		client:    client,
		selfPhone: selfPhone,
		logger:    logger,
	}
}

// Send implements Messenger.
func (m *messenger) Send(ctx context.Context, to Recipient, message string) (int64, error) {
	if to.IsZero() {
		return 0, fmt.Errorf("recipient cannot be empty")
	}
	if message == "" {
		return 0, fmt.Errorf("message cannot be empty")
	}

	req := &SendRequest{Message: message, GroupID: to.GroupID}
	if to.GroupID == "" {
		req.Recipients = []string{to.Number}
	}

	resp, err := m.client.Send(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return resp.Timestamp, nil
}

// SendTypingIndicator implements Messenger.
func (m *messenger) SendTypingIndicator(ctx context.Context, to Recipient, stop bool) error {
	if to.IsZero() {
		return fmt.Errorf("recipient cannot be empty")
	}
	if err := m.client.SendTypingIndicator(ctx, to, stop); err != nil {
		return fmt.Errorf("failed to send typing indicator: %w", err)
	}
	return nil
}

// Subscribe implements Messenger. A second call replaces the first
// subscription.
func (m *messenger) Subscribe(ctx context.Context) (<-chan IncomingMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscription != nil {
		m.subscription.cancel()
		<-m.subscription.done
		m.subscription = nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	envelopes, err := m.client.Subscribe(subCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to messages: %w", err)
	}

	sub := &subscription{
		ctx:    subCtx,
		cancel: cancel,
		outCh:  make(chan IncomingMessage),
		done:   make(chan struct{}),
	}
	m.subscription = sub
	go m.runSubscription(sub, envelopes)

	return sub.outCh, nil
}

func (m *messenger) runSubscription(sub *subscription, envelopes <-chan *Envelope) {
	defer close(sub.done)
	defer close(sub.outCh)

	for {
		select {
		case <-sub.ctx.Done():
			return
		case envelope, ok := <-envelopes:
			if !ok {
				return
			}
			msg, ok := m.convertEnvelope(envelope)
			if !ok {
				continue
			}
			select {
			case sub.outCh <- msg:
			case <-sub.ctx.Done():
				return
			}
		}
	}
}

// convertEnvelope keeps data messages from other people that carry text or
// attachments. Sync messages from this account's other devices, typing
// indicators and receipts are dropped.
func (m *messenger) convertEnvelope(env *Envelope) (IncomingMessage, bool) {
	if env == nil || env.DataMessage == nil {
		return IncomingMessage{}, false
	}
	if m.selfPhone != "" && (env.Source == m.selfPhone || env.SourceNumber == m.selfPhone) {
		return IncomingMessage{}, false
	}

	data := env.DataMessage
	if data.Message == "" && len(data.Attachments) == 0 {
		return IncomingMessage{}, false
	}

	sentAt := data.Timestamp
	if sentAt == 0 {
		sentAt = env.Timestamp
	}
	msg := IncomingMessage{
		Timestamp:   time.UnixMilli(sentAt),
		SentAt:      sentAt,
		From:        sourceNumber(env),
		FromName:    env.SourceName,
		Text:        data.Message,
		Attachments: data.Attachments,
	}
	if data.GroupInfo != nil {
		msg.GroupID = data.GroupInfo.GroupID
	}
	if data.Quote != nil && data.Quote.ID != 0 {
		msg.QuoteID = strconv.FormatInt(data.Quote.ID, 10)
	}
	return msg, true
}

// sourceNumber prefers the phone number, which is what replies are
// addressed to.
func sourceNumber(env *Envelope) string {
	switch {
	case env.SourceNumber != "":
		return env.SourceNumber
	case env.Source != "":
		return env.Source
	case env.SourceUUID != "":
		return env.SourceUUID
	}
	return "unknown"
}
