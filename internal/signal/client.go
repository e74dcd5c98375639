package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Client speaks signal-cli's JSON-RPC dialect.
type Client interface {
	// Send sends a message to a number or group.
	Send(ctx context.Context, req *SendRequest) (*SendResponse, error)

	// SendTypingIndicator starts or stops the typing indicator.
	SendTypingIndicator(ctx context.Context, to Recipient, stop bool) error

	// Subscribe starts receiving envelopes.
	Subscribe(ctx context.Context) (<-chan *Envelope, error)

	// Close closes the client connection.
	Close() error
}

// SendRequest is the params object of a send call.
type SendRequest struct {
	Recipients  []string `json:"recipient,omitempty"`
	GroupID     string   `json:"groupId,omitempty"`
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
	// QuoteTimestamp and QuoteAuthor make the message a reply.
	QuoteTimestamp int64  `json:"quoteTimestamp,omitempty"`
	QuoteAuthor    string `json:"quoteAuthor,omitempty"`
}

// SendResponse is the result of a send call.
type SendResponse struct {
	Timestamp int64 `json:"timestamp"`
}

// Envelope wraps every message signal-cli receives. Only data messages are
// decoded; sync, typing and receipt envelopes arrive with DataMessage nil.
type Envelope struct {
	DataMessage  *DataMessage `json:"dataMessage,omitempty"`
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	SourceUUID   string       `json:"sourceUuid"`
	SourceName   string       `json:"sourceName"`
	Timestamp    int64        `json:"timestamp"`
}

// DataMessage is a user-visible message.
type DataMessage struct {
	Quote       *Quote       `json:"quote,omitempty"`
	GroupInfo   *GroupInfo   `json:"groupInfo,omitempty"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments"`
	Timestamp   int64        `json:"timestamp"`
}

// Attachment is a file sent with a message. ID is signal-cli's stored
// attachment name, used as the media reference.
type Attachment struct {
	ContentType string `json:"contentType"`
	ID          string `json:"id"`
	Caption     string `json:"caption,omitempty"`
	VoiceNote   bool   `json:"voiceNote,omitempty"`
}

// Quote is the message a data message replies to. ID is the quoted
// message's timestamp.
type Quote struct {
	Author       string `json:"author"`
	AuthorNumber string `json:"authorNumber"`
	Text         string `json:"text"`
	ID           int64  `json:"id"`
}

// GroupInfo identifies the group a message was sent to.
type GroupInfo struct {
	GroupID string `json:"groupId"`
}

type client struct {
	transport Transport
	logger    *zap.Logger
	account   string
}

// ClientOption configures the client.
type ClientOption func(*client)

// WithAccount selects the account when signal-cli runs in multi-account
// mode.
func WithAccount(account string) ClientOption {
	return func(c *client) {
		c.account = account
	}
}

// WithClientLogger sets the logger used for undecodable notifications.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client on top of transport.
func NewClient(transport Transport, opts ...ClientOption) Client {
	c := &client{
		transport: transport,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) params(base map[string]any) map[string]any {
	if c.account != "" {
		base["account"] = c.account
	}
	return base
}

func addressParams(params map[string]any, to Recipient) error {
	switch {
	case to.GroupID != "":
		params["groupId"] = to.GroupID
	case to.Number != "":
		params["recipient"] = []string{to.Number}
	default:
		return fmt.Errorf("either recipient or groupId must be specified")
	}
	return nil
}

// Send implements Client.
func (c *client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	params := c.params(map[string]any{"message": req.Message})

	switch {
	case len(req.Recipients) > 0:
		params["recipient"] = req.Recipients
	case req.GroupID != "":
		params["groupId"] = req.GroupID
	default:
		return nil, fmt.Errorf("either recipients or groupId must be specified")
	}

	if len(req.Attachments) > 0 {
		params["attachments"] = req.Attachments
	}
	if req.QuoteTimestamp != 0 {
		params["quoteTimestamp"] = req.QuoteTimestamp
		params["quoteAuthor"] = req.QuoteAuthor
	}

	result, err := c.transport.Call(ctx, "send", params)
	if err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("invalid response: empty result")
	}

	var resp SendResponse
	if err := json.Unmarshal(*result, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Timestamp == 0 {
		return nil, fmt.Errorf("invalid response: missing timestamp")
	}
	return &resp, nil
}

// SendTypingIndicator implements Client.
func (c *client) SendTypingIndicator(ctx context.Context, to Recipient, stop bool) error {
	params := c.params(map[string]any{"stop": stop})
	if err := addressParams(params, to); err != nil {
		return err
	}
	_, err := c.transport.Call(ctx, "sendTyping", params)
	return err
}

// Subscribe implements Client.
func (c *client) Subscribe(ctx context.Context) (<-chan *Envelope, error) {
	notifications, err := c.transport.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	envelopes := make(chan *Envelope, 10)
	go c.processNotifications(ctx, notifications, envelopes)
	return envelopes, nil
}

func (c *client) processNotifications(ctx context.Context, notifications <-chan *Notification, envelopes chan<- *Envelope) {
	defer close(envelopes)

	for {
		select {
		case <-ctx.Done():
			return
		case notif, ok := <-notifications:
			if !ok {
				return
			}
			if notif.Method != "receive" {
				continue
			}
			envelope := c.parseEnvelope(notif)
			if envelope == nil {
				continue
			}
			select {
			case envelopes <- envelope:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *client) parseEnvelope(notif *Notification) *Envelope {
	var params struct {
		Envelope *Envelope `json:"envelope"`
	}
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		c.logger.Warn("Dropping undecodable notification", zap.Error(err))
		return nil
	}
	return params.Envelope
}

// Close implements Client.
func (c *client) Close() error {
	return c.transport.Close()
}
