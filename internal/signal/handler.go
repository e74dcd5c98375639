package signal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/joshsymonds/conductor/internal/queue"
)

// BackpressureNotice is sent when the pipeline refuses a message.
const BackpressureNotice = "I'm handling a lot right now and couldn't take that message. Please send it again in a minute."

// Submitter accepts inbound events. *queue.Manager implements it.
type Submitter interface {
	Submit(ctx context.Context, ev queue.InboundEvent) error
}

// Handler feeds Signal messages into the dispatch pipeline.
type Handler struct {
	messenger Messenger
	submitter Submitter
	typing    TypingIndicatorManager
	logger    *zap.Logger
	mu        sync.Mutex
	running   bool
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithTypingIndicators starts an indicator for every admitted message.
// The Responder stops it once the reply is sent.
func WithTypingIndicators(typing TypingIndicatorManager) HandlerOption {
	return func(h *Handler) {
		h.typing = typing
	}
}

// NewHandler creates a handler.
func NewHandler(messenger Messenger, submitter Submitter, opts ...HandlerOption) (*Handler, error) {
	if messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}

	h := &Handler{
		messenger: messenger,
		submitter: submitter,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run subscribes and submits messages until ctx is done or the
// subscription ends.
func (h *Handler) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("handler already running")
	}
	h.running = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	messages, err := h.messenger.Subscribe(ctx)
	if err != nil {
		return err
	}

	h.logger.Info("Signal handler started")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Signal handler stopped")
			return nil
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("signal subscription ended")
			}
			h.handleMessage(ctx, msg)
		}
	}
}

// IsRunning reports whether Run is active.
func (h *Handler) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Handler) handleMessage(ctx context.Context, msg IncomingMessage) {
	conv := msg.ConversationID()
	logger := h.logger.With(
		zap.String("conversation_id", conv),
		zap.Int64("sent_at", msg.SentAt))

	admitted := 0
events:
	for _, ev := range Events(msg) {
		err := h.submitter.Submit(ctx, ev)
		switch {
		case queue.IsAccepted(err):
			admitted++
		case queue.IsDuplicate(err):
			logger.Debug("Duplicate delivery ignored", zap.String("dedup_key", ev.DedupKey))
		case queue.IsBackpressure(err):
			logger.Warn("Message refused under backpressure", zap.String("dedup_key", ev.DedupKey))
			if _, sendErr := h.messenger.Send(ctx, RecipientFor(conv), BackpressureNotice); sendErr != nil {
				logger.Error("Failed to send backpressure notice", zap.Error(sendErr))
			}
			// Attachments admitted before the refusal still get a reply.
			break events
		default:
			logger.Error("Failed to submit message", zap.String("dedup_key", ev.DedupKey), zap.Error(err))
		}
	}

	if admitted > 0 && h.typing != nil {
		h.typing.Start(ctx, RecipientFor(conv))
	}
}

// Events converts a Signal message into inbound events: one per
// attachment, the first carrying the message text as its caption, or a
// single text event when there are no attachments.
func Events(msg IncomingMessage) []queue.InboundEvent {
	base := queue.InboundEvent{
		ArrivedAt:      msg.Timestamp,
		ConversationID: msg.ConversationID(),
		SenderID:       msg.From,
		ReplyToID:      msg.QuoteID,
	}
	key := "signal:" + msg.From + ":" + strconv.FormatInt(msg.SentAt, 10)

	if len(msg.Attachments) == 0 {
		ev := base
		ev.Kind = queue.KindText
		ev.Content = msg.Text
		ev.DedupKey = key
		return []queue.InboundEvent{ev}
	}

	events := make([]queue.InboundEvent, 0, len(msg.Attachments))
	for i, att := range msg.Attachments {
		ev := base
		ev.Kind = attachmentKind(att)
		ev.MediaRef = att.ID
		ev.Content = att.Caption
		if i == 0 && strings.TrimSpace(msg.Text) != "" {
			ev.Content = strings.TrimSpace(msg.Text + " " + att.Caption)
		}
		ev.DedupKey = key
		if i > 0 {
			ev.DedupKey = key + ":" + strconv.Itoa(i)
		}
		events = append(events, ev)
	}
	return events
}

func attachmentKind(att Attachment) queue.PayloadKind {
	switch {
	case att.VoiceNote, strings.HasPrefix(att.ContentType, "audio/"):
		return queue.KindVoice
	case strings.HasPrefix(att.ContentType, "image/"):
		return queue.KindImage
	case strings.HasPrefix(att.ContentType, "video/"):
		return queue.KindVideo
	}
	return queue.KindDocument
}
