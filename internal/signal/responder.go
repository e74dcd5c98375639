package signal

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/joshsymonds/conductor/internal/claude"
	"github.com/joshsymonds/conductor/internal/queue"
	"github.com/joshsymonds/conductor/internal/replycache"
)

// Replies sent for outcomes other than success.
const (
	TimeoutReply = "That took too long, so I stopped it. Send another message and I'll pick up where I left off."
	BusyReply    = "I'm still working on something in this conversation. Please send that again once I've replied."
	AuthReply    = "I can't reach Claude right now because it needs to be logged in again."
	ErrorReply   = "Something went wrong while handling that"
)

// Responder sends dispatch results back over Signal. It implements
// queue.ResultHandler.
type Responder struct {
	messenger Messenger
	replies   *replycache.Cache
	typing    TypingIndicatorManager
	logger    *zap.Logger
}

var (
	_ queue.ResultHandler = (*Responder)(nil)
	_ queue.StartNotifier = (*Responder)(nil)
)

// NewResponder creates a Responder. replies and typing may be nil.
func NewResponder(messenger Messenger, replies *replycache.Cache, typing TypingIndicatorManager, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{
		messenger: messenger,
		replies:   replies,
		typing:    typing,
		logger:    logger,
	}
}

// Started implements queue.StartNotifier. Deliver stops the indicator after
// each reply, so it is started again for every unit of the conversation.
func (r *Responder) Started(ctx context.Context, unit *queue.CombinedUnit) {
	if r.typing != nil && unit != nil {
		r.typing.Start(ctx, RecipientFor(unit.ConversationID))
	}
}

// Deliver implements queue.ResultHandler.
func (r *Responder) Deliver(ctx context.Context, res queue.Result) error {
	if res.Unit == nil {
		return fmt.Errorf("result has no unit")
	}
	conv := res.Unit.ConversationID
	to := RecipientFor(conv)

	if r.typing != nil {
		r.typing.Stop(to)
	}

	text := ReplyText(res)
	if text == "" {
		return nil
	}

	sentAt, err := r.messenger.Send(ctx, to, text)
	if err != nil {
		return err
	}

	if r.replies != nil && res.Outcome == queue.OutcomeSuccess {
		r.replies.Put(strconv.FormatInt(sentAt, 10), conv, res.SessionID, text)
	}
	r.logger.Debug("Reply sent",
		zap.String("conversation_id", conv),
		zap.String("unit_id", res.Unit.ID),
		zap.Int64("sent_at", sentAt),
		zap.String("outcome", string(res.Outcome)))
	return nil
}

// ReplyText is the message sent for a result. Cancelled units get no
// reply.
func ReplyText(res queue.Result) string {
	switch res.Outcome {
	case queue.OutcomeSuccess:
		return res.Output
	case queue.OutcomeTimeout:
		return TimeoutReply
	case queue.OutcomeBusy:
		return BusyReply
	case queue.OutcomeCancelled:
		return ""
	}

	if claude.IsAuthenticationError(res.Err) {
		return AuthReply
	}
	if res.Output != "" {
		return ErrorReply + ": " + res.Output
	}
	return ErrorReply + "."
}
