package signal

import (
	"strings"
	"time"
)

// groupPrefix marks conversation ids that address a Signal group.
const groupPrefix = "group:"

// IncomingMessage is one Signal data message addressed to this account.
type IncomingMessage struct {
	Timestamp   time.Time
	From        string
	FromName    string
	GroupID     string
	Text        string
	QuoteID     string
	Attachments []Attachment
	// SentAt is the sender's message timestamp in milliseconds. Signal uses
	// it as the message id, so it is also what quotes refer to.
	SentAt int64
}

// ConversationID returns the conversation the message belongs to: the
// group for group messages, otherwise the sender.
func (m IncomingMessage) ConversationID() string {
	if m.GroupID != "" {
		return groupPrefix + m.GroupID
	}
	return m.From
}

// Recipient is where messages for a conversation are sent.
type Recipient struct {
	Number  string
	GroupID string
}

// RecipientFor resolves a conversation id to its recipient.
func RecipientFor(conversationID string) Recipient {
	if id, ok := strings.CutPrefix(conversationID, groupPrefix); ok {
		return Recipient{GroupID: id}
	}
	return Recipient{Number: conversationID}
}

// IsZero reports whether r addresses nobody.
func (r Recipient) IsZero() bool {
	return r.Number == "" && r.GroupID == ""
}

func (r Recipient) String() string {
	if r.GroupID != "" {
		return groupPrefix + r.GroupID
	}
	return r.Number
}
