// Package queue turns admitted inbound events into ordered, per-conversation
// units of work and drives each one through a session lease and an
// out-of-process run.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// PayloadKind is the kind of content an inbound event carries.
type PayloadKind string

const (
	KindText     PayloadKind = "text"
	KindImage    PayloadKind = "image"
	KindVideo    PayloadKind = "video"
	KindDocument PayloadKind = "document"
	KindVoice    PayloadKind = "voice"
)

// Valid reports whether k is a known kind.
func (k PayloadKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindDocument, KindVoice:
		return true
	}
	return false
}

// InboundEvent is one delivery from a transport.
type InboundEvent struct {
	ArrivedAt      time.Time   `json:"arrived_at"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Kind           PayloadKind `json:"kind"`
	Content        string      `json:"content"`
	MediaRef       string      `json:"media_ref,omitempty"`
	DedupKey       string      `json:"dedup_key"`
	ReplyToID      string      `json:"reply_to_id,omitempty"`
}

// Validate checks the fields every event must carry. An empty kind is
// treated as text.
func (e *InboundEvent) Validate() error {
	if e.ConversationID == "" {
		return fmt.Errorf("event has no conversation id")
	}
	if e.Kind == "" {
		e.Kind = KindText
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown payload kind %q", e.Kind)
	}
	if e.Kind == KindText && strings.TrimSpace(e.Content) == "" {
		return fmt.Errorf("text event has no content")
	}
	return nil
}

// Part is one event folded into a CombinedUnit.
type Part struct {
	ArrivedAt time.Time   `json:"arrived_at"`
	SenderID  string      `json:"sender_id"`
	Kind      PayloadKind `json:"kind"`
	Content   string      `json:"content,omitempty"`
	MediaRef  string      `json:"media_ref,omitempty"`
	ReplyToID string      `json:"reply_to_id,omitempty"`
}

func partFromEvent(ev InboundEvent) Part {
	return Part{
		ArrivedAt: ev.ArrivedAt,
		SenderID:  ev.SenderID,
		Kind:      ev.Kind,
		Content:   ev.Content,
		MediaRef:  ev.MediaRef,
		ReplyToID: ev.ReplyToID,
	}
}

// render formats a part for the merged prompt. Media parts become tagged
// placeholders at their position, followed by any caption or transcript.
func (p Part) render() string {
	if p.Kind == KindText || p.Kind == "" {
		return p.Content
	}

	tag := fmt.Sprintf("[%s", p.Kind)
	if p.Kind == KindVoice {
		tag = "[voice message"
	}
	if p.MediaRef != "" {
		tag += ": " + p.MediaRef
	}
	tag += "]"

	if content := strings.TrimSpace(p.Content); content != "" {
		return tag + " " + content
	}
	return tag
}

// FlushReason records why a buffer was flushed.
type FlushReason string

const (
	// ReasonTimer means the aggregation window elapsed.
	ReasonTimer FlushReason = "timer"
	// ReasonSize means the buffer reached its part limit and was flushed
	// early rather than dropping parts.
	ReasonSize FlushReason = "size"
	// ReasonMarker means an explicit flush marker arrived.
	ReasonMarker FlushReason = "marker"
)

// CombinedUnit is the product of exactly one buffer flush.
type CombinedUnit struct {
	WindowStart    time.Time   `json:"window_start"`
	FlushedAt      time.Time   `json:"flushed_at"`
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Reason         FlushReason `json:"reason"`
	Parts          []Part      `json:"parts"`
	Seq            uint64      `json:"seq"`

	// cancelErr marks a queued unit that was cancelled before dispatch.
	cancelErr error
}

// Text merges the parts in arrival order, one per line.
func (u *CombinedUnit) Text() string {
	lines := make([]string, 0, len(u.Parts))
	for _, p := range u.Parts {
		if s := p.render(); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}

// Fingerprint identifies the merged payload.
func (u *CombinedUnit) Fingerprint() string {
	sum := sha256.Sum256([]byte(u.Text()))
	return hex.EncodeToString(sum[:])
}

// ReplyToID returns the most recent quoted message id among the parts.
func (u *CombinedUnit) ReplyToID() string {
	for i := len(u.Parts) - 1; i >= 0; i-- {
		if u.Parts[i].ReplyToID != "" {
			return u.Parts[i].ReplyToID
		}
	}
	return ""
}

// SenderID returns the sender of the last part, the one a reply goes to.
func (u *CombinedUnit) SenderID() string {
	if len(u.Parts) == 0 {
		return ""
	}
	return u.Parts[len(u.Parts)-1].SenderID
}
