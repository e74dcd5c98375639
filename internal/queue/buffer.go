package queue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultWindow is how long a buffer waits for more events.
	DefaultWindow = 2500 * time.Millisecond
	// DefaultMaxWait caps how far later events can extend a window.
	DefaultMaxWait = 10 * time.Second
	// DefaultMaxParts flushes a buffer early once it holds this many parts.
	DefaultMaxParts = 20
)

// DefaultFlushMarkers are messages that flush the buffer immediately.
var DefaultFlushMarkers = []string{"/go", "/now"}

// BufferConfig controls aggregation. Zero values use the defaults.
type BufferConfig struct {
	FlushMarkers []string
	Window       time.Duration
	MaxWait      time.Duration
	MaxParts     int
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxWait < c.Window {
		c.MaxWait = c.Window
	}
	if c.MaxParts <= 0 {
		c.MaxParts = DefaultMaxParts
	}
	if c.FlushMarkers == nil {
		c.FlushMarkers = DefaultFlushMarkers
	}
	return c
}

// Decision is the result of Buffer.Add.
type Decision struct {
	// Deadline is when the open window expires. Set when Unit is nil and the
	// event was buffered.
	Deadline time.Time
	// Unit is set when this event caused a flush.
	Unit *CombinedUnit
	// Generation identifies the open window for Expire.
	Generation uint64
	// Consumed is true when the event was a flush marker and was not added
	// as a part.
	Consumed bool
}

type pendingBuffer struct {
	windowStart time.Time
	deadline    time.Time
	parts       []Part
	generation  uint64
}

// Buffer aggregates events per conversation. It is owned by a single
// goroutine and is not safe for concurrent use.
type Buffer struct {
	buffers    map[string]*pendingBuffer
	markers    map[string]struct{}
	cfg        BufferConfig
	generation uint64
	seq        uint64
}

// NewBuffer creates an empty buffer set.
func NewBuffer(cfg BufferConfig) *Buffer {
	cfg = cfg.withDefaults()
	markers := make(map[string]struct{}, len(cfg.FlushMarkers))
	for _, m := range cfg.FlushMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers[m] = struct{}{}
		}
	}
	return &Buffer{
		buffers: make(map[string]*pendingBuffer),
		markers: markers,
		cfg:     cfg,
	}
}

// Config returns the effective configuration.
func (b *Buffer) Config() BufferConfig {
	return b.cfg
}

// IsMarker reports whether ev is a flush marker.
func (b *Buffer) IsMarker(ev InboundEvent) bool {
	if ev.Kind != KindText && ev.Kind != "" {
		return false
	}
	_, ok := b.markers[strings.ToLower(strings.TrimSpace(ev.Content))]
	return ok
}

// Add buffers ev or flushes. The first event for a conversation opens a
// window ending at now+Window; each later event moves the deadline to
// now+Window, never past WindowStart+MaxWait. Reaching MaxParts or seeing a
// flush marker flushes immediately. A marker on an empty buffer does nothing.
func (b *Buffer) Add(ev InboundEvent, now time.Time) Decision {
	conv := ev.ConversationID
	buf, open := b.buffers[conv]

	if b.IsMarker(ev) {
		if !open {
			return Decision{Consumed: true}
		}
		return Decision{Consumed: true, Unit: b.flush(conv, buf, ReasonMarker, now)}
	}

	if !open {
		b.generation++
		buf = &pendingBuffer{
			windowStart: now,
			generation:  b.generation,
		}
		b.buffers[conv] = buf
	}

	buf.parts = append(buf.parts, partFromEvent(ev))
	buf.deadline = now.Add(b.cfg.Window)
	if limit := buf.windowStart.Add(b.cfg.MaxWait); buf.deadline.After(limit) {
		buf.deadline = limit
	}

	if len(buf.parts) >= b.cfg.MaxParts {
		return Decision{Unit: b.flush(conv, buf, ReasonSize, now)}
	}

	return Decision{Deadline: buf.deadline, Generation: buf.generation}
}

// Expire flushes the conversation's buffer if generation still identifies
// the open window and its deadline has passed. Stale or early calls return
// nil.
func (b *Buffer) Expire(conversationID string, generation uint64, now time.Time) *CombinedUnit {
	buf, ok := b.buffers[conversationID]
	if !ok || buf.generation != generation || now.Before(buf.deadline) {
		return nil
	}
	return b.flush(conversationID, buf, ReasonTimer, now)
}

// Deadline returns the open window's deadline and generation.
func (b *Buffer) Deadline(conversationID string) (time.Time, uint64, bool) {
	buf, ok := b.buffers[conversationID]
	if !ok {
		return time.Time{}, 0, false
	}
	return buf.deadline, buf.generation, true
}

// Discard drops the conversation's open buffer and returns how many parts
// it held.
func (b *Buffer) Discard(conversationID string) int {
	buf, ok := b.buffers[conversationID]
	if !ok {
		return 0
	}
	delete(b.buffers, conversationID)
	return len(buf.parts)
}

// DiscardAll drops every open buffer and returns the total part count.
func (b *Buffer) DiscardAll() int {
	total := 0
	for conv, buf := range b.buffers {
		total += len(buf.parts)
		delete(b.buffers, conv)
	}
	return total
}

// Pending returns the number of open buffers.
func (b *Buffer) Pending() int {
	return len(b.buffers)
}

// PendingParts returns the number of parts buffered for a conversation.
func (b *Buffer) PendingParts(conversationID string) int {
	if buf, ok := b.buffers[conversationID]; ok {
		return len(buf.parts)
	}
	return 0
}

// flush removes the buffer from the live map before building the unit, so a
// later event always opens a fresh window.
func (b *Buffer) flush(conv string, buf *pendingBuffer, reason FlushReason, now time.Time) *CombinedUnit {
	delete(b.buffers, conv)
	b.seq++
	return &CombinedUnit{
		ID:             uuid.NewString(),
		ConversationID: conv,
		Seq:            b.seq,
		Parts:          buf.parts,
		Reason:         reason,
		WindowStart:    buf.windowStart,
		FlushedAt:      now,
	}
}
