package signal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/conductor/internal/admission"
	"github.com/joshsymonds/conductor/internal/queue"
)

type recordingSubmitter struct {
	errFor func(ev queue.InboundEvent) error
	events []queue.InboundEvent
	mu     sync.Mutex
}

func (r *recordingSubmitter) Submit(_ context.Context, ev queue.InboundEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.errFor != nil {
		return r.errFor(ev)
	}
	return nil
}

func (r *recordingSubmitter) submitted() []queue.InboundEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.InboundEvent(nil), r.events...)
}

func TestEventsText(t *testing.T) {
	events := Events(IncomingMessage{From: "+1", Text: "hello", SentAt: 1700000000000, QuoteID: "55"})
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, queue.KindText, ev.Kind)
	assert.Equal(t, "+1", ev.ConversationID)
	assert.Equal(t, "signal:+1:1700000000000", ev.DedupKey)
	assert.Equal(t, "55", ev.ReplyToID)
}

func TestEventsAttachments(t *testing.T) {
	events := Events(IncomingMessage{
		From:    "+1",
		GroupID: "g1",
		Text:    "look",
		SentAt:  10,
		Attachments: []Attachment{
			{ID: "a1", ContentType: "image/jpeg", Caption: "sunset"},
			{ID: "a2", ContentType: "audio/aac", VoiceNote: true},
			{ID: "a3", ContentType: "video/mp4"},
			{ID: "a4", ContentType: "application/pdf"},
		},
	})
	require.Len(t, events, 4)

	assert.Equal(t, queue.KindImage, events[0].Kind)
	assert.Equal(t, "look sunset", events[0].Content)
	assert.Equal(t, "a1", events[0].MediaRef)
	assert.Equal(t, "group:g1", events[0].ConversationID)
	assert.Equal(t, "signal:+1:10", events[0].DedupKey)

	assert.Equal(t, queue.KindVoice, events[1].Kind)
	assert.Equal(t, "signal:+1:10:1", events[1].DedupKey)
	assert.Equal(t, queue.KindVideo, events[2].Kind)
	assert.Equal(t, queue.KindDocument, events[3].Kind)
	for _, ev := range events {
		assert.NoError(t, ev.Validate())
	}
}

func runHandler(t *testing.T, h *Handler) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	require.Eventually(t, h.IsRunning, time.Second, 5*time.Millisecond)
	return func() {
		stop()
		require.NoError(t, <-done)
	}
}

func TestHandlerSubmitsAndStartsTyping(t *testing.T) {
	messenger := newFakeMessenger()
	sub := &recordingSubmitter{}
	typing := NewTypingIndicatorManager(messenger, time.Hour, nil)
	h, err := NewHandler(messenger, sub, WithTypingIndicators(typing))
	require.NoError(t, err)
	stop := runHandler(t, h)

	messenger.incoming <- IncomingMessage{From: "+1", Text: "hi", SentAt: 1}
	require.Eventually(t, func() bool { return len(sub.submitted()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(messenger.typingCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, typingCall{to: Recipient{Number: "+1"}}, messenger.typingCalls()[0])

	stop()
	typing.StopAll()
	assert.Empty(t, messenger.sentMessages())
}

func TestHandlerBackpressureNotice(t *testing.T) {
	messenger := newFakeMessenger()
	sub := &recordingSubmitter{errFor: func(queue.InboundEvent) error {
		return &queue.AdmissionError{Verdict: admission.Rejected, Reason: admission.ErrBackpressure}
	}}
	h, err := NewHandler(messenger, sub)
	require.NoError(t, err)
	stop := runHandler(t, h)
	defer stop()

	messenger.incoming <- IncomingMessage{From: "+1", GroupID: "g", Text: "hi", SentAt: 1}
	require.Eventually(t, func() bool { return len(messenger.sentMessages()) == 1 }, time.Second, 5*time.Millisecond)
	sent := messenger.sentMessages()[0]
	assert.Equal(t, Recipient{GroupID: "g"}, sent.to)
	assert.Equal(t, BackpressureNotice, sent.text)
}

func TestHandlerBackpressureMidMessageKeepsAdmittedParts(t *testing.T) {
	messenger := newFakeMessenger()
	sub := &recordingSubmitter{errFor: func(ev queue.InboundEvent) error {
		if strings.HasSuffix(ev.DedupKey, ":1") {
			return &queue.AdmissionError{Verdict: admission.Rejected, Reason: admission.ErrBackpressure}
		}
		return nil
	}}
	typing := NewTypingIndicatorManager(messenger, time.Hour, nil)
	h, err := NewHandler(messenger, sub, WithTypingIndicators(typing))
	require.NoError(t, err)
	stop := runHandler(t, h)

	messenger.incoming <- IncomingMessage{
		From:    "+1",
		GroupID: "g",
		SentAt:  7,
		Attachments: []Attachment{
			{ID: "a1", ContentType: "image/png"},
			{ID: "a2", ContentType: "image/png"},
			{ID: "a3", ContentType: "image/png"},
		},
	}
	require.Eventually(t, func() bool { return len(messenger.typingCalls()) == 1 }, time.Second, 5*time.Millisecond)
	stop()
	typing.StopAll()

	assert.Len(t, sub.submitted(), 2, "submission stops at the refused attachment")
	assert.Equal(t, typingCall{to: Recipient{GroupID: "g"}}, messenger.typingCalls()[0])
	sent := messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, BackpressureNotice, sent[0].text)
}

func TestHandlerOverflowCountsAsAdmitted(t *testing.T) {
	messenger := newFakeMessenger()
	sub := &recordingSubmitter{errFor: func(queue.InboundEvent) error { return queue.ErrBufferOverflow }}
	typing := NewTypingIndicatorManager(messenger, time.Hour, nil)
	h, err := NewHandler(messenger, sub, WithTypingIndicators(typing))
	require.NoError(t, err)
	stop := runHandler(t, h)

	messenger.incoming <- IncomingMessage{From: "+1", Text: "last straw", SentAt: 3}
	require.Eventually(t, func() bool { return len(messenger.typingCalls()) == 1 }, time.Second, 5*time.Millisecond)
	stop()
	typing.StopAll()
	assert.Empty(t, messenger.sentMessages())
}

func TestHandlerDuplicateIsSilent(t *testing.T) {
	messenger := newFakeMessenger()
	sub := &recordingSubmitter{errFor: func(queue.InboundEvent) error {
		return &queue.AdmissionError{Verdict: admission.Duplicate, Reason: admission.ErrDuplicate}
	}}
	h, err := NewHandler(messenger, sub)
	require.NoError(t, err)
	stop := runHandler(t, h)

	messenger.incoming <- IncomingMessage{From: "+1", Text: "hi", SentAt: 1}
	require.Eventually(t, func() bool { return len(sub.submitted()) == 1 }, time.Second, 5*time.Millisecond)
	stop()
	assert.Empty(t, messenger.sentMessages())
	assert.Empty(t, messenger.typingCalls())
}

func TestHandlerSubscriptionEnds(t *testing.T) {
	messenger := newFakeMessenger()
	h, err := NewHandler(messenger, &recordingSubmitter{})
	require.NoError(t, err)

	close(messenger.incoming)
	assert.Error(t, h.Run(context.Background()))
	assert.False(t, h.IsRunning())
}

func TestNewHandlerValidation(t *testing.T) {
	_, err := NewHandler(nil, &recordingSubmitter{})
	assert.Error(t, err)
	_, err = NewHandler(newFakeMessenger(), nil)
	assert.Error(t, err)
}

func TestHandlerRejectsSecondRun(t *testing.T) {
	h, err := NewHandler(newFakeMessenger(), &recordingSubmitter{errFor: func(queue.InboundEvent) error { return errors.New("x") }})
	require.NoError(t, err)
	stop := runHandler(t, h)
	defer stop()
	assert.Error(t, h.Run(context.Background()))
}
