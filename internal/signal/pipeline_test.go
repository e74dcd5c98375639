package signal

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joshsymonds/conductor/internal/admission"
	"github.com/joshsymonds/conductor/internal/claude"
	"github.com/joshsymonds/conductor/internal/conversation"
	"github.com/joshsymonds/conductor/internal/executor"
	"github.com/joshsymonds/conductor/internal/queue"
	"github.com/joshsymonds/conductor/internal/replycache"
	"github.com/joshsymonds/conductor/internal/tasks"
)

// scriptedExecutor answers every run with the next scripted reply as claude
// JSON output.
type scriptedExecutor struct {
	replies []string
	specs   []executor.Spec
	mu      sync.Mutex
}

func (s *scriptedExecutor) Run(_ context.Context, spec executor.Spec, _ time.Duration) (*executor.Result, error) {
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	reply := "ok"
	if len(s.replies) > 0 {
		reply, s.replies = s.replies[0], s.replies[1:]
	}
	s.mu.Unlock()

	spec.OnStart(1234)
	return &executor.Result{
		Outcome: executor.OutcomeSuccess,
		Stdout:  `{"type":"result","is_error":false,"result":` + strconv.Quote(reply) + `}`,
	}, nil
}

func (s *scriptedExecutor) calls() []executor.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]executor.Spec(nil), s.specs...)
}

type pipeline struct {
	messenger *fakeMessenger
	exec      *scriptedExecutor
	registry  *conversation.Registry
}

func newPipeline(t *testing.T, replies ...string) *pipeline {
	t.Helper()
	logger := zap.NewNop()
	messenger := newFakeMessenger()
	exec := &scriptedExecutor{replies: replies}

	commands, err := claude.NewCommandBuilder(claude.Config{Command: "claude"})
	require.NoError(t, err)

	registry := conversation.NewRegistry(conversation.Config{Logger: logger})
	tracker := tasks.NewTracker(logger)
	cache := replycache.New(replycache.Config{})
	typing := NewTypingIndicatorManager(messenger, time.Hour, logger)

	manager, err := queue.NewManager(queue.ManagerConfig{
		Gate:     admission.New(admission.Config{MaxConcurrent: 2, MaxQueueDepth: 16}),
		Registry: registry,
		Tracker:  tracker,
		Executor: exec,
		Commands: commands,
		Results:  NewResponder(messenger, cache, typing, logger),
		Replies:  cache,
		Logger:   logger,
		Buffer:   queue.BufferConfig{Window: 40 * time.Millisecond, MaxWait: time.Second},
	})
	require.NoError(t, err)

	handler, err := NewHandler(messenger, manager, WithLogger(logger), WithTypingIndicators(typing))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	managerDone := make(chan error, 1)
	go func() { managerDone <- manager.Run(ctx) }()
	stopHandler := runHandler(t, handler)

	t.Cleanup(func() {
		stopHandler()
		cancel()
		require.NoError(t, <-managerDone)
		typing.StopAll()
		tracker.Shutdown(time.Second)
	})
	return &pipeline{messenger: messenger, exec: exec, registry: registry}
}

func (p *pipeline) receive(from, text string, sentAt int64, quoteID string) {
	p.messenger.incoming <- IncomingMessage{
		Timestamp: time.Now(),
		From:      from,
		Text:      text,
		QuoteID:   quoteID,
		SentAt:    sentAt,
	}
}

func (p *pipeline) waitForSent(t *testing.T, n int) []sentMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.messenger.sentMessages()) >= n },
		3*time.Second, 5*time.Millisecond, "expected %d outbound messages", n)
	return p.messenger.sentMessages()
}

func TestPipelineCombinesFragmentsIntoOneReply(t *testing.T) {
	p := newPipeline(t, "Sure, booking a table for two.")

	p.receive("+15550001", "can you book dinner", 100, "")
	p.receive("+15550001", "for two people", 101, "")

	sent := p.waitForSent(t, 1)
	assert.Equal(t, Recipient{Number: "+15550001"}, sent[0].to)
	assert.Equal(t, "Sure, booking a table for two.", sent[0].text)

	calls := p.exec.calls()
	require.Len(t, calls, 1, "both fragments dispatched together")
	stdin := string(calls[0].Stdin)
	assert.Contains(t, stdin, "can you book dinner")
	assert.Contains(t, stdin, "for two people")
	assert.Contains(t, calls[0].Args, "--session-id")

	st, ok := p.registry.Status("+15550001")
	require.True(t, ok)
	assert.Equal(t, conversation.StateIdle, st.State)
}

func TestPipelineRedeliveryIsIgnored(t *testing.T) {
	p := newPipeline(t, "first")

	p.receive("+15550001", "hello", 200, "")
	p.receive("+15550001", "hello", 200, "")
	p.waitForSent(t, 1)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, p.exec.calls(), 1)
	assert.Len(t, p.messenger.sentMessages(), 1)
}

func TestPipelineQuotedReplyResumesWithContext(t *testing.T) {
	p := newPipeline(t, "Your flight leaves at 9.", "It departs from gate B12.")

	p.receive("+15550001", "when is my flight", 300, "")
	first := p.waitForSent(t, 1)
	require.Len(t, first, 1)

	// The fake messenger numbers outbound messages from 1700000000001.
	p.receive("+15550001", "which gate?", 301, "1700000000001")
	sent := p.waitForSent(t, 2)
	assert.Equal(t, "It departs from gate B12.", sent[1].text)

	calls := p.exec.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Args, "--resume")
	stdin := string(calls[1].Stdin)
	assert.Contains(t, stdin, "Replying to your earlier message")
	assert.Contains(t, stdin, "Your flight leaves at 9.")
	assert.Contains(t, stdin, "which gate?")
}

func TestPipelineConversationsAreIndependent(t *testing.T) {
	p := newPipeline(t, "a", "b")

	p.receive("+15550001", "from alice", 400, "")
	p.receive("+15550002", "from bob", 401, "")
	sent := p.waitForSent(t, 2)

	recipients := map[string]bool{}
	for _, m := range sent {
		recipients[m.to.Number] = true
	}
	assert.True(t, recipients["+15550001"])
	assert.True(t, recipients["+15550002"])
	assert.Len(t, p.exec.calls(), 2)
}
