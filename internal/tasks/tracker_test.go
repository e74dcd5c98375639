package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSpawnRegistersAndDeregisters(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	release := make(chan struct{})

	h, err := tracker.Spawn(context.Background(), "worker", "conv-1", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	list := tracker.List()
	require.Len(t, list, 1)
	assert.Equal(t, "worker", list[0].Name)
	assert.Equal(t, "conv-1", list[0].ConversationID)
	assert.Equal(t, h.ID, list[0].ID)

	close(release)
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, 0, tracker.Len())
}

func TestSpawnNilFunc(t *testing.T) {
	tracker := NewTracker(nil)
	_, err := tracker.Spawn(context.Background(), "nil", "", nil)
	require.Error(t, err)
}

func TestHandleCancelPropagates(t *testing.T) {
	tracker := NewTracker(zap.NewNop())

	h, err := tracker.Spawn(context.Background(), "blocker", "conv-1", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, h.Err(), context.Canceled)
}

func TestWaitRespectsContext(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	release := make(chan struct{})
	h, err := tracker.Spawn(context.Background(), "slow", "", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
	assert.NoError(t, h.Err(), "Err before completion should be nil")

	close(release)
	require.NoError(t, h.Wait(context.Background()))
}

func TestPanicIsRecoveredAndReported(t *testing.T) {
	var panics atomic.Int32
	handler := NewMetricsPanicHandler(nil, func(info TaskInfo, _ any) {
		assert.Equal(t, "exploder", info.Name)
		panics.Add(1)
	})
	tracker := NewTracker(zap.NewNop(), WithPanicHandler(handler))

	h, err := tracker.Spawn(context.Background(), "exploder", "conv-1", func(ctx context.Context) error {
		panic("boom")
	})
	require.NoError(t, err)

	err = h.Wait(context.Background())
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "boom", perr.Value)
	assert.Equal(t, int32(1), panics.Load())
	assert.Equal(t, 0, tracker.Len())
}

func TestFinishHook(t *testing.T) {
	var mu sync.Mutex
	var finished []string
	tracker := NewTracker(zap.NewNop(), WithFinishHook(func(info TaskInfo, err error) {
		mu.Lock()
		finished = append(finished, info.Name)
		mu.Unlock()
	}))

	h, err := tracker.Spawn(context.Background(), "one", "", func(ctx context.Context) error {
		return errors.New("failed")
	})
	require.NoError(t, err)
	require.EqualError(t, h.Wait(context.Background()), "failed")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(finished) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCancelConversation(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	block := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	a1, err := tracker.Spawn(context.Background(), "a1", "conv-a", block)
	require.NoError(t, err)
	a2, err := tracker.Spawn(context.Background(), "a2", "conv-a", block)
	require.NoError(t, err)
	b, err := tracker.Spawn(context.Background(), "b", "conv-b", block)
	require.NoError(t, err)

	assert.Equal(t, 2, tracker.CancelConversation("conv-a"))

	for _, h := range []*Handle{a1, a2} {
		assert.ErrorIs(t, h.Wait(context.Background()), context.Canceled)
	}
	select {
	case <-b.Done():
		t.Fatal("task for another conversation was cancelled")
	default:
	}

	b.Cancel()
	<-b.Done()
}

func TestShutdownCancelsAndCompletes(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	for i := 0; i < 5; i++ {
		_, err := tracker.Spawn(context.Background(), "loop", "", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
		require.NoError(t, err)
	}

	report := tracker.Shutdown(time.Second)
	assert.Equal(t, 5, report.Completed)
	assert.Empty(t, report.Leaked)
	assert.Equal(t, 0, tracker.Len())
}

func TestShutdownReportsLeaked(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	release := make(chan struct{})

	stubborn, err := tracker.Spawn(context.Background(), "stubborn", "conv-1", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	_, err = tracker.Spawn(context.Background(), "polite", "conv-2", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	report := tracker.Shutdown(50 * time.Millisecond)
	assert.Equal(t, 1, report.Completed)
	require.Len(t, report.Leaked, 1)
	assert.Equal(t, "stubborn", report.Leaked[0].Name)

	close(release)
	<-stubborn.Done()
}

func TestSpawnAfterShutdown(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	tracker.Shutdown(time.Millisecond)

	_, err := tracker.Spawn(context.Background(), "late", "", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrTrackerClosed)
}

func TestParentContextCancelsTask(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	parent, cancel := context.WithCancel(context.Background())

	h, err := tracker.Spawn(parent, "child", "", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, h.Wait(context.Background()), context.Canceled)
}
