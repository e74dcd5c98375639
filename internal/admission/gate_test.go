package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestAcceptAdmitsThenDeduplicates(t *testing.T) {
	g := New(Config{})

	v := g.Accept("signal:+15551234567:1700000000000")
	assert.Equal(t, Admit, v.Kind)
	assert.NoError(t, v.Reason)

	v = g.Accept("signal:+15551234567:1700000000000")
	assert.Equal(t, Duplicate, v.Kind)
	assert.ErrorIs(t, v.Reason, ErrDuplicate)
	assert.Equal(t, 1, g.QueueDepth(), "duplicates must not grow the backlog")
}

func TestAcceptMissingKey(t *testing.T) {
	g := New(Config{})
	v := g.Accept("")
	assert.Equal(t, Rejected, v.Kind)
	assert.ErrorIs(t, v.Reason, ErrMissingDedupKey)
}

func TestDedupExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	g := New(Config{DedupTTL: time.Minute})
	g.SetClock(clock.Now)

	require.Equal(t, Admit, g.Accept("k").Kind)
	clock.Advance(59 * time.Second)
	assert.Equal(t, Duplicate, g.Accept("k").Kind)
	clock.Advance(2 * time.Second)
	assert.Equal(t, Admit, g.Accept("k").Kind)
}

func TestDedupBoundedBySize(t *testing.T) {
	g := New(Config{DedupSize: 2, MaxQueueDepth: 100})
	for _, k := range []string{"a", "b", "c"} {
		require.Equal(t, Admit, g.Accept(k).Kind)
	}
	assert.Equal(t, Admit, g.Accept("a").Kind, "oldest key should have been evicted")
	assert.Equal(t, Duplicate, g.Accept("c").Kind)
}

func TestBackpressure(t *testing.T) {
	g := New(Config{MaxQueueDepth: 3})
	for i := 0; i < 3; i++ {
		require.Equal(t, Admit, g.Accept(fmt.Sprintf("k%d", i)).Kind)
	}

	v := g.Accept("k3")
	assert.Equal(t, Rejected, v.Kind)
	assert.ErrorIs(t, v.Reason, ErrBackpressure)

	// The rejected key was not recorded, so redelivery succeeds once the
	// backlog drains.
	g.Done(1)
	assert.Equal(t, Admit, g.Accept("k3").Kind)
	assert.Equal(t, 3, g.QueueDepth())
}

func TestForgetUndoesAdmit(t *testing.T) {
	g := New(Config{})
	require.Equal(t, Admit, g.Accept("k").Kind)
	g.Forget("k")
	assert.Equal(t, 0, g.QueueDepth())
	assert.Equal(t, Admit, g.Accept("k").Kind)
}

func TestDoneNeverNegative(t *testing.T) {
	g := New(Config{})
	g.Accept("k")
	g.Done(5)
	g.Done(0)
	assert.Equal(t, 0, g.QueueDepth())
}

func TestAcquireCeiling(t *testing.T) {
	g := New(Config{MaxConcurrent: 2})
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))
	assert.Equal(t, 2, g.InFlight())
	assert.Equal(t, 2, g.Capacity())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Acquire(short), context.DeadlineExceeded)
	assert.Equal(t, 2, g.InFlight())

	g.Release()
	require.NoError(t, g.Acquire(ctx))
	g.Release()
	g.Release()
	assert.Equal(t, 0, g.InFlight())
}

func TestAcquireFIFO(t *testing.T) {
	g := New(Config{MaxConcurrent: 1})
	require.NoError(t, g.Acquire(context.Background()))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, g.Acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
		}(i)
		// Let each waiter enqueue before the next.
		require.Eventually(t, func() bool { return g.Waiting() == i+1 }, time.Second, time.Millisecond)
		time.Sleep(10 * time.Millisecond)
	}

	g.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestVerdictKindString(t *testing.T) {
	assert.Equal(t, "admit", Admit.String())
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "unknown", VerdictKind(9).String())
}
