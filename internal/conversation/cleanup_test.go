package conversation

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joshsymonds/conductor/internal/tasks"
)

func TestCleanupServiceSweepsAndSaves(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state"))
	r := NewRegistry(Config{Persistence: store, SessionTTL: time.Hour, Logger: zap.NewNop()})

	// A session last used two hours ago is swept on the first pass.
	old := time.Now().Add(-2 * time.Hour)
	r.SetClock(func() time.Time { return old })
	lease, err := r.Acquire(context.Background(), "stale")
	require.NoError(t, err)
	require.NoError(t, lease.Activate(1))
	require.NoError(t, lease.Complete())
	r.SetClock(time.Now)

	var sweeps atomic.Int32
	svc := NewCleanupService(r, 10*time.Millisecond, zap.NewNop())
	svc.OnSweep(func(SweepResult) { sweeps.Add(1) })

	tracker := tasks.NewTracker(zap.NewNop())
	_, err = tracker.Spawn(context.Background(), "session-cleanup", "", svc.Run)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sweeps.Load() >= 2 }, time.Second, 5*time.Millisecond)
	_, ok := r.Status("stale")
	assert.False(t, ok)

	report := tracker.Shutdown(time.Second)
	assert.Empty(t, report.Leaked)

	sessions, err := store.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
