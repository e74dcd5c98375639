package signal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joshsymonds/conductor/internal/tasks"
)

const (
	// DefaultTypingIndicatorInterval is how often an indicator is refreshed.
	// Signal clients drop an indicator after about 15 seconds.
	DefaultTypingIndicatorInterval = 10 * time.Second

	typingStopTimeout = 2 * time.Second
)

// TypingIndicatorManager keeps typing indicators alive while replies are
// being produced.
type TypingIndicatorManager interface {
	// Start begins refreshing the indicator for to. Starting an indicator
	// that is already running does nothing.
	Start(ctx context.Context, to Recipient)

	// Stop ends the indicator for to.
	Stop(to Recipient)

	// StopAll ends every indicator and waits for them to finish.
	StopAll()
}

// TypingOption configures a TypingIndicatorManager.
type TypingOption func(*typingManager)

// WithTypingTracker runs every indicator as a task on tracker, so tracker
// shutdown ends them.
func WithTypingTracker(tracker *tasks.Tracker) TypingOption {
	return func(m *typingManager) {
		m.tracker = tracker
	}
}

type indicator struct {
	cancel context.CancelFunc
}

type typingManager struct {
	messenger  Messenger
	tracker    *tasks.Tracker
	logger     *zap.Logger
	indicators map[Recipient]*indicator
	wg         sync.WaitGroup
	mu         sync.Mutex
	interval   time.Duration
}

// NewTypingIndicatorManager creates a manager refreshing every interval. A
// non-positive interval uses DefaultTypingIndicatorInterval.
func NewTypingIndicatorManager(messenger Messenger, interval time.Duration, logger *zap.Logger, opts ...TypingOption) TypingIndicatorManager {
	if interval <= 0 {
		interval = DefaultTypingIndicatorInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &typingManager{
		messenger:  messenger,
		logger:     logger,
		indicators: make(map[Recipient]*indicator),
		interval:   interval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *typingManager) Start(ctx context.Context, to Recipient) {
	if to.IsZero() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.indicators[to]; exists {
		return
	}

	indicatorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ind := &indicator{cancel: cancel}
	m.indicators[to] = ind
	m.wg.Add(1)
	run := func(ctx context.Context) error {
		defer m.wg.Done()
		defer m.forget(to, ind)
		m.runIndicator(ctx, to)
		return nil
	}

	if m.tracker == nil {
		go func() { _ = run(indicatorCtx) }()
		return
	}
	if _, err := m.tracker.Spawn(indicatorCtx, "typing", "", run); err != nil {
		m.logger.Debug("Typing indicator not started",
			zap.Stringer("recipient", to),
			zap.Error(err))
		cancel()
		delete(m.indicators, to)
		m.wg.Done()
	}
}

func (m *typingManager) Stop(to Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ind, exists := m.indicators[to]; exists {
		ind.cancel()
		delete(m.indicators, to)
	}
}

func (m *typingManager) StopAll() {
	m.mu.Lock()
	for to, ind := range m.indicators {
		ind.cancel()
		delete(m.indicators, to)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// forget drops ind once its task has ended, unless to was restarted since.
func (m *typingManager) forget(to Recipient, ind *indicator) {
	ind.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indicators[to] == ind {
		delete(m.indicators, to)
	}
}

func (m *typingManager) runIndicator(ctx context.Context, to Recipient) {
	m.send(ctx, to, false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), typingStopTimeout)
			m.send(stopCtx, to, true)
			cancel()
			return
		case <-ticker.C:
			m.send(ctx, to, false)
		}
	}
}

func (m *typingManager) send(ctx context.Context, to Recipient, stop bool) {
	if err := m.messenger.SendTypingIndicator(ctx, to, stop); err != nil && ctx.Err() == nil {
		m.logger.Debug("Failed to send typing indicator",
			zap.Stringer("recipient", to),
			zap.Bool("stop", stop),
			zap.Error(err))
	}
}
