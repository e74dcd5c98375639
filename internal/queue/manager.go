package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joshsymonds/conductor/internal/admission"
	"github.com/joshsymonds/conductor/internal/conversation"
	"github.com/joshsymonds/conductor/internal/replycache"
	"github.com/joshsymonds/conductor/internal/tasks"
)

const (
	// DefaultExecTimeout bounds one external process run.
	DefaultExecTimeout = 5 * time.Minute
	// DefaultDeliverTimeout bounds one ResultHandler call.
	DefaultDeliverTimeout = 30 * time.Second
)

// ManagerConfig wires the coordinator to its collaborators.
type ManagerConfig struct {
	Gate     *admission.Gate
	Registry *conversation.Registry
	Tracker  *tasks.Tracker
	Executor Executor
	Commands CommandBuilder
	Results  ResultHandler
	// Replies is optional; without it quoted messages carry no context.
	Replies  *replycache.Cache
	Observer Observer
	Logger   *zap.Logger
	Buffer   BufferConfig

	ExecTimeout    time.Duration
	DeliverTimeout time.Duration
}

// Status is the coordinator's view for monitoring.
type Status struct {
	ActiveSessions int `json:"active_sessions"`
	PendingBuffers int `json:"pending_buffers"`
	QueueDepth     int `json:"queue_depth"`
	InFlight       int `json:"in_flight"`
	Lanes          int `json:"lanes"`
	QueuedUnits    int `json:"queued_units"`
	Tasks          int `json:"tasks"`
}

// CancelResult reports what Cancel removed.
type CancelResult struct {
	DiscardedParts int `json:"discarded_parts"`
	DroppedUnits   int `json:"dropped_units"`
	CancelledTasks int `json:"cancelled_tasks"`
}

type timerFire struct {
	conversationID string
	generation     uint64
}

type laneDone struct {
	conversationID string
	unitID         string
}

type submission struct {
	resp chan error
	ev   InboundEvent
}

type cancelRequest struct {
	resp           chan CancelResult
	conversationID string
}

// Manager is the coordinator. One goroutine (Run) owns the buffers, the
// buffer timers and the lanes; everything else talks to it through channels.
type Manager struct {
	gate     *admission.Gate
	registry *conversation.Registry
	tracker  *tasks.Tracker
	worker   *worker
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	buffer *Buffer
	timers map[string]*time.Timer
	lanes  map[string]*ConversationQueue

	incomingCh chan submission
	timerCh    chan timerFire
	doneCh     chan laneDone
	cancelCh   chan cancelRequest
	statusCh   chan chan Status

	// closing is closed once Run starts shutting down. Submit registers in
	// senders under mu, so cleanup can wait out every hand-off in flight.
	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	senders sync.WaitGroup

	// stopped is closed when Run returns.
	stopped chan struct{}
	runOnce sync.Once
	// ctx is the context Run was started with; lane tasks derive from it.
	ctx context.Context
}

// NewManager validates the configuration and creates a coordinator. Call
// Run to start it.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Gate == nil:
		return nil, fmt.Errorf("queue manager: gate is required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("queue manager: registry is required")
	case cfg.Tracker == nil:
		return nil, fmt.Errorf("queue manager: tracker is required")
	case cfg.Executor == nil:
		return nil, fmt.Errorf("queue manager: executor is required")
	case cfg.Commands == nil:
		return nil, fmt.Errorf("queue manager: command builder is required")
	case cfg.Results == nil:
		return nil, fmt.Errorf("queue manager: result handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultDeliverTimeout
	}

	logger := cfg.Logger.Named("queue")
	m := &Manager{
		gate:       cfg.Gate,
		registry:   cfg.Registry,
		tracker:    cfg.Tracker,
		observer:   cfg.Observer,
		logger:     logger,
		now:        time.Now,
		buffer:     NewBuffer(cfg.Buffer),
		timers:     make(map[string]*time.Timer),
		lanes:      make(map[string]*ConversationQueue),
		incomingCh: make(chan submission),
		timerCh:    make(chan timerFire, 64),
		doneCh:     make(chan laneDone, 64),
		cancelCh:   make(chan cancelRequest),
		statusCh:   make(chan chan Status),
		closing:    make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	m.worker = &worker{
		gate:           cfg.Gate,
		registry:       cfg.Registry,
		executor:       cfg.Executor,
		commands:       cfg.Commands,
		results:        cfg.Results,
		replies:        cfg.Replies,
		observer:       cfg.Observer,
		logger:         logger.Named("worker"),
		execTimeout:    cfg.ExecTimeout,
		deliverTimeout: cfg.DeliverTimeout,
	}
	return m, nil
}

// Submit is the admission entrypoint. Duplicates and backpressure come back
// as *AdmissionError. An admitted event is handed to the coordinator and
// Submit waits for it to be buffered. ErrBufferOverflow means the event was
// accepted and forced an early flush; IsAccepted reports true for it.
func (m *Manager) Submit(ctx context.Context, ev InboundEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if ev.ArrivedAt.IsZero() {
		ev.ArrivedAt = m.now()
	}

	if !m.beginSubmit() {
		return ErrManagerClosed
	}
	defer m.senders.Done()

	verdict := m.gate.Accept(ev.DedupKey)
	m.observer.Admission(verdict.Kind)
	if verdict.Kind != admission.Admit {
		if verdict.Kind == admission.Rejected {
			m.logger.Warn("Event rejected",
				zap.String("conversation_id", ev.ConversationID),
				zap.String("dedup_key", ev.DedupKey),
				zap.Error(verdict.Reason))
		}
		return &AdmissionError{Verdict: verdict.Kind, Reason: verdict.Reason, DedupKey: ev.DedupKey}
	}

	sub := submission{ev: ev, resp: make(chan error, 1)}
	select {
	case m.incomingCh <- sub:
	case <-m.closing:
		m.gate.Forget(ev.DedupKey)
		return ErrManagerClosed
	case <-ctx.Done():
		m.gate.Forget(ev.DedupKey)
		return ctx.Err()
	}
	// The coordinator answers every submission it receives, including
	// the ones it refuses while stopping.
	return <-sub.resp
}

func (m *Manager) beginSubmit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.senders.Add(1)
	return true
}

// Run is the coordinator loop. It returns when ctx is cancelled; buffered
// events that were never flushed are discarded.
func (m *Manager) Run(ctx context.Context) error {
	first := false
	m.runOnce.Do(func() { first = true })
	if !first {
		return fmt.Errorf("queue manager already started")
	}

	m.ctx = ctx
	defer close(m.stopped)
	defer m.cleanup()

	m.logger.Info("Queue manager started",
		zap.Duration("window", m.buffer.Config().Window),
		zap.Duration("max_wait", m.buffer.Config().MaxWait),
		zap.Int("max_parts", m.buffer.Config().MaxParts))

	for {
		select {
		case <-ctx.Done():
			return nil

		case sub := <-m.incomingCh:
			sub.resp <- m.handleEvent(sub.ev)

		case fire := <-m.timerCh:
			m.handleTimer(fire)

		case done := <-m.doneCh:
			m.completeLane(done)

		case req := <-m.cancelCh:
			req.resp <- m.cancelConversation(req.conversationID)

		case resp := <-m.statusCh:
			resp <- m.status()
		}
		m.observer.BuffersOpen(m.buffer.Pending())
	}
}

func (m *Manager) handleEvent(ev InboundEvent) error {
	decision := m.buffer.Add(ev, m.now())

	if decision.Consumed {
		// Markers never become parts, so they leave the backlog here.
		m.gate.Done(1)
	}

	if decision.Unit != nil {
		m.stopTimer(ev.ConversationID)
		m.enqueue(decision.Unit)
		if decision.Unit.Reason == ReasonSize {
			return ErrBufferOverflow
		}
		return nil
	}
	if !decision.Deadline.IsZero() {
		m.armTimer(ev.ConversationID, decision.Deadline, decision.Generation)
	}
	return nil
}

func (m *Manager) handleTimer(fire timerFire) {
	if unit := m.buffer.Expire(fire.conversationID, fire.generation, m.now()); unit != nil {
		delete(m.timers, fire.conversationID)
		m.enqueue(unit)
		return
	}
	// A fire for the current window that arrived before its deadline
	// must not leave the buffer without a timer.
	deadline, gen, ok := m.buffer.Deadline(fire.conversationID)
	if ok && gen == fire.generation {
		m.armTimer(fire.conversationID, deadline, gen)
	}
}

func (m *Manager) armTimer(conversationID string, deadline time.Time, generation uint64) {
	m.stopTimer(conversationID)
	fire := timerFire{conversationID: conversationID, generation: generation}
	m.timers[conversationID] = time.AfterFunc(deadline.Sub(m.now()), func() {
		select {
		case m.timerCh <- fire:
		case <-m.stopped:
		}
	})
}

func (m *Manager) stopTimer(conversationID string) {
	if t, ok := m.timers[conversationID]; ok {
		t.Stop()
		delete(m.timers, conversationID)
	}
}

func (m *Manager) enqueue(unit *CombinedUnit) {
	m.observer.Flushed(unit.Reason, len(unit.Parts))
	m.logger.Debug("Buffer flushed",
		zap.String("conversation_id", unit.ConversationID),
		zap.String("unit_id", unit.ID),
		zap.Uint64("seq", unit.Seq),
		zap.Int("parts", len(unit.Parts)),
		zap.String("reason", string(unit.Reason)))

	lane, ok := m.lanes[unit.ConversationID]
	if !ok {
		lane = NewConversationQueue(unit.ConversationID)
		m.lanes[unit.ConversationID] = lane
	}
	if err := lane.Enqueue(unit); err != nil {
		m.logger.Error("Failed to enqueue unit", zap.String("unit_id", unit.ID), zap.Error(err))
		return
	}
	m.dispatch(unit.ConversationID)
}

// dispatch starts the lane's next unit if nothing is processing.
func (m *Manager) dispatch(conversationID string) {
	lane, ok := m.lanes[conversationID]
	if !ok {
		return
	}

	unit := lane.Dequeue()
	if unit == nil {
		if lane.Idle() {
			delete(m.lanes, conversationID)
		}
		return
	}

	_, err := m.tracker.Spawn(m.ctx, "dispatch", conversationID, func(ctx context.Context) error {
		defer m.notifyDone(conversationID, unit.ID)
		m.worker.process(ctx, unit)
		return nil
	})
	if err != nil {
		// The tracker is shutting down; settle the unit here.
		m.logger.Warn("Could not start unit",
			zap.String("conversation_id", conversationID),
			zap.String("unit_id", unit.ID),
			zap.Error(err))
		lane.Complete(unit.ID)
		m.worker.settle(m.ctx, unit, fmt.Errorf("%w: %w", ErrCancelled, err))
		m.dispatch(conversationID)
	}
}

func (m *Manager) notifyDone(conversationID, unitID string) {
	select {
	case m.doneCh <- laneDone{conversationID: conversationID, unitID: unitID}:
	case <-m.stopped:
	}
}

func (m *Manager) completeLane(done laneDone) {
	lane, ok := m.lanes[done.conversationID]
	if !ok {
		return
	}
	lane.Complete(done.unitID)
	m.dispatch(done.conversationID)
}

func (m *Manager) cancelConversation(conversationID string) CancelResult {
	var res CancelResult

	m.stopTimer(conversationID)
	res.DiscardedParts = m.buffer.Discard(conversationID)
	m.gate.Done(res.DiscardedParts)

	// Queued units stay in the lane so their cancelled results are still
	// delivered in flush order, after the running unit's.
	if lane, ok := m.lanes[conversationID]; ok {
		for _, unit := range lane.Queued() {
			if unit.cancelErr == nil {
				unit.cancelErr = ErrCancelled
				res.DroppedUnits++
			}
		}
	}

	res.CancelledTasks = m.tracker.CancelConversation(conversationID)
	m.logger.Info("Conversation cancelled",
		zap.String("conversation_id", conversationID),
		zap.Int("discarded_parts", res.DiscardedParts),
		zap.Int("dropped_units", res.DroppedUnits),
		zap.Int("cancelled_tasks", res.CancelledTasks))
	return res
}

func (m *Manager) status() Status {
	st := Status{
		ActiveSessions: m.registry.ActiveCount(),
		PendingBuffers: m.buffer.Pending(),
		QueueDepth:     m.gate.QueueDepth(),
		InFlight:       m.gate.InFlight(),
		Lanes:          len(m.lanes),
		Tasks:          m.tracker.Len(),
	}
	for _, lane := range m.lanes {
		st.QueuedUnits += lane.Size()
	}
	return st
}

// Cancel discards the conversation's open buffer, drops its queued units
// and cancels its running unit, whose process is then terminated.
func (m *Manager) Cancel(ctx context.Context, conversationID string) (CancelResult, error) {
	if conversationID == "" {
		return CancelResult{}, errors.New("conversation id is required")
	}
	req := cancelRequest{conversationID: conversationID, resp: make(chan CancelResult, 1)}
	select {
	case m.cancelCh <- req:
	case <-m.stopped:
		return CancelResult{}, ErrManagerClosed
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res, nil
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
}

// Status returns a snapshot taken by the coordinator goroutine.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	resp := make(chan Status, 1)
	select {
	case m.statusCh <- resp:
	case <-m.stopped:
		return Status{}, ErrManagerClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-resp:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.stopped
}

// cleanup runs on the coordinator goroutine as Run exits.
func (m *Manager) cleanup() {
	refused := m.refuseSubmissions()

	for conv, t := range m.timers {
		t.Stop()
		delete(m.timers, conv)
	}
	discarded := m.buffer.DiscardAll()
	m.gate.Done(discarded)

	dropped := 0
	for conv, lane := range m.lanes {
		for _, unit := range lane.Drain() {
			cause := unit.cancelErr
			if cause == nil {
				cause = ErrManagerClosed
			}
			m.worker.settle(context.Background(), unit, cause)
			dropped++
		}
		delete(m.lanes, conv)
	}
	m.observer.BuffersOpen(0)
	m.logger.Info("Queue manager stopped",
		zap.Int("discarded_parts", discarded),
		zap.Int("dropped_units", dropped),
		zap.Int("refused_events", refused))
}

// refuseSubmissions stops new Submit calls and answers ErrManagerClosed to
// every hand-off still in progress. Refused events are forgotten by the
// gate, so a redelivery after restart is admitted again.
func (m *Manager) refuseSubmissions() int {
	m.mu.Lock()
	m.closed = true
	close(m.closing)
	m.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		m.senders.Wait()
		close(idle)
	}()

	refused := 0
	for {
		select {
		case sub := <-m.incomingCh:
			m.gate.Forget(sub.ev.DedupKey)
			sub.resp <- ErrManagerClosed
			refused++
		case <-idle:
			return refused
		}
	}
}
