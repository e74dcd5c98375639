package tasks

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// PanicHandler decides what happens after a task panics.
type PanicHandler interface {
	// HandlePanic is called with the recovered value and the stack of the
	// panicking goroutine.
	HandlePanic(info TaskInfo, panicValue any, stackTrace []byte)
}

// LogPanicHandler logs panics with their stack trace.
type LogPanicHandler struct {
	logger *zap.Logger
}

// NewLogPanicHandler returns the default panic handler.
func NewLogPanicHandler(logger *zap.Logger) *LogPanicHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPanicHandler{logger: logger}
}

// HandlePanic logs the panic.
func (h *LogPanicHandler) HandlePanic(info TaskInfo, panicValue any, stackTrace []byte) {
	h.logger.Error("PANIC in task",
		zap.String("task_id", info.ID),
		zap.String("task", info.Name),
		zap.String("conversation_id", info.ConversationID),
		zap.Any("panic", panicValue),
		zap.ByteString("stack_trace", stackTrace))
}

// MetricsPanicHandler calls onPanic and then delegates to the wrapped handler.
type MetricsPanicHandler struct {
	wrapped PanicHandler
	onPanic func(info TaskInfo, panicValue any)
}

// NewMetricsPanicHandler wraps another handler to add metrics tracking.
func NewMetricsPanicHandler(wrapped PanicHandler, onPanic func(TaskInfo, any)) *MetricsPanicHandler {
	return &MetricsPanicHandler{
		wrapped: wrapped,
		onPanic: onPanic,
	}
}

// HandlePanic implements PanicHandler.
func (h *MetricsPanicHandler) HandlePanic(info TaskInfo, panicValue any, stackTrace []byte) {
	if h.onPanic != nil {
		h.onPanic(info, panicValue)
	}
	if h.wrapped != nil {
		h.wrapped.HandlePanic(info, panicValue, stackTrace)
	}
}

func handleRecoveredPanic(info TaskInfo, panicValue any, handler PanicHandler) {
	handler.HandlePanic(info, panicValue, debug.Stack())
}
