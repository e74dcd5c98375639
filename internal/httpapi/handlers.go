package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joshsymonds/conductor/internal/queue"
)

const requestTimeout = 5 * time.Second

type errorResponse struct {
	Error string `json:"error"`
}

// EventRequest is the body of POST /v1/events.
type EventRequest struct {
	ConversationID string            `json:"conversation_id" binding:"required"`
	DedupKey       string            `json:"dedup_key" binding:"required"`
	SenderID       string            `json:"sender_id"`
	Kind           queue.PayloadKind `json:"kind"`
	Content        string            `json:"content"`
	MediaRef       string            `json:"media_ref"`
	ReplyToID      string            `json:"reply_to_id"`
}

// EventResponse reports how an event was admitted.
type EventResponse struct {
	Status   string `json:"status"`
	DedupKey string `json:"dedup_key"`
}

// ResetResponse is the body of DELETE /v1/sessions/:conversation.
type ResetResponse struct {
	ConversationID string             `json:"conversation_id"`
	Cancelled      queue.CancelResult `json:"cancelled"`
	SessionReset   bool               `json:"session_reset"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.cfg.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	err := s.pipeline.Submit(ctx, queue.InboundEvent{
		ArrivedAt:      time.Now(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Kind:           req.Kind,
		Content:        req.Content,
		MediaRef:       req.MediaRef,
		DedupKey:       req.DedupKey,
		ReplyToID:      req.ReplyToID,
	})

	var admissionErr *queue.AdmissionError
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, EventResponse{Status: "accepted", DedupKey: req.DedupKey})
	case errors.Is(err, queue.ErrBufferOverflow):
		c.JSON(http.StatusAccepted, EventResponse{Status: "flushed", DedupKey: req.DedupKey})
	case queue.IsDuplicate(err):
		c.JSON(http.StatusOK, EventResponse{Status: "duplicate", DedupKey: req.DedupKey})
	case queue.IsBackpressure(err):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusTooManyRequests, errorResponse{Error: err.Error()})
	case errors.As(err, &admissionErr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, queue.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "timed out handing event to the coordinator"})
	default:
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	st, err := s.pipeline.Status(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.Snapshot()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	conv := c.Param("conversation")
	st, ok := s.sessions.Status(conv)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no session for conversation " + conv})
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleResetSession cancels the conversation's pending and running work,
// then forgets its session so the next message starts fresh.
func (s *Server) handleResetSession(c *gin.Context) {
	conv := c.Param("conversation")

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	cancelled, err := s.pipeline.Cancel(ctx, conv)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ResetResponse{
		ConversationID: conv,
		Cancelled:      cancelled,
		SessionReset:   s.sessions.Reset(conv),
	})
}
