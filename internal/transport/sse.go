package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minare/tokenchat-backend/internal/pkg/apierr"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
	"github.com/minare/tokenchat-backend/internal/requestdata"
	"github.com/minare/tokenchat-backend/internal/services"
)

// SSEHandler is the HTTP fallback: one POST, one response body streaming
// data:-framed JSON lines until the [DONE] sentinel. The resolved
// conversation id and post-debit balance ride on response headers because
// this mode has no out-of-band event channel. Client abort is implicit
// through request context cancellation.
const sseKeepalivePeriod = 15 * time.Second

type SSEHandler struct {
	log  *logger.Logger
	turn services.TurnService
}

func NewSSEHandler(log *logger.Logger, turn services.TurnService) *SSEHandler {
	return &SSEHandler{
		log:  log.With("handler", "SSEHandler"),
		turn: turn,
	}
}

type sseRequest struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId,omitempty"`
}

func (h *SSEHandler) Handle(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req sseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	in := services.TurnInput{
		ConnID:  "sse-" + uuid.NewString(),
		UserID:  rd.UserID,
		Content: req.Content,
	}
	if req.ConversationID != "" {
		convID, err := uuid.Parse(req.ConversationID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid conversationId"})
			return
		}
		in.ConversationID = &convID
		c.Header("X-Conversation-Id", convID.String())
	}

	notifier := &sseNotifier{c: c}

	// Keepalive comments hold intermediaries open across silent stretches
	// of generation. They only flow once the response body has started.
	stopKeepalive := make(chan struct{})
	defer close(stopKeepalive)
	go func() {
		ticker := time.NewTicker(sseKeepalivePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				notifier.keepalive()
			case <-stopKeepalive:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}()

	// The request context carries the implicit abort: the orchestrator sees
	// a cancellation when the client drops the request.
	if err := h.turn.Run(c.Request.Context(), in, notifier); err != nil {
		ae := apierr.FromError(err)
		if notifier.hasStarted() {
			notifier.writeLine(map[string]any{"type": "error", "message": publicMessage(ae)})
			notifier.terminate()
			return
		}
		c.AbortWithStatusJSON(ae.Status, gin.H{"error": publicMessage(ae), "code": ae.Code})
		return
	}
	notifier.terminate()
}

// sseNotifier renders orchestrator events as data: lines. Headers are
// written on the first body line, so the header-borne conversation id and
// balance must be set before any chunk arrives; the orchestrator guarantees
// that ordering.
type sseNotifier struct {
	c       *gin.Context
	mu      sync.Mutex
	started bool
}

// startLocked writes the stream headers once. Callers hold mu.
func (n *sseNotifier) startLocked() {
	if n.started {
		return
	}
	n.started = true
	n.c.Header("Content-Type", "text/event-stream")
	n.c.Header("Cache-Control", "no-cache")
	n.c.Header("Connection", "keep-alive")
	n.c.Header("X-Accel-Buffering", "no")
	n.c.Writer.WriteHeader(http.StatusOK)
}

func (n *sseNotifier) writeLine(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.startLocked()
	fmt.Fprintf(n.c.Writer, "data: %s\n\n", payload)
	n.c.Writer.Flush()
}

func (n *sseNotifier) terminate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.startLocked()
	fmt.Fprint(n.c.Writer, "data: [DONE]\n\n")
	n.c.Writer.Flush()
}

func (n *sseNotifier) keepalive() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return
	}
	fmt.Fprint(n.c.Writer, ": ping\n\n")
	n.c.Writer.Flush()
}

func (n *sseNotifier) hasStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

func (n *sseNotifier) ConversationCreated(conversationID uuid.UUID, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		n.c.Header("X-Conversation-Id", conversationID.String())
	}
}

func (n *sseNotifier) TokenConsumed(remaining int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		n.c.Header("X-Token-Balance", fmt.Sprintf("%d", remaining))
	}
}

func (n *sseNotifier) Sources(sources []services.SourceRef) {
	n.writeLine(map[string]any{"type": "sources", "sources": sources})
}

func (n *sseNotifier) StreamChunk(content string) {
	n.writeLine(map[string]any{"content": content})
}

func (n *sseNotifier) StreamDone(saved bool) {
	n.writeLine(map[string]any{"type": "done", "saved": saved})
}

func (n *sseNotifier) StreamError(message string) {
	n.writeLine(map[string]any{"type": "error", "message": message})
}

func (n *sseNotifier) TokenRefunded(message string) {
	n.writeLine(map[string]any{"type": "refund", "message": message})
}
