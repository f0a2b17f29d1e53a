package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/minare/tokenchat-backend/internal/pkg/apierr"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
	"github.com/minare/tokenchat-backend/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxInboundSize = 64 * 1024
)

// WSHandler owns the persistent chat connection: authenticate once at
// connect time, then a read loop dispatching send_message and abort_stream,
// with orchestrator events pushed back as named envelopes.
type WSHandler struct {
	log      *logger.Logger
	auth     services.AuthService
	turn     services.TurnService
	active   *services.ActiveStreams
	upgrader websocket.Upgrader
}

func NewWSHandler(log *logger.Logger, auth services.AuthService, turn services.TurnService, active *services.ActiveStreams) *WSHandler {
	return &WSHandler{
		log:    log.With("handler", "WSHandler"),
		auth:   auth,
		turn:   turn,
		active: active,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// wsConn serializes writes; the turn goroutine and the ping ticker both
// push frames.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (h *WSHandler) Handle(c *gin.Context) {
	token := bearerFromRequest(c)
	rd, err := h.auth.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	connID := uuid.NewString()
	conn := &wsConn{conn: raw}
	h.log.Info("websocket connected", "conn_id", connID, "user_id", rd.UserID)

	defer func() {
		// Disconnect implies abort of any in-flight turn.
		h.active.Abort(connID)
		_ = raw.Close()
		h.log.Info("websocket disconnected", "conn_id", connID)
	}()

	raw.SetReadLimit(maxInboundSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	notifier := &wsNotifier{conn: conn}
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", "conn_id", connID, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.writeError(conn, apierr.New(http.StatusBadRequest, apierr.CodeInvalidPayload, err))
			continue
		}

		switch env.Event {
		case EventSendMessage:
			h.handleSend(connID, rd.UserID, env, conn, notifier)
		case EventAbortStream:
			h.active.Abort(connID)
		default:
			h.writeError(conn, apierr.New(http.StatusBadRequest, apierr.CodeInvalidPayload, nil))
		}
	}
}

func (h *WSHandler) handleSend(connID string, userID uuid.UUID, env Envelope, conn *wsConn, notifier *wsNotifier) {
	payloadRaw, err := json.Marshal(env.Data)
	if err != nil {
		h.writeError(conn, apierr.New(http.StatusBadRequest, apierr.CodeInvalidPayload, err))
		return
	}
	var payload SendMessagePayload
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		h.writeError(conn, apierr.New(http.StatusBadRequest, apierr.CodeInvalidPayload, err))
		return
	}

	in := services.TurnInput{
		ConnID:  connID,
		UserID:  userID,
		Content: payload.Content,
	}
	if payload.ConversationID != "" {
		convID, parseErr := uuid.Parse(payload.ConversationID)
		if parseErr != nil {
			h.writeError(conn, apierr.New(http.StatusBadRequest, apierr.CodeInvalidPayload, parseErr))
			return
		}
		in.ConversationID = &convID
	}

	// The turn runs off the read loop so abort_stream stays readable while
	// streaming. The connection's context is deliberately not the request
	// context: a disconnect aborts via the handle, not by poisoning
	// persistence mid-write.
	go func() {
		if runErr := h.turn.Run(context.Background(), in, notifier); runErr != nil {
			h.writeError(conn, apierr.FromError(runErr))
		}
	}()
}

func (h *WSHandler) writeError(conn *wsConn, ae *apierr.Error) {
	_ = conn.writeJSON(Envelope{Event: EventError, Data: ErrorPayload{
		Code:    ae.Code,
		Message: publicMessage(ae),
	}})
}

// wsNotifier maps orchestrator events 1:1 onto outbound envelopes. Write
// failures are swallowed: a dead connection ends the turn via the abort
// handle, not via notifier errors.
type wsNotifier struct {
	conn *wsConn
}

func (n *wsNotifier) ConversationCreated(conversationID uuid.UUID, title string) {
	_ = n.conn.writeJSON(Envelope{Event: EventConversationCreated, Data: ConversationCreatedPayload{
		ConversationID: conversationID.String(),
		Title:          title,
	}})
}

func (n *wsNotifier) TokenConsumed(remaining int64) {
	_ = n.conn.writeJSON(Envelope{Event: EventTokenConsumed, Data: TokenConsumedPayload{RemainingBalance: remaining}})
}

func (n *wsNotifier) Sources(sources []services.SourceRef) {
	_ = n.conn.writeJSON(Envelope{Event: EventSources, Data: SourcesPayload{Sources: sources}})
}

func (n *wsNotifier) StreamChunk(content string) {
	_ = n.conn.writeJSON(Envelope{Event: EventStreamChunk, Data: StreamChunkPayload{Content: content}})
}

func (n *wsNotifier) StreamDone(saved bool) {
	_ = n.conn.writeJSON(Envelope{Event: EventStreamDone, Data: StreamDonePayload{Saved: saved}})
}

func (n *wsNotifier) StreamError(message string) {
	_ = n.conn.writeJSON(Envelope{Event: EventStreamError, Data: StreamErrorPayload{Message: message}})
}

func (n *wsNotifier) TokenRefunded(message string) {
	_ = n.conn.writeJSON(Envelope{Event: EventTokenRefunded, Data: TokenRefundedPayload{Message: message}})
}

// bearerFromRequest accepts the Authorization header or, for browser
// websocket clients that cannot set headers, a token query parameter.
func bearerFromRequest(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}

func publicMessage(ae *apierr.Error) string {
	switch ae.Code {
	case apierr.CodeInsufficientTokens:
		return "You are out of tokens."
	case apierr.CodeInvalidPayload:
		if ae.Err != nil {
			return ae.Err.Error()
		}
		return "Invalid payload."
	case apierr.CodeNotFound:
		return "Not found."
	case apierr.CodeAccessDenied:
		return "Access denied."
	case apierr.CodeUnauthorized:
		return "Unauthorized."
	default:
		return "Something went wrong."
	}
}
