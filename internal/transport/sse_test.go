package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minare/tokenchat-backend/internal/pkg/logger"
	apperrors "github.com/minare/tokenchat-backend/internal/pkg/errors"
	"github.com/minare/tokenchat-backend/internal/requestdata"
	"github.com/minare/tokenchat-backend/internal/services"
)

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("development")
	if err != nil {
		tb.Fatalf("logger: %v", err)
	}
	return log
}

// scriptedTurn drives the notifier with a fixed event sequence.
type scriptedTurn struct {
	script func(in services.TurnInput, notify services.TurnNotifier) error
	got    services.TurnInput
}

func (s *scriptedTurn) Run(_ context.Context, in services.TurnInput, notify services.TurnNotifier) error {
	s.got = in
	return s.script(in, notify)
}

func sseRequestContext(t *testing.T, body string) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rd := &requestdata.RequestData{UserID: uuid.New(), Email: "a@b.test"}
	req = req.WithContext(requestdata.WithRequestData(req.Context(), rd))
	c.Request = req
	return w, c
}

func TestSSEHappyPathFraming(t *testing.T) {
	convID := uuid.New()
	turn := &scriptedTurn{script: func(in services.TurnInput, n services.TurnNotifier) error {
		n.ConversationCreated(convID, "Hello")
		n.TokenConsumed(0)
		n.StreamChunk("4")
		n.StreamChunk("!")
		n.StreamDone(true)
		return nil
	}}

	w, c := sseRequestContext(t, `{"content":"Hello, what is 2+2?"}`)
	NewSSEHandler(testLogger(t), turn).Handle(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Conversation-Id"); got != convID.String() {
		t.Fatalf("X-Conversation-Id = %q", got)
	}
	if got := w.Header().Get("X-Token-Balance"); got != "0" {
		t.Fatalf("X-Token-Balance = %q", got)
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}

	lines := nonEmptyLines(w.Body.String())
	want := []string{
		`data: {"content":"4"}`,
		`data: {"content":"!"}`,
		`data: {"saved":true,"type":"done"}`,
		`data: [DONE]`,
	}
	if len(lines) != len(want) {
		t.Fatalf("line count mismatch:\n%v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d:\n got %q\nwant %q", i, lines[i], want[i])
		}
	}
}

func TestSSEErrorBeforeStreamIsPlainJSON(t *testing.T) {
	turn := &scriptedTurn{script: func(services.TurnInput, services.TurnNotifier) error {
		return apperrors.ErrInsufficientTokens
	}}

	w, c := sseRequestContext(t, `{"content":"hello"}`)
	NewSSEHandler(testLogger(t), turn).Handle(c)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "insufficient_tokens") {
		t.Fatalf("expected error code in body, got %q", w.Body.String())
	}
}

func TestSSEStreamFailureFraming(t *testing.T) {
	turn := &scriptedTurn{script: func(in services.TurnInput, n services.TurnNotifier) error {
		n.TokenConsumed(4)
		n.StreamChunk("par")
		n.StreamError("The assistant could not complete your message. Your token has been returned.")
		n.TokenRefunded("1 token refunded")
		return nil
	}}

	w, c := sseRequestContext(t, `{"content":"hello"}`)
	NewSSEHandler(testLogger(t), turn).Handle(c)

	body := w.Body.String()
	if !strings.Contains(body, `"type":"error"`) {
		t.Fatalf("missing error line: %q", body)
	}
	if !strings.Contains(body, `"type":"refund"`) {
		t.Fatalf("missing refund line: %q", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Fatalf("missing terminator: %q", body)
	}
}

func TestSSERejectsInvalidPayload(t *testing.T) {
	turn := &scriptedTurn{script: func(services.TurnInput, services.TurnNotifier) error {
		t.Fatal("turn must not run")
		return nil
	}}
	w, c := sseRequestContext(t, `{not json`)
	NewSSEHandler(testLogger(t), turn).Handle(c)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSSEPassesConversationID(t *testing.T) {
	convID := uuid.New()
	turn := &scriptedTurn{script: func(in services.TurnInput, n services.TurnNotifier) error {
		n.TokenConsumed(1)
		n.StreamChunk("ok")
		n.StreamDone(true)
		return nil
	}}
	w, c := sseRequestContext(t, `{"content":"hi","conversationId":"`+convID.String()+`"}`)
	NewSSEHandler(testLogger(t), turn).Handle(c)

	if turn.got.ConversationID == nil || *turn.got.ConversationID != convID {
		t.Fatalf("conversation id not forwarded: %+v", turn.got)
	}
	if got := w.Header().Get("X-Conversation-Id"); got != convID.String() {
		t.Fatalf("X-Conversation-Id = %q", got)
	}
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
