package llm

import (
	"fmt"
	"strings"
	"testing"
)

func makeHistory(n int) []ChatMessage {
	out := make([]ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out = append(out, ChatMessage{Role: role, Content: fmt.Sprintf("msg-%d", i)})
	}
	return out
}

func TestBuildMessagesWindowsHistory(t *testing.T) {
	history := makeHistory(60)
	msgs := BuildMessages(history, "", DefaultContextWindow)

	if len(msgs) != DefaultContextWindow+1 {
		t.Fatalf("expected %d messages, got %d", DefaultContextWindow+1, len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Fatalf("expected system prompt first, got role %q", msgs[0].Role)
	}
	if msgs[1].Content != "msg-10" {
		t.Fatalf("expected window to start at msg-10, got %q", msgs[1].Content)
	}
	if msgs[len(msgs)-1].Content != "msg-59" {
		t.Fatalf("expected window to end at msg-59, got %q", msgs[len(msgs)-1].Content)
	}
}

func TestBuildMessagesShortHistoryKeptWhole(t *testing.T) {
	history := makeHistory(4)
	msgs := BuildMessages(history, "", DefaultContextWindow)
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs[1:] {
		if m.Content != history[i].Content {
			t.Fatalf("message %d: expected %q, got %q", i, history[i].Content, m.Content)
		}
	}
}

func TestBuildMessagesRAGPrompt(t *testing.T) {
	plain := BuildMessages(makeHistory(2), "", 0)
	withCtx := BuildMessages(makeHistory(2), "[1] Excerpt about pricing", 0)

	if strings.Contains(plain[0].Content, "Retrieved context") {
		t.Fatalf("plain prompt should not carry retrieved context")
	}
	if !strings.Contains(withCtx[0].Content, "[1] Excerpt about pricing") {
		t.Fatalf("rag prompt missing retrieved context: %q", withCtx[0].Content)
	}
	if !strings.Contains(withCtx[0].Content, "bracketed index") {
		t.Fatalf("rag prompt missing citation instructions")
	}
}

func TestBuildMessagesDoesNotMutateHistory(t *testing.T) {
	history := makeHistory(60)
	before := len(history)
	first := history[0].Content

	a := BuildMessages(history, "", 10)
	b := BuildMessages(history, "", 10)

	if len(history) != before || history[0].Content != first {
		t.Fatalf("history mutated by BuildMessages")
	}
	if len(a) != len(b) {
		t.Fatalf("same inputs produced different lengths: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same inputs produced different message at %d", i)
		}
	}
}
