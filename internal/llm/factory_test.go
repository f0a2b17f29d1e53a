package llm

import (
	"testing"

	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("development")
	if err != nil {
		tb.Fatalf("logger: %v", err)
	}
	return log
}

func TestNewClientFromEnvSelectsBackend(t *testing.T) {
	log := testLogger(t)

	t.Setenv("LLM_BACKEND", "openai")
	c, err := NewClientFromEnv(log)
	if err != nil {
		t.Fatalf("openai backend: %v", err)
	}
	if _, ok := c.(*openaiClient); !ok {
		t.Fatalf("expected openai client, got %T", c)
	}

	t.Setenv("LLM_BACKEND", "gemini")
	c, err = NewClientFromEnv(log)
	if err != nil {
		t.Fatalf("gemini backend: %v", err)
	}
	if _, ok := c.(*geminiClient); !ok {
		t.Fatalf("expected gemini client, got %T", c)
	}

	t.Setenv("LLM_BACKEND", "claude")
	if _, err := NewClientFromEnv(log); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestNewEmbedderFromEnvOverride(t *testing.T) {
	log := testLogger(t)

	t.Setenv("LLM_BACKEND", "gemini")
	t.Setenv("EMBED_BACKEND", "openai")
	e, err := NewEmbedderFromEnv(log)
	if err != nil {
		t.Fatalf("embedder: %v", err)
	}
	if _, ok := e.(*openaiClient); !ok {
		t.Fatalf("expected embed backend override, got %T", e)
	}
}
