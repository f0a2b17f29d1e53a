package llm

import (
	"fmt"

	"github.com/minare/tokenchat-backend/internal/pkg/envutil"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

// NewClientFromEnv selects the completion backend from LLM_BACKEND.
// Credentials are checked lazily at first use, not here.
func NewClientFromEnv(log *logger.Logger) (Client, error) {
	backend := envutil.String("LLM_BACKEND", BackendOpenAI)
	switch backend {
	case BackendOpenAI:
		return newOpenAIClient(log), nil
	case BackendGemini:
		return newGeminiClient(log), nil
	default:
		return nil, fmt.Errorf("unknown LLM_BACKEND %q", backend)
	}
}

// NewEmbedderFromEnv selects the embedding backend. It follows LLM_BACKEND
// unless EMBED_BACKEND overrides it, so retrieval can embed with a different
// provider than the one generating answers.
func NewEmbedderFromEnv(log *logger.Logger) (Embedder, error) {
	backend := envutil.String("EMBED_BACKEND", envutil.String("LLM_BACKEND", BackendOpenAI))
	switch backend {
	case BackendOpenAI:
		return newOpenAIClient(log), nil
	case BackendGemini:
		return newGeminiClient(log), nil
	default:
		return nil, fmt.Errorf("unknown EMBED_BACKEND %q", backend)
	}
}
