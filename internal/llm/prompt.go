package llm

import (
	"fmt"

	types "github.com/minare/tokenchat-backend/internal/domain"
)

// DefaultContextWindow is the number of trailing history messages sent to
// the model when no explicit window is configured.
const DefaultContextWindow = 50

const plainSystemPrompt = "You are a helpful assistant. Answer the user's questions clearly and concisely."

const ragSystemPromptFormat = `You are a helpful assistant. Use the following retrieved document excerpts to answer the user's question. When you rely on an excerpt, cite it with its bracketed index, e.g. [1]. If the excerpts do not contain the answer, say so instead of inventing one.

Retrieved context:
%s`

// BuildMessages assembles the model input: a system prompt followed by the
// last `window` history messages in original order. When ragContext is
// non-empty the system prompt embeds it and instructs the model to cite
// sources by bracketed index; otherwise the plain prompt is used.
//
// Pure: no I/O, no mutation of history, identical inputs yield identical
// output.
func BuildMessages(history []ChatMessage, ragContext string, window int) []ChatMessage {
	if window <= 0 {
		window = DefaultContextWindow
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}

	system := plainSystemPrompt
	if ragContext != "" {
		system = fmt.Sprintf(ragSystemPromptFormat, ragContext)
	}

	out := make([]ChatMessage, 0, len(history)+1)
	out = append(out, ChatMessage{Role: "system", Content: system})
	out = append(out, history...)
	return out
}

// HistoryFromMessages converts stored conversation rows into model input
// pairs, preserving order.
func HistoryFromMessages(msgs []*types.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
