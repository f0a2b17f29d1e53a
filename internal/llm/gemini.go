package llm

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/minare/tokenchat-backend/internal/pkg/ctxutil"
	"github.com/minare/tokenchat-backend/internal/pkg/envutil"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

const geminiRoleModel = "model"

// geminiClient streams completions through the official SDK instead of a
// hand-rolled wire protocol. The SDK client is created lazily so a missing
// key surfaces as a ConfigError at first use, same as the other backend.
type geminiClient struct {
	log        *logger.Logger
	apiKey     string
	model      string
	embedModel string

	mu     sync.Mutex
	client *genai.Client
}

func newGeminiClient(log *logger.Logger) *geminiClient {
	return &geminiClient{
		log:        log.With("component", "GeminiClient"),
		apiKey:     strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		model:      envutil.String("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		embedModel: envutil.String("GEMINI_EMBED_MODEL", "text-embedding-004"),
	}
}

func (c *geminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	if c.apiKey == "" {
		return nil, &ConfigError{Backend: BackendGemini, Setting: "GEMINI_API_KEY"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, &ConnectError{Backend: BackendGemini, Err: err}
	}
	c.client = client
	return client, nil
}

func (c *geminiClient) StartCompletion(ctx context.Context, messages []ChatMessage) (*Stream, error) {
	ctx = ctxutil.Default(ctx)
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}

	model := client.GenerativeModel(c.model)

	// System messages become the model's system instruction; the rest map
	// onto the SDK's user/model role pair.
	var history []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(m.Content)},
			}
		case "assistant":
			history = append(history, &genai.Content{
				Role:  geminiRoleModel,
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		default:
			history = append(history, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}
	}
	if len(history) == 0 {
		return nil, ErrEmptyResponse
	}

	last := history[len(history)-1]
	session := model.StartChat()
	session.History = history[:len(history)-1]

	st := newStream()
	go func() {
		var full strings.Builder
		iter := session.SendMessageStream(ctx, last.Parts...)
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					st.finish(full.String(), ctx.Err())
					return
				}
				st.finish(full.String(), &StreamError{Err: err})
				return
			}
			delta := textFromResponse(resp)
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			if !st.emit(ctx, Chunk{Content: delta}) {
				st.finish(full.String(), ctx.Err())
				return
			}
		}
		if full.Len() == 0 {
			st.finish("", ErrEmptyResponse)
			return
		}
		c.log.Info("completion stream finished",
			"backend", BackendGemini,
			"model", c.model,
			"response_chars", full.Len(),
		)
		st.finish(full.String(), nil)
	}()
	return st, nil
}

func textFromResponse(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				sb.WriteString(string(txt))
			}
		}
	}
	return sb.String()
}

func (c *geminiClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	ctx = ctxutil.Default(ctx)
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}

	em := client.EmbeddingModel(c.embedModel)
	batch := em.NewBatch()
	for _, in := range inputs {
		batch.AddContent(genai.Text(in))
	}
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, &StreamError{Err: err}
	}
	vectors := make([][]float32, 0, len(res.Embeddings))
	for _, e := range res.Embeddings {
		vectors = append(vectors, e.Values)
	}
	return vectors, nil
}
