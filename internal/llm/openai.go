package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/minare/tokenchat-backend/internal/pkg/ctxutil"
	"github.com/minare/tokenchat-backend/internal/pkg/envutil"
	"github.com/minare/tokenchat-backend/internal/pkg/httpx"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

// openaiClient speaks the raw line-delimited streaming protocol over plain
// HTTP: each event line carries a JSON object with a nested delta-content
// field, terminated by a literal [DONE] sentinel. Malformed lines are
// skipped, not fatal.
type openaiClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	httpClient *http.Client
}

func newOpenAIClient(log *logger.Logger) *openaiClient {
	timeoutSec := envutil.Int("LLM_REQUEST_TIMEOUT_SECONDS", 300)
	return &openaiClient{
		log:        log.With("component", "OpenAIClient"),
		baseURL:    strings.TrimRight(envutil.String("OPENAI_BASE_URL", "https://api.openai.com"), "/"),
		apiKey:     strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		model:      envutil.String("OPENAI_MODEL", "gpt-4o-mini"),
		embedModel: envutil.String("OPENAI_EMBED_MODEL", "text-embedding-3-small"),
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSec) * time.Second,
		},
	}
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openaiClient) StartCompletion(ctx context.Context, messages []ChatMessage) (*Stream, error) {
	if c.apiKey == "" {
		return nil, &ConfigError{Backend: BackendOpenAI, Setting: "OPENAI_API_KEY"}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to complete")
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(chatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	}); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectError{Backend: BackendOpenAI, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	st := newStream()
	go func() {
		defer resp.Body.Close()
		text, decodeErr := decodeChatStream(ctx, resp.Body, func(delta string) error {
			if !st.emit(ctx, Chunk{Content: delta}) {
				return ctx.Err()
			}
			return nil
		})
		if decodeErr == nil && text == "" {
			decodeErr = ErrEmptyResponse
		}
		if decodeErr == nil {
			c.log.Info("completion stream finished",
				"backend", BackendOpenAI,
				"model", c.model,
				"response_chars", len(text),
			)
		}
		st.finish(text, decodeErr)
	}()
	return st, nil
}

// decodeChatStream consumes the raw line protocol until the [DONE] sentinel,
// forwarding each delta and returning the accumulated text. Malformed lines
// are skipped; an embedded error object, a transport failure, or EOF before
// the sentinel terminates the stream with an error instead of silently
// truncating the answer.
func decodeChatStream(ctx context.Context, r io.Reader, onDelta func(delta string) error) (string, error) {
	var (
		lb   LineBuffer
		full strings.Builder
		buf  = make([]byte, 4096)
	)

	handleLine := func(line string) (done bool, err error) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			return false, nil
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			return false, nil
		}
		if payload == "[DONE]" {
			return true, nil
		}
		var ev chatStreamEvent
		if jsonErr := json.Unmarshal([]byte(payload), &ev); jsonErr != nil {
			// Not fatal; providers interleave keep-alives and garbage.
			return false, nil
		}
		if ev.Error != nil {
			return true, &StreamError{Err: errors.New(ev.Error.Message)}
		}
		for _, choice := range ev.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			if err := onDelta(choice.Delta.Content); err != nil {
				return true, err
			}
		}
		return false, nil
	}

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			for _, line := range lb.Feed(buf[:n]) {
				done, err := handleLine(line)
				if err != nil {
					return full.String(), err
				}
				if done {
					return full.String(), nil
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if rest, ok := lb.Flush(); ok {
					done, err := handleLine(rest)
					if err != nil {
						return full.String(), err
					}
					if done {
						return full.String(), nil
					}
				}
				if ctx.Err() != nil {
					return full.String(), ctx.Err()
				}
				// EOF without the sentinel means the connection dropped
				// mid-answer. Whatever accumulated is incomplete and must
				// not be saved as a finished response.
				if full.Len() == 0 {
					return "", ErrEmptyResponse
				}
				return full.String(), &StreamError{Err: errors.New("stream ended before completion sentinel")}
			}
			if ctx.Err() != nil {
				return full.String(), ctx.Err()
			}
			return full.String(), &StreamError{Err: readErr}
		}
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

const (
	embedMaxRetries = 2
	embedRetryBase  = 500 * time.Millisecond
	embedRetryMax   = 5 * time.Second
)

func (c *openaiClient) postEmbeddings(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectError{Backend: BackendOpenAI, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, nil
}

func (c *openaiClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if c.apiKey == "" {
		return nil, &ConfigError{Backend: BackendOpenAI, Setting: "OPENAI_API_KEY"}
	}
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	body, err := json.Marshal(embeddingRequest{Model: c.embedModel, Input: inputs})
	if err != nil {
		return nil, err
	}

	var out embeddingResponse
	for attempt := 0; ; attempt++ {
		resp, err := c.postEmbeddings(ctx, body)
		if err != nil {
			if attempt < embedMaxRetries && httpx.IsRetryableError(err) {
				select {
				case <-time.After(httpx.RetryAfterDuration(nil, embedRetryBase<<attempt, embedRetryMax)):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, err
		}
		func() {
			defer resp.Body.Close()
			err = json.NewDecoder(resp.Body).Decode(&out)
		}()
		if err != nil {
			return nil, fmt.Errorf("decode embedding response: %w", err)
		}
		break
	}
	vectors := make([][]float32, 0, len(out.Data))
	for _, d := range out.Data {
		vectors = append(vectors, d.Embedding)
	}
	if len(vectors) != len(inputs) {
		return nil, fmt.Errorf("embedding count mismatch: want %d, got %d", len(inputs), len(vectors))
	}
	return vectors, nil
}
