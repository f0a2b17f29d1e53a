package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minare/tokenchat-backend/internal/pkg/ctxutil"
	"github.com/minare/tokenchat-backend/internal/pkg/envutil"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

const (
	payloadTitleKey   = "title"
	payloadSourceKey  = "source"
	payloadContentKey = "content"

	maxErrorBodyBytes = 1024
)

// qdrantStore searches a Qdrant collection over its HTTP API. Responses use
// the standard result/status envelope; a non-ok status is an error even on
// HTTP 200.
type qdrantStore struct {
	log        *logger.Logger
	baseURL    string
	collection string
	apiKey     string
	http       *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type qdrantSearchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

// NewQdrantStore builds the store from QDRANT_URL, QDRANT_COLLECTION and
// optional QDRANT_API_KEY. It does not probe the collection; retrieval is
// best-effort so a dead store should fail per-query, not at boot.
func NewQdrantStore(log *logger.Logger) (VectorStore, error) {
	url := strings.TrimSpace(envutil.String("QDRANT_URL", ""))
	if url == "" {
		return nil, fmt.Errorf("QDRANT_URL is required when retrieval is enabled")
	}
	return &qdrantStore{
		log:        log.With("service", "QdrantStore"),
		baseURL:    strings.TrimRight(url, "/"),
		collection: envutil.String("QDRANT_COLLECTION", "documents"),
		apiKey:     strings.TrimSpace(envutil.String("QDRANT_API_KEY", "")),
		http:       &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *qdrantStore) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector required")
	}
	if topK <= 0 {
		topK = 5
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
	}
	var items []qdrantSearchResultItem
	path := "/collections/" + s.collection + "/points/search"
	if err := s.doJSON(ctx, http.MethodPost, path, req, &items); err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(items))
	for _, item := range items {
		m := Match{
			ID:      decodePointID(item.ID),
			Score:   item.Score,
			Title:   payloadString(item.Payload, payloadTitleKey),
			Source:  payloadString(item.Payload, payloadSourceKey),
			Content: payloadString(item.Payload, payloadContentKey),
		}
		if m.Content == "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *qdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return fmt.Errorf("encode qdrant request: %w", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return fmt.Errorf("read qdrant response: %w", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw))
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode qdrant envelope: %w", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return fmt.Errorf("qdrant: %s", statusErr)
	}

	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode qdrant result: %w", err)
	}
	return nil
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil && strings.TrimSpace(statusObject.Error) != "" {
		return strings.TrimSpace(statusObject.Error)
	}
	return fmt.Sprintf("status=%s", status)
}

func decodePointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var idString string
	if err := json.Unmarshal(raw, &idString); err == nil {
		return strings.TrimSpace(idString)
	}
	var idNumber int64
	if err := json.Unmarshal(raw, &idNumber); err == nil {
		return fmt.Sprintf("%d", idNumber)
	}
	return strings.TrimSpace(string(raw))
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
