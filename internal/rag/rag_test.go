package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeStore struct {
	matches []Match
	gotTopK int
}

func (f *fakeStore) Search(_ context.Context, _ []float32, topK int) ([]Match, error) {
	f.gotTopK = topK
	return f.matches, nil
}

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("development")
	if err != nil {
		tb.Fatalf("logger: %v", err)
	}
	return log
}

func TestRetrieveFiltersByThresholdAndRenumbers(t *testing.T) {
	t.Setenv("RAG_TOP_K", "4")
	t.Setenv("RAG_SIMILARITY_THRESHOLD", "0.7")

	store := &fakeStore{matches: []Match{
		{ID: "a", Score: 0.91, Title: "Pricing", Source: "pricing.md", Content: "Plans start at $10."},
		{ID: "b", Score: 0.55, Title: "Old", Source: "old.md", Content: "Stale excerpt."},
		{ID: "c", Score: 0.72, Title: "Limits", Source: "limits.md", Content: "Rate limits apply."},
	}}
	emb := &fakeEmbedder{}
	r := NewRetriever(testLogger(t), emb, store)

	chunks, err := r.Retrieve(context.Background(), "what are the plans?")
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if emb.calls != 1 {
		t.Fatalf("expected one embed call, got %d", emb.calls)
	}
	if store.gotTopK != 4 {
		t.Fatalf("expected topK 4, got %d", store.gotTopK)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks above threshold, got %d", len(chunks))
	}
	if chunks[0].Index != 1 || chunks[1].Index != 2 {
		t.Fatalf("expected contiguous 1-based indexes, got %d and %d", chunks[0].Index, chunks[1].Index)
	}
	if chunks[1].Title != "Limits" {
		t.Fatalf("expected second surviving chunk to be Limits, got %q", chunks[1].Title)
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	r := NewRetriever(testLogger(t), &fakeEmbedder{}, &fakeStore{})
	chunks, err := r.Retrieve(context.Background(), "   ")
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if chunks != nil {
		t.Fatalf("expected no chunks for blank query, got %v", chunks)
	}
}

func TestDisabledRetriever(t *testing.T) {
	chunks, err := Disabled().Retrieve(context.Background(), "anything")
	if err != nil || chunks != nil {
		t.Fatalf("disabled retriever should be inert, got %v %v", chunks, err)
	}
}

func TestFormatContext(t *testing.T) {
	if got := FormatContext(nil); got != "" {
		t.Fatalf("expected empty context, got %q", got)
	}

	out := FormatContext([]RetrievedChunk{
		{Index: 1, Title: "Pricing", Source: "pricing.md", Content: "Plans start at $10.\n"},
		{Index: 2, Content: "Untitled excerpt."},
	})
	if !strings.Contains(out, "[1] Pricing (pricing.md)\nPlans start at $10.") {
		t.Fatalf("unexpected first block:\n%s", out)
	}
	if !strings.Contains(out, "[2]\nUntitled excerpt.") {
		t.Fatalf("unexpected second block:\n%s", out)
	}
	if strings.HasSuffix(out, "\n") {
		t.Fatalf("context should not end with a newline")
	}
}
