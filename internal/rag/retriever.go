package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/minare/tokenchat-backend/internal/llm"
	"github.com/minare/tokenchat-backend/internal/pkg/envutil"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

const (
	defaultTopK                = 5
	defaultSimilarityThreshold = 0.65
)

// vectorRetriever embeds the query and searches the vector store, keeping
// matches above the similarity threshold and renumbering them 1..n.
type vectorRetriever struct {
	log       *logger.Logger
	embedder  llm.Embedder
	store     VectorStore
	topK      int
	threshold float64
}

// NewRetrieverFromEnv assembles retrieval from the environment. With
// RAG_ENABLED unset or false it returns a retriever that always yields
// nothing, so callers never branch on whether retrieval is configured.
func NewRetrieverFromEnv(log *logger.Logger, embedder llm.Embedder) (Retriever, error) {
	if !envutil.Bool("RAG_ENABLED", false) {
		return Disabled(), nil
	}
	store, err := NewQdrantStore(log)
	if err != nil {
		return nil, err
	}
	return NewRetriever(log, embedder, store), nil
}

func NewRetriever(log *logger.Logger, embedder llm.Embedder, store VectorStore) Retriever {
	return &vectorRetriever{
		log:       log.With("service", "Retriever"),
		embedder:  embedder,
		store:     store,
		topK:      envutil.Int("RAG_TOP_K", defaultTopK),
		threshold: envutil.Float("RAG_SIMILARITY_THRESHOLD", defaultSimilarityThreshold),
	}
}

func (r *vectorRetriever) Retrieve(ctx context.Context, query string) ([]RetrievedChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embedder returned no vector")
	}

	matches, err := r.store.Search(ctx, vectors[0], r.topK)
	if err != nil {
		return nil, err
	}

	chunks := make([]RetrievedChunk, 0, len(matches))
	for _, m := range matches {
		if m.Score < r.threshold {
			continue
		}
		chunks = append(chunks, RetrievedChunk{
			Index:   len(chunks) + 1,
			Title:   m.Title,
			Source:  m.Source,
			Content: m.Content,
			Score:   m.Score,
		})
	}
	r.log.Debug("retrieval complete", "matches", len(matches), "kept", len(chunks))
	return chunks, nil
}

type disabledRetriever struct{}

// Disabled returns a retriever that surfaces nothing.
func Disabled() Retriever { return disabledRetriever{} }

func (disabledRetriever) Retrieve(context.Context, string) ([]RetrievedChunk, error) {
	return nil, nil
}
