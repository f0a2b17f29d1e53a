package rag

import "context"

// RetrievedChunk is one document excerpt surfaced for a chat turn, ordered
// by descending relevance. Index is 1-based and matches the bracketed
// citation indexes the model is instructed to use.
type RetrievedChunk struct {
	Index   int     `json:"index"`
	Title   string  `json:"title"`
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Retriever surfaces relevant document excerpts for a user message.
// Implementations must be safe for concurrent use.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]RetrievedChunk, error)
}

// VectorStore is the similarity-search capability the retriever composes
// with an embedder. Matches come back best-first.
type VectorStore interface {
	Search(ctx context.Context, vector []float32, topK int) ([]Match, error)
}

// Match is one raw vector hit plus its stored payload.
type Match struct {
	ID      string
	Score   float64
	Title   string
	Source  string
	Content string
}
