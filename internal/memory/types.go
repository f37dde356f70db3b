package memory

import (
	"context"
	"time"
)

// Exchange is one completed input/output pair within a session.
type Exchange struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// Snippet is one long-term memory item scored against a query.
type Snippet struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Embedder maps text into the vector space used for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LongTermStore persists exchanges and serves similarity lookups.
type LongTermStore interface {
	SaveExchange(ctx context.Context, ex Exchange, embedding []float32) error
	SimilaritySearch(ctx context.Context, embedding []float32, k int) ([]Snippet, error)
	Close() error
}
