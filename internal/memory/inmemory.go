package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryItem struct {
	id        string
	sessionID string
	text      string
	embedding []float32
	createdAt time.Time
}

// InMemoryLongTerm is a process-local long-term store for local/dev use.
type InMemoryLongTerm struct {
	mu    sync.RWMutex
	items []inMemoryItem
}

func NewInMemoryLongTerm() *InMemoryLongTerm {
	return &InMemoryLongTerm{}
}

func (s *InMemoryLongTerm) SaveExchange(_ context.Context, ex Exchange, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ex.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := ex.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.items = append(s.items, inMemoryItem{
		id:        id,
		sessionID: ex.SessionID,
		text:      ex.Input + "\n" + ex.Output,
		embedding: append([]float32(nil), embedding...),
		createdAt: createdAt,
	})
	return nil
}

func (s *InMemoryLongTerm) SimilaritySearch(_ context.Context, embedding []float32, k int) ([]Snippet, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snippet, 0, len(s.items))
	for _, item := range s.items {
		if len(item.embedding) == 0 {
			continue
		}
		out = append(out, Snippet{
			ID:        item.id,
			Text:      item.text,
			Score:     cosineSimilarity(embedding, item.embedding),
			CreatedAt: item.createdAt,
		})
	}
	// Callers re-rank and truncate; returning everything scored keeps this
	// store trivially correct.
	return out, nil
}

func (s *InMemoryLongTerm) Close() error { return nil }

// Len reports how many exchanges have been persisted.
func (s *InMemoryLongTerm) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
