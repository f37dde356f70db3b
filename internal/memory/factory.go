package memory

import (
	"context"
	"strings"
)

// NewLongTermStore creates a postgres-backed long-term store when
// configured, otherwise in-memory.
func NewLongTermStore(ctx context.Context, databaseURL string, embeddingDim int) (LongTermStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryLongTerm(), nil
	}
	return NewPostgresLongTerm(ctx, databaseURL, embeddingDim)
}
