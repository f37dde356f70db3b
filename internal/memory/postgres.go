package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLongTerm persists exchanges in PostgreSQL with pgvector
// similarity lookups.
type PostgresLongTerm struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresLongTerm(ctx context.Context, databaseURL string, embeddingDim int) (*PostgresLongTerm, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool, embeddingDim); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresLongTerm{pool: pool, dim: embeddingDim}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS context_exchanges (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_context_exchanges_session_created ON context_exchanges (session_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresLongTerm) SaveExchange(ctx context.Context, ex Exchange, embedding []float32) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	var embParam any
	if len(embedding) > 0 && len(embedding) == s.dim {
		embParam = vectorLiteral(embedding)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO context_exchanges (id, session_id, input, output, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ex.ID,
		ex.SessionID,
		ex.Input,
		ex.Output,
		embParam,
		ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save exchange: %w", err)
	}
	return nil
}

func (s *PostgresLongTerm) SimilaritySearch(ctx context.Context, embedding []float32, k int) ([]Snippet, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, input, output, 1 - (embedding <=> $1::vector) AS score, created_at
		 FROM context_exchanges
		 WHERE embedding IS NOT NULL
		 ORDER BY score DESC, created_at DESC
		 LIMIT $2`,
		vectorLiteral(embedding),
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	defer rows.Close()

	out := make([]Snippet, 0, k)
	for rows.Next() {
		var (
			sn            Snippet
			input, output string
		)
		if err := rows.Scan(&sn.ID, &input, &output, &sn.Score, &sn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snippet row: %w", err)
		}
		sn.Text = input + "\n" + output
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippet rows: %w", err)
	}
	return out, nil
}

func (s *PostgresLongTerm) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral renders a pgvector input literal like [0.1,0.2].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
