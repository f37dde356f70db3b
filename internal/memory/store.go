package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config bounds the short-term window and retrieval behavior.
type Config struct {
	// Window is the short-term exchange bound; the oldest exchange is
	// evicted first when the bound is exceeded.
	Window int
	// MinScore filters long-term snippets below this relevance.
	MinScore float64
}

type sessionContext struct {
	window    []Exchange
	snippets  []Snippet
	updatedAt time.Time
	// persisted counts window exchanges already written long-term, so a
	// flush retried after a partial failure does not duplicate them.
	persisted int
}

// Store holds per-session short-term context and brokers long-term
// retrieval. Unknown sessions make every mutation a no-op, which keeps
// append/flush safe to call after a session has been torn down.
type Store struct {
	cfg      Config
	longTerm LongTermStore
	embedder Embedder

	// Redactor, when set, rewrites text before it is persisted long-term.
	Redactor func(string) string

	mu       sync.Mutex
	sessions map[string]*sessionContext
}

func NewStore(cfg Config, longTerm LongTermStore, embedder Embedder) *Store {
	if cfg.Window <= 0 {
		cfg.Window = 8
	}
	return &Store{
		cfg:      cfg,
		longTerm: longTerm,
		embedder: embedder,
		sessions: make(map[string]*sessionContext),
	}
}

// Open registers a session's context. Idempotent.
func (s *Store) Open(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return
	}
	s.sessions[sessionID] = &sessionContext{updatedAt: time.Now().UTC()}
}

// AppendExchange appends to the short-term window, evicting the oldest
// exchange when the bound is exceeded. No-op for unknown sessions.
func (s *Store) AppendExchange(sessionID, input, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sc.window = append(sc.window, Exchange{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Input:     input,
		Output:    output,
		CreatedAt: time.Now().UTC(),
	})
	if drop := len(sc.window) - s.cfg.Window; drop > 0 {
		sc.window = sc.window[drop:]
		if sc.persisted -= drop; sc.persisted < 0 {
			sc.persisted = 0
		}
	}
	sc.updatedAt = time.Now().UTC()
}

// Window returns a copy of the session's short-term exchanges in order.
func (s *Store) Window(sessionID string) []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Exchange, len(sc.window))
	copy(out, sc.window)
	return out
}

// Snippets returns the session's current long-term snippet set.
func (s *Store) Snippets(sessionID string) []Snippet {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Snippet, len(sc.snippets))
	copy(out, sc.snippets)
	return out
}

// ReplaceSnippets swaps the session's long-term snippet set wholesale.
// The set is never merged across turns.
func (s *Store) ReplaceSnippets(sessionID string, snippets []Snippet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sc.snippets = append(sc.snippets[:0:0], snippets...)
	sc.updatedAt = time.Now().UTC()
}

// Retrieve returns a lazy, single-use sequence of up to k long-term
// snippets ranked by descending relevance to query, tie-broken by most
// recent write. The sequence is empty (never an error) when no long-term
// store is configured or nothing clears the relevance threshold.
func (s *Store) Retrieve(ctx context.Context, sessionID, query string, k int) *SnippetSeq {
	return &SnippetSeq{
		fetch: func() ([]Snippet, error) {
			if s.longTerm == nil || s.embedder == nil || k <= 0 {
				return nil, nil
			}
			emb, err := s.embedder.Embed(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("embed query: %w", err)
			}
			found, err := s.longTerm.SimilaritySearch(ctx, emb, k)
			if err != nil {
				return nil, fmt.Errorf("similarity search: %w", err)
			}
			ranked := make([]Snippet, 0, len(found))
			for _, sn := range found {
				if sn.Score >= s.cfg.MinScore {
					ranked = append(ranked, sn)
				}
			}
			sort.SliceStable(ranked, func(i, j int) bool {
				if ranked[i].Score != ranked[j].Score {
					return ranked[i].Score > ranked[j].Score
				}
				return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
			})
			if len(ranked) > k {
				ranked = ranked[:k]
			}
			return ranked, nil
		},
	}
}

// Flush persists the short-term window to long-term storage, then clears
// the in-memory session state. Idempotent: a second call is a no-op. A
// failed flush keeps the window so a later call can retry; exchanges
// already written are not re-persisted. Callers serialize flushes for a
// given session.
func (s *Store) Flush(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sc, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	pending := make([]Exchange, len(sc.window)-sc.persisted)
	copy(pending, sc.window[sc.persisted:])
	s.mu.Unlock()

	if s.longTerm != nil {
		for saved, ex := range pending {
			if s.Redactor != nil {
				ex.Input = s.Redactor(ex.Input)
				ex.Output = s.Redactor(ex.Output)
			}
			var emb []float32
			if s.embedder != nil {
				var err error
				emb, err = s.embedder.Embed(ctx, ex.Input+"\n"+ex.Output)
				if err != nil {
					// Persist without an embedding rather than lose the exchange.
					emb = nil
				}
			}
			if err := s.longTerm.SaveExchange(ctx, ex, emb); err != nil {
				s.mu.Lock()
				sc.persisted += saved
				s.mu.Unlock()
				return fmt.Errorf("flush session %s: %w", sessionID, err)
			}
		}
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Close releases the long-term backend.
func (s *Store) Close() error {
	if s.longTerm == nil {
		return nil
	}
	return s.longTerm.Close()
}

// SnippetSeq is a lazy, finite, non-restartable snippet sequence. The
// underlying lookup runs on the first Next call.
type SnippetSeq struct {
	fetch   func() ([]Snippet, error)
	items   []Snippet
	idx     int
	started bool
	err     error
}

// Next returns the next snippet in rank order. ok is false once the
// sequence is exhausted or the lookup failed.
func (q *SnippetSeq) Next() (Snippet, bool) {
	if !q.started {
		q.started = true
		q.items, q.err = q.fetch()
	}
	if q.err != nil || q.idx >= len(q.items) {
		return Snippet{}, false
	}
	sn := q.items[q.idx]
	q.idx++
	return sn, true
}

// Err reports a lookup failure. Callers treat it as a degraded, empty
// context rather than a turn failure.
func (q *SnippetSeq) Err() error {
	return q.err
}

// Collect drains the remainder of the sequence.
func (q *SnippetSeq) Collect() []Snippet {
	var out []Snippet
	for {
		sn, ok := q.Next()
		if !ok {
			return out
		}
		out = append(out, sn)
	}
}
