package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// ErrNoEmbedder is returned by [Store.Search] when the store was built
// without [WithEmbedder]; archived turns carry no vectors in that case.
var ErrNoEmbedder = errors.New("archive: no embedding provider configured")

// defaultSearchLimit bounds Search when the caller passes limit <= 0.
const defaultSearchLimit = 10

// TurnHit is one semantic search result: an archived turn plus its cosine
// distance to the query (smaller is closer).
type TurnHit struct {
	SessionID     string    `json:"session_id"`
	TurnIndex     int       `json:"turn_index"`
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	AudioRef      string    `json:"audio_ref,omitempty"`
	Started       time.Time `json:"started"`
	Distance      float64   `json:"distance"`
}

// Search embeds the query text and returns the archived turns whose
// transcript embeddings are closest to it, ordered by ascending cosine
// distance. Turns archived without a vector are never returned.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]TurnHit, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("archive: embed query: %w", err)
	}

	const q = `
		SELECT session_id, turn_index, user_text, assistant_text, audio_ref, started_at,
		       embedding <=> $1 AS distance
		FROM   turns
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TurnHit, error) {
		var h TurnHit
		err := row.Scan(
			&h.SessionID,
			&h.TurnIndex,
			&h.UserText,
			&h.AssistantText,
			&h.AudioRef,
			&h.Started,
			&h.Distance,
		)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if hits == nil {
		hits = []TurnHit{}
	}
	return hits, nil
}
