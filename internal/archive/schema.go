// Package archive persists finished conversation sessions to PostgreSQL.
//
// One session row and one row per turn are written when a session ends. Turn
// transcripts are embedded (when an embedder is configured) into a pgvector
// column with an HNSW cosine index, so past conversations can be searched
// semantically. The pgvector extension must be available in the target
// database; [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := archive.NewStore(ctx, dsn, 768,
//		archive.WithEmbedder(embedder),
//		archive.WithArtifactDir("/var/lib/earshot/audio"))
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.ArchiveSession(ctx, sess)
//	hits, _ := store.Search(ctx, "what did I ask about the weather?", 5)
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id           TEXT         PRIMARY KEY,
    wake_variant TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ  NOT NULL,
    end_reason   TEXT         NOT NULL,
    turn_count   INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at);
`

// ddlTurns returns the turns DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
// The embedding column is nullable: turns archived without an embedder (or
// with empty transcripts) carry no vector and are invisible to Search.
func ddlTurns(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS turns (
    session_id     TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    turn_index     INTEGER      NOT NULL,
    user_text      TEXT         NOT NULL DEFAULT '',
    assistant_text TEXT         NOT NULL DEFAULT '',
    stop_reason    TEXT         NOT NULL DEFAULT '',
    audio_ref      TEXT         NOT NULL DEFAULT '',
    embedding      vector(%d),
    started_at     TIMESTAMPTZ  NOT NULL,
    duration_ns    BIGINT       NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, turn_index)
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_embedding
    ON turns USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 768 for nomic-embed-text, 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlSessions,
		ddlTurns(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}
