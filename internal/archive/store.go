package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/earshot-ai/earshot/internal/session"
	"github.com/earshot-ai/earshot/pkg/provider/embed"
)

// Compile-time interface checks.
var (
	_ session.Archiver = (*Store)(nil)
	_ session.Archiver = NoopArchiver{}
)

// Store is the PostgreSQL-backed session archive. It holds a single
// [pgxpool.Pool] and implements [session.Archiver].
//
// All operations are safe for concurrent use.
type Store struct {
	pool        *pgxpool.Pool
	embedder    embed.Embedder
	artifactDir string
	log         *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithEmbedder enables semantic indexing of archived turns and text queries
// via [Store.Search]. The embedder's Dimensions must match the value the
// schema was migrated with.
func WithEmbedder(e embed.Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithArtifactDir enables per-turn WAV artifacts under dir. Each archived
// session gets a subdirectory holding one file per captured utterance, and
// the file path is recorded in the turn row (and on the in-memory turn).
func WithArtifactDir(dir string) Option {
	return func(s *Store) { s.artifactDir = dir }
}

// WithLogger sets the logger used for soft failures (artifact writes,
// embedding calls). Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions fixes the width of the turn embedding column. When an
// embedder is configured its output dimension must agree, otherwise every
// insert would fail; the mismatch is rejected here instead.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int, opts ...Option) (*Store, error) {
	s := &Store{log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if s.embedder != nil && s.embedder.Dimensions() != embeddingDimensions {
		return nil, fmt.Errorf("archive: embedder %s produces %d-dimensional vectors, schema expects %d",
			s.embedder.ModelID(), s.embedder.Dimensions(), embeddingDimensions)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	s.pool = pool
	return s, nil
}

// Ping verifies database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// NoopArchiver satisfies [session.Archiver] without persisting anything.
// Used when no archive DSN is configured.
type NoopArchiver struct{}

// ArchiveSession discards the session.
func (NoopArchiver) ArchiveSession(context.Context, *session.Session) error { return nil }
