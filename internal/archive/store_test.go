package archive_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/earshot-ai/earshot/internal/archive"
	"github.com/earshot-ai/earshot/internal/segment"
	"github.com/earshot-ai/earshot/internal/session"
	embedmock "github.com/earshot-ai/earshot/pkg/provider/embed/mock"
)

// testEmbeddingDim matches the mock embedder's default dimension.
const testEmbeddingDim = 8

// testDSN returns the test database DSN from the environment, or skips the
// test if EARSHOT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("EARSHOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EARSHOT_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [archive.Store] with a clean schema. The bare
// pool is returned alongside for row-level assertions. Both are closed via
// t.Cleanup.
func newTestStore(t *testing.T, opts ...archive.Option) (*archive.Store, *pgxpool.Pool) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool := mustPool(t, ctx, dsn)
	t.Cleanup(pool.Close)
	dropSchema(t, ctx, pool)

	store, err := archive.NewStore(ctx, dsn, testEmbeddingDim, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store, pool
}

// mustPool opens a pgxpool with pgvector types registered (best-effort:
// pgvector may not be installed yet on a fresh database).
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS turns CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// testSession builds a finished two-turn session.
func testSession(id string) *session.Session {
	started := time.Now().Add(-2 * time.Minute).UTC().Truncate(time.Millisecond)
	return &session.Session{
		ID:          id,
		WakeVariant: "hey earshot",
		StartedAt:   started,
		EndedAt:     started.Add(90 * time.Second),
		EndReason:   session.EndExitPhrase,
		Turns: []session.Turn{
			{
				UserText:      "what is the weather tomorrow",
				AssistantText: "Sunny with a light breeze.",
				StopReason:    segment.ReasonSilence,
				Started:       started,
				Duration:      6 * time.Second,
			},
			{
				UserText:      "set a timer for ten minutes",
				AssistantText: "Timer set.",
				StopReason:    segment.ReasonStopPhrase,
				Started:       started.Add(30 * time.Second),
				Duration:      4 * time.Second,
			},
		},
	}
}

func TestNoopArchiver(t *testing.T) {
	t.Parallel()
	var a archive.NoopArchiver
	if err := a.ArchiveSession(context.Background(), testSession("noop-1")); err != nil {
		t.Errorf("ArchiveSession: unexpected error: %v", err)
	}
	if err := a.ArchiveSession(context.Background(), nil); err != nil {
		t.Errorf("ArchiveSession(nil): unexpected error: %v", err)
	}
}

func TestNewStore_EmbedderDimensionMismatch(t *testing.T) {
	t.Parallel()
	// The dimension check runs before any connection is attempted, so this
	// needs no database.
	_, err := archive.NewStore(context.Background(), "postgres://unused", 4,
		archive.WithEmbedder(&embedmock.Embedder{}))
	if err == nil {
		t.Fatal("expected dimension mismatch error, got nil")
	}
	if !strings.Contains(err.Error(), "8-dimensional") {
		t.Errorf("error should name the embedder dimension, got: %v", err)
	}
}

func TestArchiveSession_WritesSessionAndTurns(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	sess := testSession("arch-1")
	if err := store.ArchiveSession(ctx, sess); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}

	var (
		endReason string
		turnCount int
	)
	err := pool.QueryRow(ctx,
		"SELECT end_reason, turn_count FROM sessions WHERE id = $1", sess.ID).
		Scan(&endReason, &turnCount)
	if err != nil {
		t.Fatalf("select session: %v", err)
	}
	if endReason != string(session.EndExitPhrase) {
		t.Errorf("end_reason: want %q, got %q", session.EndExitPhrase, endReason)
	}
	if turnCount != 2 {
		t.Errorf("turn_count: want 2, got %d", turnCount)
	}

	rows, err := pool.Query(ctx,
		"SELECT user_text, stop_reason, duration_ns FROM turns WHERE session_id = $1 ORDER BY turn_index", sess.ID)
	if err != nil {
		t.Fatalf("select turns: %v", err)
	}
	type turnRow struct {
		UserText   string
		StopReason string
		DurationNS int64
	}
	got, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (turnRow, error) {
		var r turnRow
		err := row.Scan(&r.UserText, &r.StopReason, &r.DurationNS)
		return r, err
	})
	if err != nil {
		t.Fatalf("collect turns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("turns: want 2, got %d", len(got))
	}
	if got[0].UserText != sess.Turns[0].UserText {
		t.Errorf("turn 0 user_text: want %q, got %q", sess.Turns[0].UserText, got[0].UserText)
	}
	if got[1].StopReason != string(segment.ReasonStopPhrase) {
		t.Errorf("turn 1 stop_reason: want %q, got %q", segment.ReasonStopPhrase, got[1].StopReason)
	}
	if got[0].DurationNS != (6 * time.Second).Nanoseconds() {
		t.Errorf("turn 0 duration_ns: want %d, got %d", (6 * time.Second).Nanoseconds(), got[0].DurationNS)
	}
}

func TestArchiveSession_Upsert(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	sess := testSession("arch-upsert")
	sess.EndReason = session.EndError
	if err := store.ArchiveSession(ctx, sess); err != nil {
		t.Fatalf("ArchiveSession first: %v", err)
	}

	// Re-archiving the same ID replaces the session row and turn rows.
	sess.EndReason = session.EndFollowupTimeout
	sess.Turns[0].AssistantText = "Revised reply."
	if err := store.ArchiveSession(ctx, sess); err != nil {
		t.Fatalf("ArchiveSession second: %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM sessions WHERE id = $1", sess.ID).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 1 {
		t.Errorf("sessions: want 1 row, got %d", count)
	}

	var (
		endReason     string
		assistantText string
	)
	if err := pool.QueryRow(ctx, "SELECT end_reason FROM sessions WHERE id = $1", sess.ID).Scan(&endReason); err != nil {
		t.Fatalf("select end_reason: %v", err)
	}
	if endReason != string(session.EndFollowupTimeout) {
		t.Errorf("end_reason after upsert: want %q, got %q", session.EndFollowupTimeout, endReason)
	}
	err := pool.QueryRow(ctx,
		"SELECT assistant_text FROM turns WHERE session_id = $1 AND turn_index = 0", sess.ID).
		Scan(&assistantText)
	if err != nil {
		t.Fatalf("select turn: %v", err)
	}
	if assistantText != "Revised reply." {
		t.Errorf("assistant_text after upsert: want %q, got %q", "Revised reply.", assistantText)
	}
}

func TestArchiveSession_RejectsEmptyID(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.ArchiveSession(context.Background(), &session.Session{}); err == nil {
		t.Error("expected error for session without ID, got nil")
	}
	if err := store.ArchiveSession(context.Background(), nil); err == nil {
		t.Error("expected error for nil session, got nil")
	}
}

func TestArchiveSession_EmbedsAndSearches(t *testing.T) {
	store, _ := newTestStore(t, archive.WithEmbedder(&embedmock.Embedder{}))
	ctx := context.Background()

	// Single-turn sessions with distinct user text and no assistant text, so
	// the indexed content equals the user text exactly. The mock embedder is
	// deterministic: an identical query embeds to distance zero.
	for i, text := range []string{
		"what is the weather tomorrow",
		"set a timer for ten minutes",
		"turn off the kitchen lights",
	} {
		sess := testSession(fmt.Sprintf("search-%d", i))
		sess.Turns = []session.Turn{{UserText: text, Started: time.Now()}}
		if err := store.ArchiveSession(ctx, sess); err != nil {
			t.Fatalf("ArchiveSession %d: %v", i, err)
		}
	}

	hits, err := store.Search(ctx, "set a timer for ten minutes", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("Search: want 3 hits, got %d", len(hits))
	}
	if hits[0].UserText != "set a timer for ten minutes" {
		t.Errorf("closest hit: want the exact-match turn, got %q (distance %.4f)",
			hits[0].UserText, hits[0].Distance)
	}
	if hits[0].Distance > hits[1].Distance {
		t.Errorf("hits not ordered by distance: %.4f then %.4f", hits[0].Distance, hits[1].Distance)
	}

	// Limit is respected.
	one, err := store.Search(ctx, "weather", 1)
	if err != nil {
		t.Fatalf("Search limit: %v", err)
	}
	if len(one) != 1 {
		t.Errorf("Search limit 1: want 1 hit, got %d", len(one))
	}
}

func TestSearch_NoEmbedder(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Search(context.Background(), "anything", 5)
	if !errors.Is(err, archive.ErrNoEmbedder) {
		t.Errorf("want ErrNoEmbedder, got %v", err)
	}
}

func TestArchiveSession_EmbedderFailureDegrades(t *testing.T) {
	store, pool := newTestStore(t,
		archive.WithEmbedder(&embedmock.Embedder{Err: errors.New("backend down")}))
	ctx := context.Background()

	sess := testSession("degrade-1")
	if err := store.ArchiveSession(ctx, sess); err != nil {
		t.Fatalf("ArchiveSession should succeed without vectors: %v", err)
	}

	var nullEmbeddings int
	err := pool.QueryRow(ctx,
		"SELECT count(*) FROM turns WHERE session_id = $1 AND embedding IS NULL", sess.ID).
		Scan(&nullEmbeddings)
	if err != nil {
		t.Fatalf("count null embeddings: %v", err)
	}
	if nullEmbeddings != 2 {
		t.Errorf("want 2 turns with NULL embedding, got %d", nullEmbeddings)
	}
}

func TestArchiveSession_WritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	store, pool := newTestStore(t, archive.WithArtifactDir(dir))
	ctx := context.Background()

	sess := testSession("artifact-1")
	sess.Turns[0].Audio = []byte{0, 0, 1, 0, 2, 0, 3, 0}
	sess.Turns[0].SampleRate = 16000
	// Turn 1 has no audio and must not produce an artifact.

	if err := store.ArchiveSession(ctx, sess); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}

	want := filepath.Join(dir, sess.ID, "turn-000.wav")
	if sess.Turns[0].AudioRef != want {
		t.Errorf("AudioRef: want %q, got %q", want, sess.Turns[0].AudioRef)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" {
		t.Errorf("artifact is not a WAV file (len %d)", len(data))
	}
	if sess.Turns[1].AudioRef != "" {
		t.Errorf("turn without audio should have empty AudioRef, got %q", sess.Turns[1].AudioRef)
	}

	// The reference is persisted on the turn row too.
	var audioRef string
	err = pool.QueryRow(ctx,
		"SELECT audio_ref FROM turns WHERE session_id = $1 AND turn_index = 0", sess.ID).
		Scan(&audioRef)
	if err != nil {
		t.Fatalf("select audio_ref: %v", err)
	}
	if audioRef != want {
		t.Errorf("audio_ref column: want %q, got %q", want, audioRef)
	}
}
