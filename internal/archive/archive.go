package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/earshot-ai/earshot/internal/session"
	"github.com/earshot-ai/earshot/pkg/audio"
)

const upsertSession = `
	INSERT INTO sessions
	    (id, wake_variant, started_at, ended_at, end_reason, turn_count)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
	    ended_at   = EXCLUDED.ended_at,
	    end_reason = EXCLUDED.end_reason,
	    turn_count = EXCLUDED.turn_count`

const upsertTurn = `
	INSERT INTO turns
	    (session_id, turn_index, user_text, assistant_text, stop_reason,
	     audio_ref, embedding, started_at, duration_ns)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (session_id, turn_index) DO UPDATE SET
	    user_text      = EXCLUDED.user_text,
	    assistant_text = EXCLUDED.assistant_text,
	    stop_reason    = EXCLUDED.stop_reason,
	    audio_ref      = EXCLUDED.audio_ref,
	    embedding      = EXCLUDED.embedding,
	    started_at     = EXCLUDED.started_at,
	    duration_ns    = EXCLUDED.duration_ns`

// ArchiveSession implements [session.Archiver]. It writes the WAV artifacts
// (when an artifact directory is configured), embeds the turn transcripts
// (when an embedder is configured), then writes the session row and all turn
// rows in one transaction. Re-archiving the same session ID replaces it.
//
// Artifact and embedding failures degrade rather than fail the archive: the
// transcript rows are always written, with an empty audio_ref or a NULL
// embedding. Only database errors are returned.
func (s *Store) ArchiveSession(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("archive: session has no ID")
	}

	s.writeArtifacts(sess)
	embeddings := s.embedTurns(ctx, sess)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, upsertSession,
		sess.ID,
		sess.WakeVariant,
		sess.StartedAt,
		sess.EndedAt,
		string(sess.EndReason),
		len(sess.Turns),
	)
	if err != nil {
		return fmt.Errorf("archive: write session %s: %w", sess.ID, err)
	}

	for i, turn := range sess.Turns {
		var emb any
		if vec, ok := embeddings[i]; ok {
			emb = pgvector.NewVector(vec)
		}
		_, err = tx.Exec(ctx, upsertTurn,
			sess.ID,
			i,
			turn.UserText,
			turn.AssistantText,
			string(turn.StopReason),
			turn.AudioRef,
			emb,
			turn.Started,
			turn.Duration.Nanoseconds(),
		)
		if err != nil {
			return fmt.Errorf("archive: write turn %d of %s: %w", i, sess.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("archive: commit %s: %w", sess.ID, err)
	}
	return nil
}

// writeArtifacts stores each turn's captured audio as a WAV file under
// <artifactDir>/<sessionID>/turn-NNN.wav and fills in Turn.AudioRef. Failures
// are logged and leave the affected turn without an artifact.
func (s *Store) writeArtifacts(sess *session.Session) {
	if s.artifactDir == "" {
		return
	}
	dir := filepath.Join(s.artifactDir, sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("artifact directory not writable, skipping audio artifacts",
			"dir", dir, "err", err)
		return
	}

	for i := range sess.Turns {
		turn := &sess.Turns[i]
		if len(turn.Audio) == 0 || turn.SampleRate <= 0 {
			continue
		}
		var buf bytes.Buffer
		if err := audio.EncodeWAV(&buf, turn.Audio, turn.SampleRate); err != nil {
			s.log.Warn("turn audio not encodable, skipping artifact",
				"session", sess.ID, "turn", i, "err", err)
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("turn-%03d.wav", i))
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			s.log.Warn("artifact write failed", "path", path, "err", err)
			continue
		}
		turn.AudioRef = path
	}
}

// embedTurns returns embedding vectors keyed by turn index. Turns whose
// transcripts are empty are skipped. A failed embedding call logs a warning
// and returns nil, so the session is archived without vectors.
func (s *Store) embedTurns(ctx context.Context, sess *session.Session) map[int][]float32 {
	if s.embedder == nil {
		return nil
	}

	var (
		texts   []string
		indices []int
	)
	for i, turn := range sess.Turns {
		text := turnText(turn)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		indices = append(indices, i)
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		s.log.Warn("turn embedding failed, archiving without vectors",
			"session", sess.ID, "model", s.embedder.ModelID(), "err", err)
		return nil
	}

	out := make(map[int][]float32, len(vectors))
	for i, vec := range vectors {
		out[indices[i]] = vec
	}
	return out
}

// turnText is the content that gets embedded and searched: both sides of the
// exchange, newline-separated.
func turnText(t session.Turn) string {
	user := strings.TrimSpace(t.UserText)
	assistant := strings.TrimSpace(t.AssistantText)
	return strings.TrimSpace(user + "\n" + assistant)
}
