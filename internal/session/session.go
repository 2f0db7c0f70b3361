// Package session runs the conversation lifecycle. The Manager owns the
// capture loop: while idle it normalizes frames, drives VAD calibration and
// feeds the wake spotter; a wake trigger opens a Session, and each utterance
// then flows through transcription, response generation and speech output as
// one Turn. Follow-up turns need no new wake phrase; the session ends on an
// exit phrase, a follow-up timeout, cancellation or shutdown.
//
// Exactly one session is live at a time. A finished session is handed to the
// archiver before being dropped.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/earshot-ai/earshot/internal/segment"
	"github.com/earshot-ai/earshot/pkg/provider/respond"
)

// State is the manager's position in the conversation lifecycle.
type State int

const (
	// StateIdle means no session is live; frames feed the wake spotter.
	StateIdle State = iota
	// StateRecording means an utterance is being captured.
	StateRecording
	// StateThinking means a reply is being generated.
	StateThinking
	// StateSpeaking means the reply is being played back.
	StateSpeaking
	// StateAwaitFollowup means the session waits for the user to continue
	// without a new wake phrase.
	StateAwaitFollowup
)

// String returns a label for logging and events.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateAwaitFollowup:
		return "await_followup"
	}
	return "unknown"
}

// EndReason records why a session ended.
type EndReason string

const (
	// EndExitPhrase means the user spoke a configured exit phrase.
	EndExitPhrase EndReason = "exit_phrase"
	// EndFollowupTimeout means no follow-up speech arrived in time.
	EndFollowupTimeout EndReason = "followup_timeout"
	// EndCancelled means the session was cancelled externally.
	EndCancelled EndReason = "cancelled"
	// EndShutdown means the process is stopping.
	EndShutdown EndReason = "shutdown"
	// EndError means the capture pipeline failed underneath the session.
	EndError EndReason = "error"
)

// Turn is one completed exchange. Immutable once appended to a session.
type Turn struct {
	// UserText is the finalized transcript, possibly empty when the decoder
	// produced nothing.
	UserText string
	// AssistantText is the reply that was spoken, or the fallback utterance.
	AssistantText string
	// StopReason records how the utterance capture ended.
	StopReason segment.StopReason
	// Audio is the normalized PCM of the utterance, SampleRate its rate.
	// Kept so the archiver can write a WAV artifact per turn.
	Audio      []byte
	SampleRate int
	// AudioRef is filled by the archiver with the artifact location.
	AudioRef string
	// Started is when the capture began; Duration spans capture through
	// playback.
	Started  time.Time
	Duration time.Duration
}

// Session is one wake-to-end conversation.
type Session struct {
	// ID is unique per session.
	ID string
	// WakeVariant is the configured phrase that opened the session.
	WakeVariant string
	// StartedAt and EndedAt bound the session; EndReason records why it
	// ended.
	StartedAt time.Time
	EndedAt   time.Time
	EndReason EndReason
	// Turns holds the completed exchanges, oldest first.
	Turns []Turn
}

// exchanges converts the turn history into the generator's history shape.
func (s *Session) exchanges() []respond.Exchange {
	if len(s.Turns) == 0 {
		return nil
	}
	out := make([]respond.Exchange, len(s.Turns))
	for i, t := range s.Turns {
		out[i] = respond.Exchange{User: t.UserText, Assistant: t.AssistantText}
	}
	return out
}

// sessionIDTimeFormat keeps IDs sortable by start time.
const sessionIDTimeFormat = "20060102T150405Z"

// newSessionID produces "session-<utc time>-<8 hex>", unique and sortable.
func newSessionID(now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("session-%s-%08x",
			now.UTC().Format(sessionIDTimeFormat), uint32(now.UnixNano()))
	}
	return fmt.Sprintf("session-%s-%s",
		now.UTC().Format(sessionIDTimeFormat), hex.EncodeToString(buf))
}
