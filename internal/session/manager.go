package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/earshot-ai/earshot/internal/events"
	"github.com/earshot-ai/earshot/internal/observe"
	"github.com/earshot-ai/earshot/internal/segment"
	"github.com/earshot-ai/earshot/internal/wake"
	"github.com/earshot-ai/earshot/pkg/provider/respond"
	"github.com/earshot-ai/earshot/pkg/provider/stt"
)

// ErrSessionActive is returned by Run when the conversation loop is already
// running; only one loop may own the capture stream.
var ErrSessionActive = errors.New("session: conversation loop already running")

const (
	defaultFollowupTimeout = 15 * time.Second
	defaultExitThreshold   = 0.65
	defaultFarewell        = "Goodbye."
	defaultFallbackText    = "Sorry, I didn't catch that."

	// archiveTimeout bounds the hand-off of a finished session to the
	// archiver.
	archiveTimeout = 10 * time.Second
)

// Normalizer is the gain stage shared by idle listening and capture passes.
// The level accessors feed the gain metrics.
type Normalizer interface {
	segment.Normalizer
	GainDB() float64
	RMS() float64
}

// Speaker plays a reply out loud. Implemented by the audio coordinator, so
// capture is muted for the duration.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Archiver persists a finished session. Implementations must tolerate being
// called during shutdown.
type Archiver interface {
	ArchiveSession(ctx context.Context, sess *Session) error
}

// Config tunes the conversation lifecycle.
type Config struct {
	// Segment configures both capture passes. ArmTimeout is managed here:
	// wake-triggered passes never time out while armed, follow-up passes
	// time out after FollowupTimeout.
	Segment segment.Config

	// FollowupTimeout is how long a session waits for follow-up speech
	// before ending. Default 15s.
	FollowupTimeout time.Duration

	// ExitPhrases end the session when spoken ("goodbye assistant"). May be
	// empty, in which case only the follow-up timeout and cancellation end
	// a session.
	ExitPhrases []string

	// ExitThreshold is the per-token similarity bound for exit phrase
	// matching, same scale as the wake threshold. Default 0.65.
	ExitThreshold float64

	// Farewell is spoken when an exit phrase ends the session.
	Farewell string

	// FallbackText is spoken when no transcript was produced or the reply
	// generator failed.
	FallbackText string
}

// Deps are the pipeline components the manager drives. Reader, Speaker,
// Normalizer, Classifier, Decoder, Spotter and Generator are required;
// Archiver, Bus and Metrics are optional.
type Deps struct {
	Reader     segment.FrameReader
	Speaker    Speaker
	Normalizer Normalizer
	Classifier segment.SpeechClassifier
	Decoder    stt.Decoder
	Spotter    *wake.Spotter
	Generator  respond.Generator
	Archiver   Archiver
	Bus        *events.Bus
	Metrics    *observe.Metrics
}

func validateDeps(deps Deps) error {
	var errs []error
	if deps.Reader == nil {
		errs = append(errs, errors.New("frame reader is required"))
	}
	if deps.Speaker == nil {
		errs = append(errs, errors.New("speaker is required"))
	}
	if deps.Normalizer == nil {
		errs = append(errs, errors.New("normalizer is required"))
	}
	if deps.Classifier == nil {
		errs = append(errs, errors.New("speech classifier is required"))
	}
	if deps.Decoder == nil {
		errs = append(errs, errors.New("decoder is required"))
	}
	if deps.Spotter == nil {
		errs = append(errs, errors.New("wake spotter is required"))
	}
	if deps.Generator == nil {
		errs = append(errs, errors.New("response generator is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

// Option is a functional option for configuring a [Manager].
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces the wall clock, for tests. It is shared with the
// segmentation passes the manager builds.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the conversation lifecycle from wake phrase to session end.
// Run drives everything from one goroutine; CancelSession, StopUtterance and
// the accessors are safe from any goroutine.
type Manager struct {
	cfg        Config
	reader     segment.FrameReader
	speaker    Speaker
	norm       Normalizer
	classifier segment.SpeechClassifier
	spotter    *wake.Spotter
	generator  respond.Generator
	archiver   Archiver
	bus        *events.Bus
	metrics    *observe.Metrics
	logger     *slog.Logger
	now        func() time.Time

	seg        *segment.Segmenter
	followup   *segment.Segmenter
	exitTokens [][]string

	running atomic.Bool

	mu            sync.Mutex
	state         State
	current       *Session
	cancelSession context.CancelFunc
}

// NewManager validates deps, applies config defaults and builds the two
// segmentation passes (wake-triggered and follow-up).
func NewManager(cfg Config, deps Deps, opts ...Option) (*Manager, error) {
	if err := validateDeps(deps); err != nil {
		return nil, err
	}
	if cfg.FollowupTimeout <= 0 {
		cfg.FollowupTimeout = defaultFollowupTimeout
	}
	if cfg.ExitThreshold <= 0 {
		cfg.ExitThreshold = defaultExitThreshold
	}
	if cfg.Farewell == "" {
		cfg.Farewell = defaultFarewell
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = defaultFallbackText
	}

	m := &Manager{
		cfg:        cfg,
		reader:     deps.Reader,
		speaker:    deps.Speaker,
		norm:       deps.Normalizer,
		classifier: deps.Classifier,
		spotter:    deps.Spotter,
		generator:  deps.Generator,
		archiver:   deps.Archiver,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		logger:     slog.Default(),
		now:        time.Now,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, phrase := range cfg.ExitPhrases {
		if tokens := wake.Tokenize(phrase); len(tokens) > 0 {
			m.exitTokens = append(m.exitTokens, tokens)
		}
	}

	mainCfg := cfg.Segment
	mainCfg.ArmTimeout = 0
	seg, err := segment.New(mainCfg, deps.Normalizer, deps.Classifier, deps.Decoder,
		segment.WithLogger(m.logger), segment.WithClock(m.now))
	if err != nil {
		return nil, fmt.Errorf("session: build segmenter: %w", err)
	}
	m.seg = seg

	followupCfg := cfg.Segment
	followupCfg.ArmTimeout = cfg.FollowupTimeout
	fu, err := segment.New(followupCfg, deps.Normalizer, deps.Classifier, deps.Decoder,
		segment.WithLogger(m.logger), segment.WithClock(m.now),
		segment.WithSpeechStartFunc(m.followupSpeechStarted))
	if err != nil {
		return nil, fmt.Errorf("session: build follow-up segmenter: %w", err)
	}
	m.followup = fu

	return m, nil
}

// State reports the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentSessionID returns the live session's id, or "" while idle.
func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.ID
}

// CancelSession aborts the live session; it reports whether one was live.
// The abort is observed at the next transition boundary and within one frame
// interval inside a capture pass.
func (m *Manager) CancelSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelSession == nil {
		return false
	}
	m.cancelSession()
	return true
}

// StopUtterance finishes the in-flight utterance capture with a manual stop.
// A request while no capture is running has no effect; each pass clears
// stale requests when it starts.
func (m *Manager) StopUtterance() {
	m.seg.RequestStop()
	m.followup.RequestStop()
}

// Run drives idle listening and sessions until ctx ends or the frame source
// fails terminally. Only one Run may be live at a time; a second concurrent
// call returns [ErrSessionActive].
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrSessionActive
	}
	defer m.running.Store(false)

	m.spotter.Start(ctx)
	m.setState("", StateIdle)
	m.logger.Info("listening for wake phrase")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := m.reader.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("session: capture stream failed: %w", err)
		}
		m.metrics.RecordFrame(ctx)

		normalized := m.norm.Process(frame)
		m.metrics.RecordLevels(ctx, m.norm.GainDB(), m.norm.RMS())

		// Classification while idle keeps the calibration window moving;
		// the verdict itself is not used until a capture pass runs.
		if _, err := m.classifier.IsSpeech(normalized); err != nil {
			m.logger.Warn("speech classification failed while idle", "err", err)
		}

		trig := m.spotter.Feed(ctx, normalized)
		if trig == nil {
			continue
		}
		m.metrics.RecordWakeTrigger(ctx)
		m.emit(events.KindWakeTrigger, "", map[string]any{
			"variant": trig.Variant,
			"heard":   trig.Heard,
		})

		if err := m.runSession(ctx, trig); err != nil {
			return err
		}

		m.spotter.Start(ctx)
		m.setState("", StateIdle)
	}
}

// runSession owns one session from wake trigger to archival. The returned
// error is non-nil only when the loop must stop (shutdown or a broken frame
// source); session-scoped endings are absorbed.
func (m *Manager) runSession(parent context.Context, trig *wake.Trigger) error {
	sctx, cancel := context.WithCancel(parent)
	defer cancel()

	now := m.now()
	sess := &Session{
		ID:          newSessionID(now),
		WakeVariant: trig.Variant,
		StartedAt:   now,
	}
	m.mu.Lock()
	m.current = sess
	m.cancelSession = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.current = nil
		m.cancelSession = nil
		m.mu.Unlock()
	}()

	m.spotter.Stop()
	m.metrics.SessionStarted(parent)
	m.emit(events.KindSessionStart, sess.ID, map[string]any{"variant": trig.Variant})
	m.logger.Info("session started", "session_id", sess.ID, "variant", trig.Variant)

	preRoll := trig.PreRoll
	segmenter := m.seg

	var endReason EndReason
	var terminal error

	for {
		if segmenter == m.seg {
			m.setState(sess.ID, StateRecording)
		} else {
			m.setState(sess.ID, StateAwaitFollowup)
		}

		capture, err := segmenter.Run(sctx, preRoll, m.reader)
		if err != nil {
			endReason, terminal = m.classifyInterrupt(parent, err)
			break
		}
		m.metrics.RecordUtterance(parent, string(capture.Reason))
		m.emit(events.KindUtterance, sess.ID, map[string]any{
			"stop_reason":   string(capture.Reason),
			"speech_frames": capture.SpeechFrames,
			"text_len":      len(capture.Text),
		})

		if capture.Reason == segment.ReasonFollowupTimeout {
			endReason = EndFollowupTimeout
			break
		}

		if m.isExitPhrase(capture.Text) {
			m.logger.Info("exit phrase spoken", "session_id", sess.ID)
			m.setState(sess.ID, StateSpeaking)
			m.speak(sctx, sess.ID, m.cfg.Farewell)
			endReason = EndExitPhrase
			break
		}

		if ended, reason := m.processTurn(sctx, parent, sess, capture); ended {
			endReason = reason
			if reason == EndShutdown {
				terminal = parent.Err()
			}
			break
		}

		preRoll = nil
		segmenter = m.followup
	}

	m.finishSession(parent, sess, endReason)
	return terminal
}

// classifyInterrupt maps a capture pass error to the session end reason.
func (m *Manager) classifyInterrupt(parent context.Context, err error) (EndReason, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if parent.Err() != nil {
			return EndShutdown, parent.Err()
		}
		m.logger.Info("session cancelled")
		return EndCancelled, nil
	}
	return EndError, fmt.Errorf("session: utterance capture failed: %w", err)
}

// processTurn carries one finalized utterance through response generation
// and playback and appends the Turn. ended is true when cancellation or
// shutdown interrupted the turn.
func (m *Manager) processTurn(sctx, parent context.Context, sess *Session, capture *segment.Capture) (ended bool, reason EndReason) {
	m.setState(sess.ID, StateThinking)
	// The transcript became usable when Finalize returned, a beat after the
	// stop condition fired.
	m.metrics.RecordTurnPhase(parent, "transcribe", m.now().Sub(capture.Stopped))

	userText := capture.Text
	reply := m.cfg.FallbackText
	if userText == "" {
		m.logger.Warn("no transcript for utterance, speaking fallback",
			"session_id", sess.ID, "stop_reason", string(capture.Reason))
	} else {
		start := m.now()
		text, err := m.generator.Respond(sctx, userText, sess.exchanges())
		m.metrics.RecordTurnPhase(parent, "respond", m.now().Sub(start))
		switch {
		case sctx.Err() != nil:
			return true, m.interruptReason(parent)
		case err != nil:
			m.logger.Error("response generation failed, speaking fallback",
				"err", err, "session_id", sess.ID)
		default:
			reply = text
		}
	}

	m.setState(sess.ID, StateSpeaking)
	start := m.now()
	err := m.speaker.Speak(sctx, reply)
	m.metrics.RecordTurnPhase(parent, "speak", m.now().Sub(start))
	if err != nil {
		if sctx.Err() != nil {
			return true, m.interruptReason(parent)
		}
		// The reply could not be played, but the exchange happened: record
		// the turn and keep the session alive.
		m.logger.Error("speech output failed", "err", err, "session_id", sess.ID)
	}

	turn := Turn{
		UserText:      userText,
		AssistantText: reply,
		StopReason:    capture.Reason,
		Audio:         capture.PCM(),
		SampleRate:    m.cfg.Segment.SampleRate,
		Started:       capture.Started,
		Duration:      m.now().Sub(capture.Started),
	}
	m.mu.Lock()
	sess.Turns = append(sess.Turns, turn)
	n := len(sess.Turns)
	m.mu.Unlock()

	m.emit(events.KindTurn, sess.ID, map[string]any{
		"turn":          n,
		"stop_reason":   string(capture.Reason),
		"user_len":      len(userText),
		"assistant_len": len(reply),
	})
	return false, ""
}

func (m *Manager) interruptReason(parent context.Context) EndReason {
	if parent.Err() != nil {
		return EndShutdown
	}
	m.logger.Info("session cancelled")
	return EndCancelled
}

// finishSession stamps the end, emits the bookkeeping and hands the session
// to the archiver.
func (m *Manager) finishSession(parent context.Context, sess *Session, reason EndReason) {
	m.mu.Lock()
	sess.EndedAt = m.now()
	sess.EndReason = reason
	turns := len(sess.Turns)
	m.mu.Unlock()

	m.metrics.SessionEnded(parent, string(reason))
	m.emit(events.KindSessionEnd, sess.ID, map[string]any{
		"end_reason": string(reason),
		"turns":      turns,
	})
	m.logger.Info("session ended",
		"session_id", sess.ID,
		"end_reason", string(reason),
		"turns", turns,
		"duration", sess.EndedAt.Sub(sess.StartedAt))

	if m.archiver == nil {
		return
	}
	// Archival must survive shutdown and cancellation, with a bound of its
	// own.
	actx, cancel := context.WithTimeout(context.WithoutCancel(parent), archiveTimeout)
	defer cancel()
	if err := m.archiver.ArchiveSession(actx, sess); err != nil {
		m.logger.Error("session archival failed", "err", err, "session_id", sess.ID)
	}
}

// speak plays text and logs failures; used where a failed playback must not
// change the session outcome.
func (m *Manager) speak(ctx context.Context, sessionID, text string) {
	if text == "" {
		return
	}
	if err := m.speaker.Speak(ctx, text); err != nil {
		m.logger.Warn("speech output failed", "err", err, "session_id", sessionID)
	}
}

// isExitPhrase matches the stripped transcript against the exit phrases with
// the same tolerance as wake matching.
func (m *Manager) isExitPhrase(text string) bool {
	if len(m.exitTokens) == 0 {
		return false
	}
	tokens := wake.Tokenize(text)
	if len(tokens) == 0 {
		return false
	}
	for _, phrase := range m.exitTokens {
		if _, found := wake.FindPhrase(tokens, phrase, m.cfg.ExitThreshold); found {
			return true
		}
	}
	return false
}

// followupSpeechStarted is the follow-up pass's first-speech hook: the armed
// wait just became active recording.
func (m *Manager) followupSpeechStarted() {
	m.mu.Lock()
	sess := m.current
	st := m.state
	m.mu.Unlock()
	if sess == nil || st != StateAwaitFollowup {
		return
	}
	m.setState(sess.ID, StateRecording)
}

// setState records a lifecycle transition and emits it.
func (m *Manager) setState(sessionID string, next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	if prev == next {
		return
	}
	m.emit(events.KindStateChange, sessionID, map[string]any{
		"from": prev.String(),
		"to":   next.String(),
	})
}

// emit publishes to the bus when one is wired.
func (m *Manager) emit(kind events.Kind, sessionID string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(kind, sessionID, data)
}
