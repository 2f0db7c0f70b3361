// Package segment bounds one user utterance. Given the wake trigger's
// pre-roll snapshot and the live frame stream, it decides when speech
// started, when it ended and why, producing a Capture with the decoder's
// final transcript.
//
// The pass moves through PreRoll (replay the snapshot), Armed (a grace
// period so silence right after the trigger does not end the utterance
// before it begins), Capturing (counters and stop conditions evaluated every
// frame), TailPadding (drain a little extra audio so trailing consonants
// survive) and Finalizing (ask the decoder for its committed result).
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/earshot-ai/earshot/internal/wake"
	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/stt"
)

// StopReason records why a capture ended.
type StopReason string

const (
	// ReasonSilence means enough speech was followed by enough silence.
	ReasonSilence StopReason = "silence"
	// ReasonStopPhrase means a configured stop phrase appeared in the
	// running transcript.
	ReasonStopPhrase StopReason = "stop_phrase"
	// ReasonMaxDuration means the capture hit its hard duration cap.
	ReasonMaxDuration StopReason = "max_duration_cap"
	// ReasonManualStop means an external stop request ended the capture.
	ReasonManualStop StopReason = "manual_stop"
	// ReasonFollowupTimeout means an armed follow-up pass saw no speech
	// before its deadline.
	ReasonFollowupTimeout StopReason = "followup_timeout"
)

// stopScanTokens bounds how much transcript tail is scanned for stop
// phrases each frame.
const stopScanTokens = 24

// FrameReader is the live frame stream, typically the audio coordinator.
type FrameReader interface {
	Read(ctx context.Context) (audio.Frame, error)
}

// Normalizer is the gain stage applied to every frame before
// classification.
type Normalizer interface {
	Process(frame audio.Frame) audio.Frame
}

// SpeechClassifier is the calibrated voice activity detector.
type SpeechClassifier interface {
	IsSpeech(frame audio.Frame) (bool, error)
}

// Capture is one finished segmentation pass.
type Capture struct {
	// Frames is the full audio of the utterance: pre-roll, speech and tail.
	Frames []audio.Frame
	// Text is the final transcript with any stop phrase stripped.
	Text string
	// Words carries per-word confidences when the decoder provides them.
	Words []stt.WordConfidence
	// Reason records which stop condition ended the capture.
	Reason StopReason
	// Started is when the pass began, SpeechStart when the first speech
	// frame was classified (zero if none), Stopped when the stop condition
	// fired.
	Started     time.Time
	SpeechStart time.Time
	Stopped     time.Time
	// Duration covers the whole pass including tail padding.
	Duration time.Duration
	// SpeechFrames is the total number of frames classified as speech.
	SpeechFrames int
}

// PCM concatenates the capture's frames into one buffer.
func (c *Capture) PCM() []byte {
	var n int
	for _, f := range c.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range c.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// Config tunes one segmentation pass. Validate must pass before use.
type Config struct {
	// SampleRate and FrameDuration describe the incoming frames.
	SampleRate    int
	FrameDuration time.Duration

	// GracePeriod is how long after the pass starts silence is ignored,
	// giving the decoder a moment to stabilize after the trigger.
	GracePeriod time.Duration

	// SilenceThreshold is how much consecutive silence ends the utterance,
	// provided MinSpeechFrames was reached.
	SilenceThreshold time.Duration

	// MinSpeechFrames guards against a cough or click being accepted as a
	// complete silence-terminated utterance.
	MinSpeechFrames int

	// MaxDuration is the hard cap on one capture.
	MaxDuration time.Duration

	// TailPadding is how much extra audio is drained after a silence or
	// stop-phrase stop so trailing consonants are not clipped.
	TailPadding time.Duration

	// StopPhrases end the utterance when spoken; matched tokens are
	// excluded from the transcript. May be empty.
	StopPhrases []string

	// StopPhraseThreshold is the per-token similarity bound for stop-phrase
	// matching, same scale as the wake threshold.
	StopPhraseThreshold float64

	// ArmTimeout, when positive, bounds how long an armed pass waits for
	// the first speech frame before giving up with ReasonFollowupTimeout.
	// Zero disables the deadline (wake-triggered passes).
	ArmTimeout time.Duration
}

// Validate collects every configuration violation.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("frame duration must be positive, got %s", c.FrameDuration))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace period must not be negative, got %s", c.GracePeriod))
	}
	if c.SilenceThreshold <= 0 {
		errs = append(errs, fmt.Errorf("silence threshold must be positive, got %s", c.SilenceThreshold))
	}
	if c.MinSpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("min speech frames must be at least 1, got %d", c.MinSpeechFrames))
	}
	if c.MaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("max duration must be positive, got %s", c.MaxDuration))
	}
	if c.TailPadding < 0 {
		errs = append(errs, fmt.Errorf("tail padding must not be negative, got %s", c.TailPadding))
	}
	if c.StopPhraseThreshold <= 0 || c.StopPhraseThreshold > 1 {
		errs = append(errs, fmt.Errorf("stop phrase threshold must be in (0, 1], got %v", c.StopPhraseThreshold))
	}
	if c.ArmTimeout < 0 {
		errs = append(errs, fmt.Errorf("arm timeout must not be negative, got %s", c.ArmTimeout))
	}
	// A short valid utterance must be able to satisfy the silence stop:
	// if reaching the speech floor already takes longer than the silence
	// threshold, a silence-terminated utterance can never finish.
	if c.FrameDuration > 0 && c.SilenceThreshold > 0 {
		if time.Duration(c.MinSpeechFrames)*c.FrameDuration >= c.SilenceThreshold {
			errs = append(errs, fmt.Errorf(
				"min speech frames (%d x %s) must stay below the silence threshold (%s)",
				c.MinSpeechFrames, c.FrameDuration, c.SilenceThreshold))
		}
	}
	return errors.Join(errs...)
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Segmenter) { s.logger = l }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) { s.now = now }
}

// WithSpeechStartFunc registers fn, invoked once per pass when the first
// speech frame is classified. Lets the caller observe the moment an armed
// wait turns into active recording.
func WithSpeechStartFunc(fn func()) Option {
	return func(s *Segmenter) { s.onSpeechStart = fn }
}

// Segmenter runs segmentation passes. Run must be driven by a single
// goroutine; RequestStop may be called from any goroutine.
type Segmenter struct {
	cfg           Config
	norm          Normalizer
	vad           SpeechClassifier
	decoder       stt.Decoder
	logger        *slog.Logger
	now           func() time.Time
	stopTokens    [][]string
	onSpeechStart func()

	stopRequested atomic.Bool
}

// New validates cfg and builds a Segmenter.
func New(cfg Config, norm Normalizer, vad SpeechClassifier, decoder stt.Decoder, opts ...Option) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	s := &Segmenter{
		cfg:     cfg,
		norm:    norm,
		vad:     vad,
		decoder: decoder,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, phrase := range cfg.StopPhrases {
		tokens := wake.Tokenize(phrase)
		if len(tokens) > 0 {
			s.stopTokens = append(s.stopTokens, tokens)
		}
	}
	return s, nil
}

// RequestStop asks the running pass to finish with ReasonManualStop. The
// request is consumed by the next pass if none is running, so it is cleared
// when a pass starts.
func (s *Segmenter) RequestStop() {
	s.stopRequested.Store(true)
}

// runState is the per-pass mutable state.
type runState struct {
	frames      []audio.Frame
	speechCount int
	firstSpeech time.Time
	lastSpeech  time.Time
	started     time.Time
	graceEnd    time.Time
	feedFailing bool
}

// Run executes one segmentation pass: replays preRoll, consumes live frames
// from src until a stop condition fires, drains tail padding and finalizes
// the decoder. It returns the assembled Capture, or the context error if
// cancelled. Cancellation is observed within one frame interval.
func (s *Segmenter) Run(ctx context.Context, preRoll []audio.Frame, src FrameReader) (*Capture, error) {
	s.stopRequested.Store(false)
	if err := s.decoder.Reset(ctx); err != nil {
		// A stale decoder silently drops transcriptions; log loudly but let
		// the pass proceed, the backend recovers on the next reset.
		s.logger.Warn("decoder reset failed at utterance start", "err", err)
	}

	now := s.now()
	st := &runState{
		started:  now,
		graceEnd: now.Add(s.cfg.GracePeriod),
	}
	s.logger.Debug("segmentation started", "pre_roll_frames", len(preRoll))

	for _, frame := range preRoll {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.step(frame, st)
	}
	if st.speechCount > 0 {
		s.logger.Debug("speech present in pre-roll", "speech_frames", st.speechCount)
	}

	var reason StopReason
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := src.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("segment: read frame: %w", err)
		}
		s.step(frame, st)

		var stopped bool
		if reason, stopped = s.checkStop(st); stopped {
			break
		}
	}
	stoppedAt := s.now()
	s.logger.Info("stop condition met",
		"reason", string(reason),
		"speech_frames", st.speechCount,
		"elapsed", stoppedAt.Sub(st.started))

	if reason == ReasonSilence || reason == ReasonStopPhrase {
		s.drainTail(ctx, src, st)
	}

	result, err := s.decoder.Finalize(ctx)
	if err != nil {
		// Surfaced to the user as the fallback utterance by the caller; the
		// capture itself is still returned with its audio.
		s.logger.Error("decoder finalize failed", "err", err)
	}
	text := strings.TrimSpace(result.Text)
	if reason == ReasonStopPhrase {
		text = s.stripStopPhrase(text)
	}

	capture := &Capture{
		Frames:       st.frames,
		Text:         text,
		Words:        result.Words,
		Reason:       reason,
		Started:      st.started,
		SpeechStart:  st.firstSpeech,
		Stopped:      stoppedAt,
		Duration:     s.now().Sub(st.started),
		SpeechFrames: st.speechCount,
	}
	s.logger.Info("utterance finalized",
		"reason", string(reason),
		"text_len", len(capture.Text),
		"frames", len(capture.Frames),
		"duration", capture.Duration)
	return capture, nil
}

// step normalizes, classifies and decodes one frame, updating counters.
func (s *Segmenter) step(frame audio.Frame, st *runState) {
	normalized := s.norm.Process(frame)
	st.frames = append(st.frames, normalized)

	speech, err := s.vad.IsSpeech(normalized)
	if err != nil {
		s.logger.Warn("speech classification failed, treating as silence", "err", err)
		speech = false
	}
	if speech {
		st.speechCount++
		st.lastSpeech = s.now()
		if st.firstSpeech.IsZero() {
			st.firstSpeech = st.lastSpeech
			if s.onSpeechStart != nil {
				s.onSpeechStart()
			}
		}
	}

	if err := s.decoder.Feed(normalized.Data); err != nil {
		if !st.feedFailing {
			s.logger.Warn("decoder feed failed, continuing", "err", err)
			st.feedFailing = true
		}
	} else {
		st.feedFailing = false
	}
}

// checkStop evaluates the stop conditions in precedence order.
func (s *Segmenter) checkStop(st *runState) (StopReason, bool) {
	now := s.now()

	if len(s.stopTokens) > 0 {
		tokens := wake.Tokenize(s.decoder.PartialText())
		if len(tokens) > stopScanTokens {
			tokens = tokens[len(tokens)-stopScanTokens:]
		}
		for _, phrase := range s.stopTokens {
			if _, found := wake.FindPhrase(tokens, phrase, s.cfg.StopPhraseThreshold); found {
				return ReasonStopPhrase, true
			}
		}
	}

	if st.speechCount >= s.cfg.MinSpeechFrames {
		// Silence only counts after the grace period and after the most
		// recent speech frame, whichever is later.
		ref := st.graceEnd
		if st.lastSpeech.After(ref) {
			ref = st.lastSpeech
		}
		if now.Sub(ref) >= s.cfg.SilenceThreshold {
			return ReasonSilence, true
		}
	}

	if now.Sub(st.started) >= s.cfg.MaxDuration {
		return ReasonMaxDuration, true
	}

	if s.stopRequested.Load() {
		return ReasonManualStop, true
	}

	if s.cfg.ArmTimeout > 0 && st.speechCount == 0 && now.Sub(st.started) >= s.cfg.ArmTimeout {
		return ReasonFollowupTimeout, true
	}

	return "", false
}

// drainTail keeps capturing briefly so trailing consonants survive. Errors
// here never fail the pass; the utterance is already complete.
func (s *Segmenter) drainTail(ctx context.Context, src FrameReader, st *runState) {
	frames := int(s.cfg.TailPadding / s.cfg.FrameDuration)
	for range frames {
		if ctx.Err() != nil {
			return
		}
		frame, err := src.Read(ctx)
		if err != nil {
			s.logger.Debug("tail padding cut short", "err", err)
			return
		}
		s.step(frame, st)
	}
}

// stripStopPhrase removes the first matched stop phrase from text, keeping
// the surrounding punctuation tidy.
func (s *Segmenter) stripStopPhrase(text string) string {
	tokens, spans := tokenizeSpans(text)
	for _, phrase := range s.stopTokens {
		start, found := wake.FindPhrase(tokens, phrase, s.cfg.StopPhraseThreshold)
		if !found {
			continue
		}
		end := start + len(phrase) - 1
		before := strings.TrimRight(text[:spans[start].start], " \t,;:")
		after := strings.TrimLeft(text[spans[end].end:], " \t,;:")
		return strings.TrimSpace(before + after)
	}
	return text
}

// span is a byte range into the original transcript.
type span struct {
	start, end int
}

// tokenizeSpans mirrors wake.Tokenize but keeps each token's byte range so
// matched tokens can be cut from the original string.
func tokenizeSpans(text string) ([]string, []span) {
	var tokens []string
	var spans []span
	var cur strings.Builder
	curStart := -1

	flush := func(end int) {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			spans = append(spans, span{start: curStart, end: end})
			cur.Reset()
			curStart = -1
		}
	}
	for i, r := range text {
		lower := unicode.ToLower(r)
		if unicode.IsLetter(lower) || unicode.IsDigit(lower) || lower == '\'' {
			if curStart < 0 {
				curStart = i
			}
			cur.WriteRune(lower)
			continue
		}
		flush(i)
	}
	flush(len(text))
	return tokens, spans
}
