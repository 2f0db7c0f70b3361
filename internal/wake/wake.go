// Package wake spots the wake phrase in live speech. It feeds every
// normalized frame to a streaming decoder and to the pre-roll ring, then
// inspects the decoder's running text after each frame so a trigger fires on
// partial results instead of waiting for a final transcript.
//
// Matching is deliberately loose. Wake phrases arrive mangled ("hey glasses"
// transcribed as "the glasses"), so a variant matches when every token pair
// clears a Jaro-Winkler similarity threshold or one token contains the
// other. A debounce window after each trigger keeps stabilizing partials
// from firing the same utterance twice.
package wake

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/earshot-ai/earshot/internal/preroll"
	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/stt"
)

// State is the spotter's position in its trigger cycle.
type State int

const (
	// StateIdle means the spotter is not consuming frames.
	StateIdle State = iota
	// StateListening means frames are being matched.
	StateListening
	// StateTriggered is the instant between a match and its debounce; it is
	// observable in events but the spotter leaves it within the same Feed
	// call.
	StateTriggered
	// StateDebounced means a trigger just fired and further matches are
	// ignored until the window elapses.
	StateDebounced
)

// String returns a label for logging and events.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTriggered:
		return "triggered"
	case StateDebounced:
		return "debounced"
	}
	return "unknown"
}

// Trigger is the hand-off produced by a successful match.
type Trigger struct {
	// Variant is the configured wake phrase that matched.
	Variant string
	// Heard is the transcript window that matched the variant.
	Heard string
	// PreRoll is a snapshot of the ring at the moment of the trigger,
	// oldest first.
	PreRoll []audio.Frame
	// At is the trigger time.
	At time.Time
}

// Config tunes matching and debounce.
type Config struct {
	// Variants are the accepted wake phrases, e.g. "hey glasses".
	Variants []string
	// Threshold is the minimum per-token Jaro-Winkler similarity.
	Threshold float64
	// Debounce is how long matches are ignored after a trigger.
	Debounce time.Duration
	// MaxWindowTokens bounds the running-token window inspected per frame.
	MaxWindowTokens int
	// ResetInterval is how often the decoder is reset while listening, so
	// its buffered audio and text do not grow without bound. A reset can
	// split a phrase in progress; the partials re-accumulate within a few
	// frames.
	ResetInterval time.Duration
}

// Option configures a Spotter.
type Option func(*Spotter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Spotter) { s.logger = l }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Spotter) { s.now = now }
}

// Spotter runs the wake trigger cycle. It must be driven by a single
// goroutine.
type Spotter struct {
	cfg     Config
	ring    *preroll.Ring
	decoder stt.Decoder
	logger  *slog.Logger
	now     func() time.Time

	variantTokens [][]string
	state         State
	debounceUntil time.Time
	lastReset     time.Time
}

// New builds a Spotter over the given ring and decoder. At least one
// non-empty variant is required.
func New(cfg Config, ring *preroll.Ring, decoder stt.Decoder, opts ...Option) (*Spotter, error) {
	s := &Spotter{
		cfg:     cfg,
		ring:    ring,
		decoder: decoder,
		logger:  slog.Default(),
		now:     time.Now,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, v := range cfg.Variants {
		tokens := Tokenize(v)
		if len(tokens) == 0 {
			continue
		}
		s.variantTokens = append(s.variantTokens, tokens)
	}
	if len(s.variantTokens) == 0 {
		return nil, errors.New("wake: no usable wake phrase variants")
	}
	return s, nil
}

// Start clears the ring, resets the decoder and begins listening. Called
// when the assistant returns to idle listening.
func (s *Spotter) Start(ctx context.Context) {
	s.ring.Clear()
	if err := s.decoder.Reset(ctx); err != nil {
		s.logger.Warn("wake decoder reset failed, continuing", "err", err)
	}
	s.state = StateListening
	s.lastReset = s.now()
}

// Stop suspends the spotter. Frames fed while stopped are ignored.
func (s *Spotter) Stop() {
	s.state = StateIdle
}

// State reports the current FSM state.
func (s *Spotter) State() State {
	if s.state == StateDebounced && !s.now().Before(s.debounceUntil) {
		return StateListening
	}
	return s.state
}

// Feed consumes one normalized frame. It returns a non-nil Trigger exactly
// once per wake utterance; decoder failures are logged and the spotter
// resumes on the next frame.
func (s *Spotter) Feed(ctx context.Context, frame audio.Frame) *Trigger {
	if s.state == StateIdle {
		return nil
	}
	now := s.now()
	if s.state == StateDebounced {
		if now.Before(s.debounceUntil) {
			s.ring.Push(frame)
			return nil
		}
		s.state = StateListening
	}

	s.ring.Push(frame)
	if err := s.decoder.Feed(frame.Data); err != nil {
		s.logger.Warn("wake decoder feed failed, resetting", "err", err)
		s.resetDecoder(ctx)
		return nil
	}

	if s.cfg.ResetInterval > 0 && now.Sub(s.lastReset) >= s.cfg.ResetInterval {
		s.resetDecoder(ctx)
		return nil
	}

	tokens := Tokenize(s.decoder.PartialText())
	if s.cfg.MaxWindowTokens > 0 && len(tokens) > s.cfg.MaxWindowTokens {
		tokens = tokens[len(tokens)-s.cfg.MaxWindowTokens:]
	}
	variant, heard, ok := s.match(tokens)
	if !ok {
		return nil
	}

	s.state = StateTriggered
	trig := &Trigger{
		Variant: variant,
		Heard:   heard,
		PreRoll: s.ring.Snapshot(),
		At:      now,
	}
	s.logger.Info("wake phrase detected", "variant", variant, "heard", heard)

	s.state = StateDebounced
	s.debounceUntil = now.Add(s.cfg.Debounce)
	// Drop the text that already matched so it cannot fire again after the
	// debounce window.
	s.resetDecoder(ctx)
	return trig
}

func (s *Spotter) resetDecoder(ctx context.Context) {
	if err := s.decoder.Reset(ctx); err != nil {
		s.logger.Warn("wake decoder reset failed, continuing", "err", err)
	}
	s.lastReset = s.now()
}

// match slides each variant's token window across the running tokens.
func (s *Spotter) match(tokens []string) (variant, heard string, ok bool) {
	for vi, vt := range s.variantTokens {
		if start, found := FindPhrase(tokens, vt, s.cfg.Threshold); found {
			return s.cfg.Variants[vi], strings.Join(tokens[start:start+len(vt)], " "), true
		}
	}
	return "", "", false
}

// FindPhrase slides a window of len(phrase) tokens across tokens and returns
// the start index of the first window where every token pair is similar
// enough. The segmenter reuses this for stop-phrase scanning so wake and
// stop phrases tolerate transcription noise identically.
func FindPhrase(tokens, phrase []string, threshold float64) (start int, found bool) {
	if len(phrase) == 0 {
		return 0, false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		if windowMatches(tokens[i:i+len(phrase)], phrase, threshold) {
			return i, true
		}
	}
	return 0, false
}

// windowMatches reports whether every token pair is similar enough.
func windowMatches(window, phrase []string, threshold float64) bool {
	for i := range phrase {
		if !tokensSimilar(window[i], phrase[i], threshold) {
			return false
		}
	}
	return true
}

// tokensSimilar accepts a pair when the Jaro-Winkler score clears the
// threshold or one token contains the other ("eyeglasses" vs "glasses").
func tokensSimilar(a, b string, threshold float64) bool {
	if a == b {
		return true
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= threshold
}

// Tokenize lowercases text, strips everything but letters, digits and
// apostrophes and splits on whitespace. Shared with the segmenter's phrase
// scanning so both see transcripts the same way.
func Tokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}
