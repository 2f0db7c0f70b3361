package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/earshot-ai/earshot/pkg/provider/tts"
)

// ErrAllFailed is returned by [SpeakerChain.Speak] when every configured
// speaker has been tried without success.
var ErrAllFailed = errors.New("resilience: all speakers failed")

// chainState is the position in the attempt ladder.
type chainState int

const (
	stateAttempt chainState = iota
	stateRetry
	stateFallback
	stateFailed
)

// ChainConfig tunes the attempt ladder of a [SpeakerChain]. Zero fields fall
// back to defaults.
type ChainConfig struct {
	// Attempts is how many times each speaker is tried before the chain
	// moves on to the next one. Default 2.
	Attempts int

	// AttemptTimeout bounds a single Speak call. Zero means no deadline
	// beyond the caller's context.
	AttemptTimeout time.Duration

	// RetryDelay is the pause between attempts on the same speaker.
	// Default 500ms.
	RetryDelay time.Duration

	// Breaker configures the per-speaker circuit breaker.
	Breaker BreakerConfig
}

type chainEntry struct {
	name    string
	speaker tts.Speaker
	breaker *Breaker
}

// SpeakerChain speaks through an ordered list of speakers: the primary is
// tried first with bounded retries, then each fallback in registration
// order. A speaker whose circuit breaker is open is skipped for the
// cool-down period. SpeakerChain implements [tts.Speaker], so callers cannot
// tell it from a single backend.
type SpeakerChain struct {
	cfg     ChainConfig
	entries []chainEntry
	logger  *slog.Logger

	attempts atomic.Int64
	failures atomic.Int64
}

var _ tts.Speaker = (*SpeakerChain)(nil)

// Option adjusts a [SpeakerChain].
type Option func(*SpeakerChain)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *SpeakerChain) { c.logger = l }
}

// NewSpeakerChain creates a chain with primary as the first speaker tried.
// Additional speakers are registered with [SpeakerChain.AddFallback].
func NewSpeakerChain(primary tts.Speaker, primaryName string, cfg ChainConfig, opts ...Option) *SpeakerChain {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	c := &SpeakerChain{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.add(primaryName, primary)
	return c
}

// AddFallback appends a speaker tried after all earlier entries have failed.
func (c *SpeakerChain) AddFallback(name string, s tts.Speaker) {
	c.add(name, s)
}

func (c *SpeakerChain) add(name string, s tts.Speaker) {
	bcfg := c.cfg.Breaker
	bcfg.Name = name
	c.entries = append(c.entries, chainEntry{
		name:    name,
		speaker: s,
		breaker: NewBreaker(bcfg),
	})
}

// Speak walks the attempt ladder until one speaker finishes the utterance.
// Cancellation of ctx stops the ladder immediately and is returned wrapped,
// so callers can still distinguish a barge-in from provider failure with
// errors.Is.
func (c *SpeakerChain) Speak(ctx context.Context, text string) error {
	var (
		state   = stateAttempt
		idx     int
		attempt = 1
		lastErr error
	)
	for {
		switch state {
		case stateAttempt:
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("resilience: speak interrupted: %w", err)
			}
			entry := &c.entries[idx]
			err := c.attemptOnce(ctx, entry, text)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return fmt.Errorf("resilience: speak interrupted: %w", ctx.Err())
			}
			lastErr = err
			if errors.Is(err, ErrCircuitOpen) {
				c.logger.Debug("skipping speaker, circuit open", "speaker", entry.name)
				state = stateFallback
				continue
			}
			c.failures.Add(1)
			c.logger.Warn("speak attempt failed",
				"speaker", entry.name, "attempt", attempt, "err", err)
			if attempt < c.cfg.Attempts {
				state = stateRetry
			} else {
				state = stateFallback
			}

		case stateRetry:
			if err := Sleep(ctx, c.cfg.RetryDelay); err != nil {
				return fmt.Errorf("resilience: speak interrupted: %w", err)
			}
			attempt++
			state = stateAttempt

		case stateFallback:
			idx++
			attempt = 1
			if idx == len(c.entries) {
				state = stateFailed
				continue
			}
			c.logger.Info("falling back to next speaker", "speaker", c.entries[idx].name)
			state = stateAttempt

		case stateFailed:
			return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
		}
	}
}

// attemptOnce runs one Speak call through the entry's breaker, applying the
// per-attempt timeout if one is configured.
func (c *SpeakerChain) attemptOnce(ctx context.Context, entry *chainEntry, text string) error {
	return entry.breaker.Execute(func() error {
		c.attempts.Add(1)
		actx := ctx
		if c.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
			defer cancel()
		}
		return entry.speaker.Speak(actx, text)
	})
}

// Attempts reports how many speak attempts have reached a backend.
func (c *SpeakerChain) Attempts() int64 { return c.attempts.Load() }

// Failures reports how many of those attempts failed.
func (c *SpeakerChain) Failures() int64 { return c.failures.Load() }
