// Package duplex coordinates the half-duplex policy between microphone
// capture and speech playback: capture is muted while the assistant speaks
// so that the pipeline never hears the assistant's own voice.
//
// The mute flag is the single piece of state shared between the capture
// loop and the playback call site. Read blocks while muted, but the wait is
// bounded: if playback wedges and never unmutes, the coordinator forces the
// microphone back open after a safety timeout instead of starving capture
// forever.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/earshot-ai/earshot/internal/resilience"
	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/mic"
	"github.com/earshot-ai/earshot/pkg/provider/tts"
)

// ErrMuted is returned by [Coordinator.MuteCapture] when capture is already
// muted. Two overlapping playbacks would corrupt the mute accounting, so the
// second mute is refused rather than silently merged.
var ErrMuted = errors.New("duplex: capture already muted")

const (
	defaultMuteSafetyTimeout = 60 * time.Second
	defaultUnmuteGrace       = 150 * time.Millisecond
)

// Config tunes a [Coordinator]. Zero durations fall back to defaults.
type Config struct {
	// MuteSafetyTimeout is the longest capture stays muted without an
	// unmute before the coordinator forces the microphone back open.
	// Default 60s.
	MuteSafetyTimeout time.Duration

	// UnmuteGrace is how long after an unmute captured audio is still
	// discarded, so the tail of the playback does not leak into the next
	// utterance. Default 150ms.
	UnmuteGrace time.Duration

	// ReadRetry is the backoff schedule applied to transient source read
	// failures. The zero value retries forever, one second doubling to a
	// 30 second cap.
	ReadRetry resilience.Backoff
}

// Option adjusts a [Coordinator].
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithForcedUnmuteFunc registers fn, invoked from Read whenever the safety
// timeout forces the microphone back open. mutedFor is how long capture had
// been muted at that point.
func WithForcedUnmuteFunc(fn func(mutedFor time.Duration)) Option {
	return func(c *Coordinator) { c.onForcedUnmute = fn }
}

// Coordinator wraps a microphone source with the mute policy and retries
// transient read failures. It implements [mic.Source] itself, so the rest of
// the pipeline reads frames without knowing about playback at all.
//
// Read is meant for a single consumer, matching the source it wraps.
type Coordinator struct {
	src            mic.Source
	speaker        tts.Speaker
	logger         *slog.Logger
	now            func() time.Time
	onForcedUnmute func(mutedFor time.Duration)

	safetyTimeout time.Duration
	unmuteGrace   time.Duration
	retry         resilience.Backoff

	// speakMu serializes Speak so only one playback is ever in flight.
	speakMu sync.Mutex

	mu       sync.Mutex
	cond     *sync.Cond
	muted    bool
	mutedAt  time.Time
	resumeAt time.Time
	closed   bool
}

var _ mic.Source = (*Coordinator)(nil)

// New wraps src. The speaker is what [Coordinator.Speak] plays through,
// typically a resilience.SpeakerChain.
func New(src mic.Source, speaker tts.Speaker, cfg Config, opts ...Option) *Coordinator {
	if cfg.MuteSafetyTimeout <= 0 {
		cfg.MuteSafetyTimeout = defaultMuteSafetyTimeout
	}
	if cfg.UnmuteGrace <= 0 {
		cfg.UnmuteGrace = defaultUnmuteGrace
	}
	c := &Coordinator{
		src:           src,
		speaker:       speaker,
		logger:        slog.Default(),
		now:           time.Now,
		safetyTimeout: cfg.MuteSafetyTimeout,
		unmuteGrace:   cfg.UnmuteGrace,
		retry:         cfg.ReadRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Read returns the next captured frame. While capture is muted it blocks
// until unmute, the safety timeout, ctx cancellation, or Close. Frames
// captured before the post-unmute grace has elapsed are discarded, and
// transient source errors are retried on the configured backoff schedule.
func (c *Coordinator) Read(ctx context.Context) (audio.Frame, error) {
	discarded := 0
	for {
		if err := c.waitUnmuted(ctx); err != nil {
			return audio.Frame{}, err
		}

		frame, err := c.src.Read(ctx)
		if err != nil {
			if errors.Is(err, mic.ErrSourceClosed) || ctx.Err() != nil {
				return audio.Frame{}, err
			}
			delay, ok := c.retry.Next()
			if !ok {
				return audio.Frame{}, fmt.Errorf("duplex: source read kept failing: %w", err)
			}
			c.logger.Warn("frame read failed, retrying",
				"err", err, "retry_in", delay, "tries", c.retry.Tries())
			if err := resilience.Sleep(ctx, delay); err != nil {
				return audio.Frame{}, err
			}
			continue
		}
		c.retry.Reset()

		if c.stale(frame) {
			discarded++
			continue
		}
		if discarded > 0 {
			c.logger.Debug("discarded stale frames after unmute", "count", discarded)
		}
		return frame, nil
	}
}

// stale reports whether the frame was captured before the current resume
// point. Frames without a capture timestamp always pass.
func (c *Coordinator) stale(f audio.Frame) bool {
	if f.Captured.IsZero() {
		return false
	}
	c.mu.Lock()
	resumeAt := c.resumeAt
	c.mu.Unlock()
	return f.Captured.Before(resumeAt)
}

// waitUnmuted blocks until capture may read again, enforcing the mute safety
// timeout. The forced-unmute hook runs after the lock is released so it may
// call back into the Coordinator.
func (c *Coordinator) waitUnmuted(ctx context.Context) error {
	forced, err := c.awaitCapture(ctx)
	if forced > 0 && c.onForcedUnmute != nil {
		c.onForcedUnmute(forced)
	}
	return err
}

func (c *Coordinator) awaitCapture(ctx context.Context) (forcedAfter time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.closed {
			return 0, mic.ErrSourceClosed
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !c.muted {
			return 0, nil
		}

		deadline := c.mutedAt.Add(c.safetyTimeout)
		now := c.now()
		if !now.Before(deadline) {
			forcedAfter = now.Sub(c.mutedAt)
			c.logger.Warn("mute safety timeout exceeded, forcing capture unmute",
				"muted_for", forcedAfter)
			c.unmuteLocked()
			return forcedAfter, nil
		}
		c.waitLocked(ctx, deadline.Sub(now))
	}
}

// waitLocked parks on the condition variable until a broadcast, the timeout
// or ctx wakes it. Must be called with c.mu held; the wait is sliced so a
// broadcast racing the park can never stall past the deadline.
func (c *Coordinator) waitLocked(ctx context.Context, timeout time.Duration) {
	if timeout > time.Second {
		timeout = time.Second
	}
	if timeout < 10*time.Millisecond {
		timeout = 10 * time.Millisecond
	}
	timer := time.AfterFunc(timeout, c.cond.Broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, c.cond.Broadcast)
	defer stop()
	c.cond.Wait()
}

// MuteCapture stops Read from returning frames until [Coordinator.UnmuteCapture]
// is called or the safety timeout expires. Returns [ErrMuted] if capture is
// already muted.
func (c *Coordinator) MuteCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.muted {
		return ErrMuted
	}
	c.muted = true
	c.mutedAt = c.now()
	c.logger.Debug("capture muted")
	return nil
}

// UnmuteCapture reopens capture after the grace period. Calling it when
// capture is not muted is a no-op, which keeps mute/unmute pairs balanced
// when the safety timeout already forced the microphone open.
func (c *Coordinator) UnmuteCapture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.muted {
		return
	}
	c.unmuteLocked()
}

// unmuteLocked must be called with c.mu held.
func (c *Coordinator) unmuteLocked() {
	c.muted = false
	c.resumeAt = c.now().Add(c.unmuteGrace)
	c.logger.Debug("capture unmuted", "grace", c.unmuteGrace)
	c.cond.Broadcast()
}

// Muted reports whether capture is currently muted.
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Speak plays text through the configured speaker with capture muted for
// the duration. Calls are strictly serialized; a second Speak queues until
// the first playback has finished. The mute is released even when the
// speaker fails.
func (c *Coordinator) Speak(ctx context.Context, text string) error {
	c.speakMu.Lock()
	defer c.speakMu.Unlock()

	if err := c.MuteCapture(); err != nil {
		return err
	}
	defer c.UnmuteCapture()

	if err := c.speaker.Speak(ctx, text); err != nil {
		return fmt.Errorf("duplex: speak: %w", err)
	}
	return nil
}

// Close releases the wrapped source and unblocks any Read waiting on the
// mute flag.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return c.src.Close()
}
