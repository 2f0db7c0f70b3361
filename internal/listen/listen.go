// Package listen adapts voice activity detection to the room it is running
// in. A fixed detection level that works in a quiet office fires constantly
// next to a dishwasher; the Calibrator measures the background level during
// a short startup window and locks one of the detector's discrete
// sensitivity levels for the rest of the listening session.
//
// Calibration runs on normalized frames. Calibrating on raw input while
// classifying gain-boosted audio would shift the operating point between the
// two phases and misclassify systematically, so both happen after the gain
// stage.
package listen

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

// Config tunes the calibration window and the level selection thresholds.
type Config struct {
	// SampleRate and FrameDuration describe the frames being classified.
	SampleRate    int
	FrameDuration time.Duration

	// CalibrationFrames is the length of the measurement window. 50 frames
	// of 20ms is one second.
	CalibrationFrames int

	// QuietMax and ModerateMax partition the measured background RMS
	// (normalized, 0..1) into sensitivity levels: below QuietMax the room is
	// quiet and the detector runs at high sensitivity; below ModerateMax it
	// runs at medium; above, at low.
	QuietMax    float64
	ModerateMax float64
}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithLogger sets the logger for calibration lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Calibrator) { c.logger = l }
}

// WithCalibratedFunc registers fn, invoked on the capture goroutine each time
// a measurement window completes and a sensitivity level locks.
func WithCalibratedFunc(fn func(background float64, sensitivity vad.Sensitivity)) Option {
	return func(c *Calibrator) { c.onCalibrated = fn }
}

// Calibrator owns the adaptive VAD state. All methods except
// RequestRecalibration must be called from the capture loop only;
// RequestRecalibration may be called from any goroutine.
type Calibrator struct {
	cfg          Config
	engine       vad.Engine
	logger       *slog.Logger
	onCalibrated func(background float64, sensitivity vad.Sensitivity)

	calibrating bool
	framesSeen  int
	rmsSum      float64

	background  float64
	sensitivity vad.Sensitivity
	session     vad.Session

	pending atomic.Bool
}

// New returns a Calibrator in its calibration phase.
func New(engine vad.Engine, cfg Config, opts ...Option) *Calibrator {
	c := &Calibrator{
		cfg:         cfg,
		engine:      engine,
		logger:      slog.Default(),
		calibrating: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsSpeech classifies one normalized frame. During the calibration window it
// accumulates the background level and reports false; once the window ends
// it locks a sensitivity level and delegates to the detector.
func (c *Calibrator) IsSpeech(frame audio.Frame) (bool, error) {
	if c.pending.CompareAndSwap(true, false) {
		c.restart()
	}

	if c.calibrating {
		c.rmsSum += audio.RMS16(frame.Data)
		c.framesSeen++
		if c.framesSeen >= c.cfg.CalibrationFrames {
			if err := c.lock(); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if c.session == nil {
		// A previous lock failed to open a detector session. Retry here so a
		// transient engine failure does not disable detection permanently.
		if err := c.openSession(); err != nil {
			return false, err
		}
	}
	return c.session.IsSpeech(frame.Data)
}

// Calibrating reports whether the measurement window is still running.
func (c *Calibrator) Calibrating() bool { return c.calibrating }

// Sensitivity reports the locked level, or 0 while calibrating.
func (c *Calibrator) Sensitivity() vad.Sensitivity {
	if c.calibrating {
		return 0
	}
	return c.sensitivity
}

// Background reports the measured background RMS of the last completed
// calibration window.
func (c *Calibrator) Background() float64 { return c.background }

// Reset clears the detector's per-utterance smoothing state while keeping
// the locked sensitivity. Called between utterances.
func (c *Calibrator) Reset() {
	if c.session != nil {
		c.session.Reset()
	}
}

// RequestRecalibration schedules a fresh calibration window, starting at the
// next frame. Intended for the case where the original window was skewed by
// a transient noise burst; the level is never re-selected automatically.
// Safe to call from any goroutine; a request while one is already pending is
// a no-op.
func (c *Calibrator) RequestRecalibration() {
	c.pending.Store(true)
}

// Close releases the detector session.
func (c *Calibrator) Close() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func (c *Calibrator) restart() {
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Warn("closing detector session for recalibration", "err", err)
		}
		c.session = nil
	}
	c.calibrating = true
	c.framesSeen = 0
	c.rmsSum = 0
	c.logger.Info("vad recalibration started", "window_frames", c.cfg.CalibrationFrames)
}

// lock finishes the measurement window: selects a sensitivity from the
// average background level and opens the detector session.
func (c *Calibrator) lock() error {
	c.background = c.rmsSum / float64(c.framesSeen)
	switch {
	case c.background < c.cfg.QuietMax:
		c.sensitivity = vad.SensitivityHigh
	case c.background < c.cfg.ModerateMax:
		c.sensitivity = vad.SensitivityMedium
	default:
		c.sensitivity = vad.SensitivityLow
	}
	c.calibrating = false
	c.logger.Info("vad calibrated",
		"background_rms", c.background,
		"sensitivity", c.sensitivity.String())
	if c.onCalibrated != nil {
		c.onCalibrated(c.background, c.sensitivity)
	}
	return c.openSession()
}

func (c *Calibrator) openSession() error {
	session, err := c.engine.NewSession(vad.Config{
		SampleRate:  c.cfg.SampleRate,
		FrameSizeMs: int(c.cfg.FrameDuration / time.Millisecond),
		Sensitivity: c.sensitivity,
	})
	if err != nil {
		return fmt.Errorf("listen: open detector session: %w", err)
	}
	c.session = session
	return nil
}
