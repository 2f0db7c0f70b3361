// Package vad defines the Engine interface for binary voice activity
// detection backends.
//
// A VAD engine wraps a frame-level speech detector (an energy threshold, a
// WebRTC-style classifier, or a neural model) and surfaces it as a stateful
// per-stream session. Each session maintains its own smoothing state so that
// independent audio streams never interfere.
//
// Detection is synchronous by design: IsSpeech returns immediately, making it
// suitable for low-latency pipeline stages that gate capture decisions. The
// adaptive calibration that picks a Sensitivity from measured background
// level lives above this package; sessions simply classify at the level they
// were created with.
package vad

import "fmt"

// Sensitivity selects how readily a session classifies a frame as speech.
// Higher levels detect quieter speech at the cost of more false positives.
// The calibration layer locks one level per listening session based on the
// measured background noise floor.
type Sensitivity int

const (
	// SensitivityLow suits loud environments: only clearly voiced frames
	// count as speech.
	SensitivityLow Sensitivity = 1

	// SensitivityMedium is the general-purpose default.
	SensitivityMedium Sensitivity = 2

	// SensitivityHigh suits quiet rooms: soft speech still registers.
	SensitivityHigh Sensitivity = 3
)

// IsValid reports whether s is a recognised sensitivity level.
func (s Sensitivity) IsValid() bool {
	return s >= SensitivityLow && s <= SensitivityHigh
}

// String returns a human-readable label for logging.
func (s Sensitivity) String() string {
	switch s {
	case SensitivityLow:
		return "low"
	case SensitivityMedium:
		return "medium"
	case SensitivityHigh:
		return "high"
	}
	return fmt.Sprintf("Sensitivity(%d)", int(s))
}

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to IsSpeech. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Most
	// detectors operate on fixed frame sizes (e.g., 10, 20, or 30 ms).
	FrameSizeMs int

	// Sensitivity selects the detection level for this session.
	Sensitivity Sensitivity
}

// Session is an active VAD session for a single audio stream. It is an
// interface so that test code can supply scripted implementations without a
// live engine.
//
// A Session should not be shared between goroutines unless the implementation
// explicitly guarantees concurrent safety.
type Session interface {
	// IsSpeech classifies a single frame of little-endian int16 mono PCM at
	// the SampleRate configured when the session was created. It must not
	// block; it is called once per frame in the capture loop.
	IsSpeech(pcm []byte) (bool, error)

	// Reset clears accumulated detection state (hysteresis flags, smoothing
	// history) without closing the session. Use it when a stream restarts so
	// stale state from the previous segment does not leak forward.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use: multiple goroutines may call NewSession simultaneously.
type Engine interface {
	// NewSession creates a session with the given configuration, immediately
	// ready to accept frames. Returns an error if the configuration is
	// invalid or resources cannot be allocated.
	NewSession(cfg Config) (Session, error)
}
