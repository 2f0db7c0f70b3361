// Package energy provides an RMS-threshold VAD engine.
//
// The detector classifies a frame as speech when its normalized RMS level
// crosses a per-sensitivity threshold, with a hysteresis band so that a
// frame sequence hovering around the boundary does not flap between speech
// and silence. It needs no model files and no cgo, which makes it the
// default engine for pipelines whose input has already been gain-normalized
// to a known target level.
package energy

import (
	"fmt"
	"sync"

	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

// thresholds holds the hysteresis pair for one sensitivity level. A frame
// enters speech at or above Speech and leaves speech only when it falls
// below Silence.
type thresholds struct {
	Speech  float64
	Silence float64
}

// levelThresholds maps each sensitivity level to its RMS hysteresis pair.
// Values are normalized RMS in [0, 1] and assume input that has been
// gain-normalized toward a target around 0.08–0.12; quiet rooms get the
// high-sensitivity pair so soft speech still clears the bar.
var levelThresholds = map[vad.Sensitivity]thresholds{
	vad.SensitivityLow:    {Speech: 0.030, Silence: 0.015},
	vad.SensitivityMedium: {Speech: 0.015, Silence: 0.008},
	vad.SensitivityHigh:   {Speech: 0.008, Silence: 0.004},
}

// Engine implements vad.Engine with RMS thresholding.
type Engine struct{}

// Ensure Engine implements the vad.Engine interface at compile time.
var _ vad.Engine = (*Engine)(nil)

// New returns an RMS-threshold VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy vad: sample rate %d is invalid", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy vad: frame size %dms is invalid", cfg.FrameSizeMs)
	}
	th, ok := levelThresholds[cfg.Sensitivity]
	if !ok {
		return nil, fmt.Errorf("energy vad: sensitivity %d is invalid; valid levels: 1-3", cfg.Sensitivity)
	}

	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		frameBytes: frameBytes,
		th:         th,
	}, nil
}

// session classifies frames for one stream. Safe for concurrent use, though
// the capture loop is expected to be the only caller.
type session struct {
	mu         sync.Mutex
	frameBytes int
	th         thresholds
	inSpeech   bool
	closed     bool
}

var _ vad.Session = (*session)(nil)

// IsSpeech implements vad.Session. The hysteresis band means the answer
// depends on the previous frame's classification: once in speech, the level
// must drop below the silence threshold before the session reports silence
// again.
func (s *session) IsSpeech(pcm []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, fmt.Errorf("energy vad: session is closed")
	}
	if len(pcm) != s.frameBytes {
		return false, fmt.Errorf("energy vad: frame is %d bytes, want %d", len(pcm), s.frameBytes)
	}

	rms := audio.RMS16(pcm)
	switch {
	case rms >= s.th.Speech:
		s.inSpeech = true
	case rms < s.th.Silence:
		s.inSpeech = false
	}
	// Between the two thresholds the previous classification stands.
	return s.inSpeech, nil
}

// Reset implements vad.Session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
}

// Close implements vad.Session.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
