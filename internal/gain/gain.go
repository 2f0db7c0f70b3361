// Package gain implements automatic gain control for the capture pipeline.
//
// Microphone level varies wildly between rooms, speakers and distances. The
// Normalizer pulls every frame toward a configured target RMS so that the
// voice-activity calibrator and the speech decoder downstream see a stable
// level regardless of the input device.
package gain

import (
	"math"

	"github.com/earshot-ai/earshot/pkg/audio"
)

// rmsFloor avoids dividing by zero on silent frames. A frame at the floor
// asks for the maximum gain, which the clamp then bounds.
const rmsFloor = 1e-4

// rmsSmoothing is the EMA weight for the running input level diagnostic.
const rmsSmoothing = 0.2

// Config holds the normalizer tuning. Values are validated by the loader;
// the zero value is not usable.
type Config struct {
	// TargetRMS is the desired output level in normalized units (0..1).
	TargetRMS float64
	// MinGain and MaxGain bound the applied gain.
	MinGain float64
	MaxGain float64
	// AttackRate is the per-frame smoothing factor applied when the gain
	// must rise (quiet input). ReleaseRate applies when it must fall (loud
	// input). Attack is typically faster than release so quiet speech is
	// recovered quickly without pumping on transients.
	AttackRate  float64
	ReleaseRate float64
}

// Normalizer applies adaptive gain to successive frames. It is owned by the
// capture loop and must not be shared across goroutines.
type Normalizer struct {
	cfg    Config
	gain   float64
	rms    float64
	frames int64
}

// New returns a Normalizer starting at unity gain, clamped into the
// configured bounds.
func New(cfg Config) *Normalizer {
	n := &Normalizer{cfg: cfg, gain: 1}
	n.gain = clamp(n.gain, cfg.MinGain, cfg.MaxGain)
	return n
}

// Process returns a normalized copy of frame. The input is never mutated and
// the output always has the input's length. Silent input is safe: the gain
// converges to MaxGain and stays bounded.
func (n *Normalizer) Process(frame audio.Frame) audio.Frame {
	rms := audio.RMS16(frame.Data)
	n.frames++
	if n.frames == 1 {
		n.rms = rms
	} else {
		n.rms += rmsSmoothing * (rms - n.rms)
	}

	desired := clamp(n.cfg.TargetRMS/math.Max(rms, rmsFloor), n.cfg.MinGain, n.cfg.MaxGain)
	rate := n.cfg.ReleaseRate
	if desired > n.gain {
		rate = n.cfg.AttackRate
	}
	n.gain = clamp(n.gain+rate*(desired-n.gain), n.cfg.MinGain, n.cfg.MaxGain)

	out := make([]byte, len(frame.Data))
	for i := 0; i+1 < len(frame.Data); i += 2 {
		sample := int16(frame.Data[i]) | int16(frame.Data[i+1])<<8
		scaled := float64(sample) * n.gain
		// Hard clip instead of letting the int16 conversion wrap.
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		v := int16(scaled)
		out[i] = byte(v)
		out[i+1] = byte(v >> 8)
	}
	return audio.Frame{Data: out, SampleRate: frame.SampleRate, Captured: frame.Captured}
}

// Gain reports the current gain as a linear factor.
func (n *Normalizer) Gain() float64 { return n.gain }

// GainDB reports the current gain in decibels.
func (n *Normalizer) GainDB() float64 {
	if n.gain <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(n.gain)
}

// RMS reports the smoothed input level, normalized to 0..1.
func (n *Normalizer) RMS() float64 { return n.rms }

// Frames reports how many frames have been processed.
func (n *Normalizer) Frames() int64 { return n.frames }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
