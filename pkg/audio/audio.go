// Package audio defines the Frame type that flows through the capture
// pipeline, along with the PCM math shared by the gain, VAD, and provider
// layers.
//
// All PCM in this package is little-endian signed 16-bit mono unless a
// function says otherwise. A Frame is immutable once produced: stages that
// change sample values (the gain normalizer) allocate a new Frame rather
// than writing through the old one.
package audio

import (
	"math"
	"time"
)

// Frame is one fixed-duration interval of mono 16-bit PCM.
type Frame struct {
	// Data is little-endian int16 PCM. Never mutated after capture.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT pipelines).
	SampleRate int

	// Captured is the wall-clock time the frame was read from the source.
	Captured time.Time
}

// Samples returns the number of int16 samples in the frame.
func (f Frame) Samples() int { return len(f.Data) / 2 }

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// RMS returns the root-mean-square level of the frame normalized to [0, 1],
// where 1.0 corresponds to a full-scale square wave.
func (f Frame) RMS() float64 { return RMS16(f.Data) }

// Clone returns a deep copy of the frame. Use it when handing a frame to a
// component that outlives the caller's buffer.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return Frame{Data: data, SampleRate: f.SampleRate, Captured: f.Captured}
}

// RMS16 computes the normalized root-mean-square of little-endian int16 PCM.
// Returns 0 for empty or odd-length input.
func RMS16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

// FrameBytes returns the byte length of one frame of the given duration at
// the given sample rate, for mono int16 PCM.
func FrameBytes(sampleRate int, frameDuration time.Duration) int {
	samples := int(int64(sampleRate) * int64(frameDuration) / int64(time.Second))
	return samples * 2
}

// BytesDuration returns the play time of n bytes of mono int16 PCM at the
// given sample rate.
func BytesDuration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(sampleRate)
}
