// Package mic defines the capture-source contract for microphone audio.
//
// A Source delivers mono 16-bit little-endian PCM in fixed-size frames.
// Implementations own the underlying device or connection: the constructor
// starts capture and Close releases it. Reads are expected from a single
// goroutine.
package mic

import (
	"context"
	"errors"
	"time"

	"github.com/earshot-ai/earshot/pkg/audio"
)

// ErrSourceClosed is returned by Read after Close, or once the underlying
// capture stream has ended and all buffered frames were drained.
var ErrSourceClosed = errors.New("mic: source closed")

// Config carries the frame geometry a Source must produce.
type Config struct {
	// SampleRate is the output rate in Hz, e.g. 16000.
	SampleRate int
	// FrameDuration is the length of one delivered frame, e.g. 20ms.
	FrameDuration time.Duration
}

// FrameBytes returns the byte length of one complete frame.
func (c Config) FrameBytes() int {
	return audio.FrameBytes(c.SampleRate, c.FrameDuration)
}

// Source is a live microphone or microphone-like stream.
type Source interface {
	// Read blocks until the next complete frame is available, the context is
	// cancelled, or the stream ends. Every returned frame has the same
	// length, sample rate and duration.
	Read(ctx context.Context) (audio.Frame, error)

	// Close stops capture and releases the device or connection. Pending and
	// subsequent Reads return ErrSourceClosed.
	Close() error
}

// Framer reassembles an arbitrary byte stream into fixed-size PCM frames.
// Capture backends produce chunks sized by the OS pipe or the network, not
// by our frame geometry, so every Source funnels its raw bytes through one
// of these.
type Framer struct {
	frameBytes int
	buf        []byte
}

// NewFramer returns a Framer cutting frames of frameBytes bytes.
func NewFramer(frameBytes int) *Framer {
	return &Framer{frameBytes: frameBytes}
}

// Push appends raw PCM bytes to the pending buffer.
func (f *Framer) Push(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next returns the oldest complete frame, or false when less than one frame
// is buffered. The returned slice is a copy.
func (f *Framer) Next() ([]byte, bool) {
	if len(f.buf) < f.frameBytes {
		return nil, false
	}
	frame := make([]byte, f.frameBytes)
	copy(frame, f.buf[:f.frameBytes])
	f.buf = f.buf[f.frameBytes:]
	return frame, true
}

// Pending reports the number of buffered bytes not yet forming a full frame
// batch. Useful for flush decisions at end of stream.
func (f *Framer) Pending() int {
	return len(f.buf)
}
