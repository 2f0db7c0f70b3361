// Package mock provides an in-memory mic.Source for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/mic"
)

// Source replays frames pushed by the test. Read blocks until a frame is
// available, the context ends, or EndInput marks the stream as finished.
type Source struct {
	mu     sync.Mutex
	queue  []audio.Frame
	ended  bool
	closed bool
	reads  int
	wake   chan struct{}
}

var _ mic.Source = (*Source)(nil)

// New returns a Source preloaded with the given frames.
func New(frames ...audio.Frame) *Source {
	return &Source{
		queue: append([]audio.Frame(nil), frames...),
		wake:  make(chan struct{}, 1),
	}
}

// Push appends a frame for a later Read.
func (s *Source) Push(frame audio.Frame) {
	s.mu.Lock()
	s.queue = append(s.queue, frame)
	s.mu.Unlock()
	s.signal()
}

// EndInput marks the stream as finished. Reads drain the queue and then
// return mic.ErrSourceClosed.
func (s *Source) EndInput() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

// Read implements mic.Source.
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			frame := s.queue[0]
			s.queue = s.queue[1:]
			s.reads++
			s.mu.Unlock()
			return frame, nil
		}
		finished := s.ended || s.closed
		s.mu.Unlock()
		if finished {
			return audio.Frame{}, mic.ErrSourceClosed
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		}
	}
}

// Close implements mic.Source.
func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	return nil
}

// Reads reports how many frames have been handed out.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *Source) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// LevelFrame builds a frame of constant-amplitude samples, so its RMS is
// amplitude/32768. Useful for driving level-sensitive code in tests.
func LevelFrame(cfg mic.Config, amplitude int16) audio.Frame {
	n := cfg.FrameBytes() / 2
	data := make([]byte, n*2)
	for i := range n {
		data[i*2] = byte(amplitude)
		data[i*2+1] = byte(amplitude >> 8)
	}
	return audio.Frame{Data: data, SampleRate: cfg.SampleRate, Captured: time.Now()}
}
