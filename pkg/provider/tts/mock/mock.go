// Package mock provides configurable in-memory tts implementations for
// tests. Both the Synthesizer and the Speaker record their calls so tests
// can assert on what was spoken and when.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/earshot-ai/earshot/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Synthesizer = (*Synthesizer)(nil)
	_ tts.Speaker     = (*Speaker)(nil)
)

// Synthesizer is a scriptable tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Clip is returned from every Synthesize call unless Err is set.
	Clip tts.Audio

	// Err, when non-nil, is returned from every Synthesize call.
	Err error

	// Texts records the text of every Synthesize call in order.
	Texts []string
}

// Synthesize records the call and returns the scripted clip or error.
func (s *Synthesizer) Synthesize(_ context.Context, text string) (tts.Audio, error) {
	s.mu.Lock()
	s.Texts = append(s.Texts, text)
	s.mu.Unlock()
	if s.Err != nil {
		return tts.Audio{}, s.Err
	}
	return s.Clip, nil
}

// Calls returns how many times Synthesize has been called.
func (s *Synthesizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Texts)
}

// Speaker is a scriptable tts.Speaker.
type Speaker struct {
	mu sync.Mutex

	// Delay simulates playback time. Speak blocks for this long (or until
	// ctx is cancelled) before returning.
	Delay time.Duration

	// Err, when non-nil, is returned from every Speak call after the delay.
	Err error

	// Errs, when non-empty, overrides Err per call: the first Speak call
	// returns Errs[0], the second Errs[1], and so on. Calls beyond the end
	// of the slice fall back to Err.
	Errs []error

	// Texts records the text of every Speak call in order.
	Texts []string
}

// Speak records the call, waits out the configured delay and returns the
// scripted error for this call.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.Texts = append(s.Texts, text)
	call := len(s.Texts) - 1
	delay := s.Delay
	err := s.Err
	if call < len(s.Errs) {
		err = s.Errs[call]
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Calls returns how many times Speak has been called.
func (s *Speaker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Texts)
}

// Spoken returns a copy of the recorded Speak texts.
func (s *Speaker) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Texts))
	copy(out, s.Texts)
	return out
}
