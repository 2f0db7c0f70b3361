// Package preroll keeps the most recent stretch of normalized audio so that
// a wake trigger can hand off the frames captured just before it fired. The
// first syllable of an utterance usually lands before the trigger does.
package preroll

import (
	"sync"

	"github.com/earshot-ai/earshot/pkg/audio"
)

// Ring is a fixed-capacity frame FIFO. Push evicts the oldest frame when
// full and never blocks. Push and Snapshot are safe to call concurrently.
// Frame data is treated as immutable once pushed, so Snapshot can share the
// underlying sample buffers.
type Ring struct {
	mu     sync.Mutex
	frames []audio.Frame
	next   int
	size   int
}

// NewRing returns a ring holding up to capacity frames. A capacity below 1
// is raised to 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{frames: make([]audio.Frame, capacity)}
}

// Push appends frame, evicting the oldest entry when the ring is full.
func (r *Ring) Push(frame audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[r.next] = frame
	r.next = (r.next + 1) % len(r.frames)
	if r.size < len(r.frames) {
		r.size++
	}
}

// Snapshot returns the buffered frames oldest-first without mutating the
// ring. The returned slice is owned by the caller.
func (r *Ring) Snapshot() []audio.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audio.Frame, r.size)
	start := r.next - r.size
	if start < 0 {
		start += len(r.frames)
	}
	for i := range r.size {
		out[i] = r.frames[(start+i)%len(r.frames)]
	}
	return out
}

// Clear drops all buffered frames. Used when returning to idle listening so
// a later trigger's pre-roll does not contain conversation audio.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.frames {
		r.frames[i] = audio.Frame{}
	}
	r.next = 0
	r.size = 0
}

// Len reports how many frames are buffered.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap reports the fixed capacity.
func (r *Ring) Cap() int {
	return len(r.frames)
}
