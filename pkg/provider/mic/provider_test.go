package mic_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/earshot-ai/earshot/pkg/provider/mic"
)

func TestConfigFrameBytes(t *testing.T) {
	t.Parallel()

	cfg := mic.Config{SampleRate: 16000, FrameDuration: 20 * time.Millisecond}
	if got := cfg.FrameBytes(); got != 640 {
		t.Fatalf("FrameBytes() = %d, want 640", got)
	}
}

func TestFramerCutsExactFrames(t *testing.T) {
	t.Parallel()

	f := mic.NewFramer(4)
	f.Push([]byte{1, 2, 3})
	if _, ok := f.Next(); ok {
		t.Fatal("Next returned a frame from 3 buffered bytes")
	}
	if f.Pending() != 3 {
		t.Fatalf("Pending() = %d, want 3", f.Pending())
	}

	f.Push([]byte{4, 5, 6, 7, 8, 9})
	first, ok := f.Next()
	if !ok {
		t.Fatal("expected a complete frame")
	}
	if !bytes.Equal(first, []byte{1, 2, 3, 4}) {
		t.Fatalf("first frame = %v, want [1 2 3 4]", first)
	}
	second, ok := f.Next()
	if !ok {
		t.Fatal("expected a second complete frame")
	}
	if !bytes.Equal(second, []byte{5, 6, 7, 8}) {
		t.Fatalf("second frame = %v, want [5 6 7 8]", second)
	}
	if _, ok := f.Next(); ok {
		t.Fatal("Next returned a third frame, only 1 byte should remain")
	}
	if f.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", f.Pending())
	}
}

func TestFramerReturnsCopies(t *testing.T) {
	t.Parallel()

	f := mic.NewFramer(2)
	f.Push([]byte{10, 20, 30, 40})
	first, _ := f.Next()
	first[0] = 99
	second, _ := f.Next()
	if second[0] != 30 {
		t.Fatalf("mutating an earlier frame changed a later one: got %d, want 30", second[0])
	}
}
