package alsa

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/earshot-ai/earshot/pkg/provider/mic"
)

func testConfig() mic.Config {
	return mic.Config{SampleRate: 16000, FrameDuration: 20 * time.Millisecond}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(mic.Config{SampleRate: 0, FrameDuration: 20 * time.Millisecond}); err == nil {
		t.Fatal("expected error for zero sample rate, got nil")
	}
	if _, err := New(mic.Config{SampleRate: 16000}); err == nil {
		t.Fatal("expected error for zero frame duration, got nil")
	}
}

func TestReadDeliversFramesUntilEOF(t *testing.T) {
	t.Parallel()

	// 12800 zero bytes at 640 bytes per frame is exactly 20 frames.
	src, err := New(testConfig(), WithCommand("head", "-c", "12800", "/dev/zero"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frames int
	for {
		frame, err := src.Read(ctx)
		if err != nil {
			if !errors.Is(err, mic.ErrSourceClosed) {
				t.Fatalf("Read: %v, want ErrSourceClosed at end of stream", err)
			}
			break
		}
		if len(frame.Data) != 640 {
			t.Fatalf("frame length = %d, want 640", len(frame.Data))
		}
		if frame.SampleRate != 16000 {
			t.Fatalf("frame sample rate = %d, want 16000", frame.SampleRate)
		}
		frames++
	}
	if frames != 20 {
		t.Fatalf("got %d frames, want 20", frames)
	}
}

func TestReadSurfacesRecorderFailure(t *testing.T) {
	t.Parallel()

	src, err := New(testConfig(), WithCommand("false"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = src.Read(ctx)
	if err == nil {
		t.Fatal("expected error from failing recorder, got nil")
	}
	if !strings.Contains(err.Error(), "exited") {
		t.Fatalf("error %q does not mention the recorder exit", err)
	}
}

func TestCloseStopsRunningRecorder(t *testing.T) {
	t.Parallel()

	src, err := New(testConfig(), WithCommand("sleep", "10"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Close took %s, should kill the recorder promptly", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := src.Read(ctx); !errors.Is(err, mic.ErrSourceClosed) {
		t.Fatalf("Read after Close: %v, want ErrSourceClosed", err)
	}
}

func TestReadHonorsContext(t *testing.T) {
	t.Parallel()

	// sleep produces no output, so Read can only end via the context.
	src, err := New(testConfig(), WithCommand("sleep", "10"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := src.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Read: %v, want context.DeadlineExceeded", err)
	}
}

func TestDefaultArgs(t *testing.T) {
	t.Parallel()

	got := strings.Join(expandArgs(defaultArgs(""), 16000, ""), " ")
	want := "-q -f S16_LE -r 16000 -c 1 -t raw -"
	if got != want {
		t.Fatalf("default args = %q, want %q", got, want)
	}

	got = strings.Join(expandArgs(defaultArgs("hw:1,0"), 48000, "hw:1,0"), " ")
	want = "-q -D hw:1,0 -f S16_LE -r 48000 -c 1 -t raw -"
	if got != want {
		t.Fatalf("device args = %q, want %q", got, want)
	}
}
