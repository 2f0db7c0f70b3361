package whisper

import (
	"context"
	"testing"
	"time"

	"github.com/earshot-ai/earshot/pkg/provider/stt"
)

// Model-free tests: everything here exercises decoder state handling that
// short-circuits before any whisper.cpp inference runs.

func TestNew_EmptyModelPath(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty model path")
	}
}

func TestOpenDecoder_CancelledContext(t *testing.T) {
	p := &Provider{language: "en", sampleRate: 16000, partialInterval: defaultPartialInterval}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.OpenDecoder(ctx, stt.DecoderConfig{}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestOpenDecoder_ConfigOverrides(t *testing.T) {
	p := &Provider{language: "en", sampleRate: 16000, partialInterval: defaultPartialInterval}

	dec, err := p.OpenDecoder(context.Background(), stt.DecoderConfig{
		SampleRate: 8000,
		Language:   "de",
	})
	if err != nil {
		t.Fatalf("OpenDecoder: %v", err)
	}
	d := dec.(*decoder)
	if d.language != "de" {
		t.Errorf("language = %q, want %q", d.language, "de")
	}
	if d.sampleRate != 8000 {
		t.Errorf("sampleRate = %d, want 8000", d.sampleRate)
	}

	// Zero config fields fall back to the provider defaults.
	dec, err = p.OpenDecoder(context.Background(), stt.DecoderConfig{})
	if err != nil {
		t.Fatalf("OpenDecoder: %v", err)
	}
	d = dec.(*decoder)
	if d.language != "en" || d.sampleRate != 16000 {
		t.Errorf("defaults not applied: language=%q sampleRate=%d", d.language, d.sampleRate)
	}
}

func TestDecoder_FeedBuffersBelowPartialThreshold(t *testing.T) {
	// Frames below minPartialBuffer accumulate without triggering a
	// background decode (which would need a loaded model).
	d := &decoder{sampleRate: 16000, partialInterval: defaultPartialInterval}

	frame := make([]byte, 640) // 20 ms at 16 kHz
	for range 3 {
		if err := d.Feed(frame); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}

	if got := d.PartialText(); got != "" {
		t.Errorf("PartialText() = %q, want empty before any decode", got)
	}
	if len(d.buf) != 3*len(frame) {
		t.Errorf("buffered %d bytes, want %d", len(d.buf), 3*len(frame))
	}
}

func TestDecoder_ResetClearsUtterance(t *testing.T) {
	d := &decoder{sampleRate: 16000, partialInterval: defaultPartialInterval}
	d.buf = []byte{1, 2, 3, 4}
	d.partial = "stale guess"
	d.lastDecode = time.Now()

	if err := d.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if len(d.buf) != 0 {
		t.Errorf("buffer not cleared: %d bytes", len(d.buf))
	}
	if got := d.PartialText(); got != "" {
		t.Errorf("PartialText() = %q after Reset, want empty", got)
	}
}

func TestDecoder_FinalizeEmptyBuffer(t *testing.T) {
	d := &decoder{sampleRate: 16000, partialInterval: defaultPartialInterval}

	res, err := d.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Text != "" || len(res.Words) != 0 {
		t.Errorf("Finalize() = %+v, want zero result for empty buffer", res)
	}
}

func TestDecoder_ClosedRejectsCalls(t *testing.T) {
	d := &decoder{sampleRate: 16000, partialInterval: defaultPartialInterval}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := d.Feed([]byte{0, 0}); err == nil {
		t.Error("expected Feed error after Close")
	}
	if err := d.Reset(context.Background()); err == nil {
		t.Error("expected Reset error after Close")
	}
	if _, err := d.Finalize(context.Background()); err == nil {
		t.Error("expected Finalize error after Close")
	}
}
