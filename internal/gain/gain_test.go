package gain_test

import (
	"math"
	"testing"
	"time"

	"github.com/earshot-ai/earshot/internal/gain"
	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/mic"
	"github.com/earshot-ai/earshot/pkg/provider/mic/mock"
)

func testConfig() gain.Config {
	return gain.Config{
		TargetRMS:   0.1,
		MinGain:     0.5,
		MaxGain:     8,
		AttackRate:  0.3,
		ReleaseRate: 0.1,
	}
}

func frameAt(amplitude int16) audio.Frame {
	cfg := mic.Config{SampleRate: 16000, FrameDuration: 20 * time.Millisecond}
	return mock.LevelFrame(cfg, amplitude)
}

func TestGainStaysBounded(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	n := gain.New(cfg)

	inputs := []int16{0, 0, 0, 30000, 30000, 0, 100, 32000, 0, 0}
	for _, amp := range inputs {
		for range 50 {
			n.Process(frameAt(amp))
			if g := n.Gain(); g < cfg.MinGain || g > cfg.MaxGain {
				t.Fatalf("gain %v escaped bounds [%v, %v] on amplitude %d",
					g, cfg.MinGain, cfg.MaxGain, amp)
			}
		}
	}
}

func TestQuietInputIsBoosted(t *testing.T) {
	t.Parallel()

	n := gain.New(testConfig())
	// Amplitude 1000 is RMS ~0.03, well below the 0.1 target.
	var out audio.Frame
	for range 100 {
		out = n.Process(frameAt(1000))
	}
	if g := n.Gain(); g <= 1 {
		t.Fatalf("gain = %v after quiet input, want > 1", g)
	}
	if rms := audio.RMS16(out.Data); math.Abs(rms-0.1) > 0.02 {
		t.Fatalf("output RMS = %v, want ~0.1", rms)
	}
}

func TestLoudInputIsAttenuated(t *testing.T) {
	t.Parallel()

	n := gain.New(testConfig())
	// Amplitude 30000 is RMS ~0.92, far above the 0.1 target.
	var out audio.Frame
	for range 100 {
		out = n.Process(frameAt(30000))
	}
	if g := n.Gain(); g >= 1 {
		t.Fatalf("gain = %v after loud input, want < 1", g)
	}
	if rms := audio.RMS16(out.Data); math.Abs(rms-0.1) > 0.02 {
		t.Fatalf("output RMS = %v, want ~0.1", rms)
	}
}

func TestAttackOutpacesRelease(t *testing.T) {
	t.Parallel()

	cfg := testConfig()

	// One quiet frame moves the gain up by AttackRate of the distance.
	up := gain.New(cfg)
	quiet := frameAt(1000)
	up.Process(quiet)
	desiredUp := cfg.TargetRMS / audio.RMS16(quiet.Data)
	wantUp := 1 + cfg.AttackRate*(desiredUp-1)
	if got := up.Gain(); math.Abs(got-wantUp) > 1e-9 {
		t.Fatalf("gain after one quiet frame = %v, want %v", got, wantUp)
	}

	// One loud frame moves it down by only ReleaseRate of the distance.
	down := gain.New(cfg)
	loud := frameAt(30000)
	down.Process(loud)
	desiredDown := cfg.TargetRMS / audio.RMS16(loud.Data)
	wantDown := 1 + cfg.ReleaseRate*(desiredDown-1)
	if got := down.Gain(); math.Abs(got-wantDown) > 1e-9 {
		t.Fatalf("gain after one loud frame = %v, want %v", got, wantDown)
	}
}

func TestHardClipPreventsWraparound(t *testing.T) {
	t.Parallel()

	// Pin the gain at 8x so amplitude 10000 would scale to 80000 without
	// clipping.
	cfg := gain.Config{TargetRMS: 0.1, MinGain: 8, MaxGain: 8, AttackRate: 1, ReleaseRate: 1}
	n := gain.New(cfg)

	data := make([]byte, 640)
	pos, neg := int16(10000), int16(-10000)
	for i := 0; i < len(data); i += 4 {
		data[i] = byte(pos)
		data[i+1] = byte(pos >> 8)
		data[i+2] = byte(neg)
		data[i+3] = byte(neg >> 8)
	}
	out := n.Process(audio.Frame{Data: data, SampleRate: 16000})

	for i := 0; i+1 < len(out.Data); i += 2 {
		sample := int16(out.Data[i]) | int16(out.Data[i+1])<<8
		switch {
		case i%4 == 0 && sample != 32767:
			t.Fatalf("positive sample %d = %d, want clipped 32767", i/2, sample)
		case i%4 == 2 && sample != -32768:
			t.Fatalf("negative sample %d = %d, want clipped -32768", i/2, sample)
		}
	}
}

func TestProcessPreservesInput(t *testing.T) {
	t.Parallel()

	n := gain.New(testConfig())
	in := frameAt(1000)
	orig := append([]byte(nil), in.Data...)

	out := n.Process(in)
	if len(out.Data) != len(in.Data) {
		t.Fatalf("output length = %d, want %d", len(out.Data), len(in.Data))
	}
	for i := range in.Data {
		if in.Data[i] != orig[i] {
			t.Fatal("Process mutated its input frame")
		}
	}
}

func TestDiagnostics(t *testing.T) {
	t.Parallel()

	n := gain.New(testConfig())
	if db := n.GainDB(); db != 0 {
		t.Fatalf("GainDB at unity gain = %v, want 0", db)
	}

	n.Process(frameAt(1000))
	if n.Frames() != 1 {
		t.Fatalf("Frames() = %d, want 1", n.Frames())
	}
	wantRMS := audio.RMS16(frameAt(1000).Data)
	if math.Abs(n.RMS()-wantRMS) > 1e-9 {
		t.Fatalf("RMS() = %v, want %v after first frame", n.RMS(), wantRMS)
	}
}
