package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/earshot-ai/earshot/pkg/audio"
)

// ---- test helpers ----

// buildTestWAV wraps pcm in a canonical 44-byte RIFF/WAVE header at the given
// sample rate (mono, 16-bit).
func buildTestWAV(t *testing.T, pcm []byte, sampleRate int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := audio.EncodeWAV(&buf, pcm, sampleRate); err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return buf.Bytes()
}

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, serverURL string, opts ...Option) *Synthesizer {
	t.Helper()
	s, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return s
}

// ---- construction ----

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s := mustNew(t, "http://localhost:5002")
		if s.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want %q", s.serverURL, "http://localhost:5002")
		}
		if s.language != defaultLanguage {
			t.Errorf("language = %q, want %q", s.language, defaultLanguage)
		}
		if s.apiMode != APIModeStandard {
			t.Errorf("apiMode = %q, want %q", s.apiMode, APIModeStandard)
		}
		if s.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", s.httpClient.Timeout, defaultTimeout)
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		s := mustNew(t, "http://localhost:5002/")
		if s.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", s.serverURL)
		}
	})

	t.Run("empty URL returns error", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Fatal("expected error for empty URL, got nil")
		}
	})

	t.Run("XTTS mode requires speaker", func(t *testing.T) {
		if _, err := New("http://localhost:8002", WithAPIMode(APIModeXTTS)); err == nil {
			t.Fatal("expected error for XTTS mode without speaker, got nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		s := mustNew(t, "http://localhost:8002",
			WithLanguage("de"),
			WithTimeout(5*time.Second),
			WithAPIMode(APIModeXTTS),
			WithSpeaker("anna.wav"),
			WithOutputSampleRate(16000),
		)
		if s.language != "de" {
			t.Errorf("language = %q, want %q", s.language, "de")
		}
		if s.httpClient.Timeout != 5*time.Second {
			t.Errorf("timeout = %v, want %v", s.httpClient.Timeout, 5*time.Second)
		}
		if s.apiMode != APIModeXTTS {
			t.Errorf("apiMode = %q, want %q", s.apiMode, APIModeXTTS)
		}
		if s.speaker != "anna.wav" {
			t.Errorf("speaker = %q, want %q", s.speaker, "anna.wav")
		}
		if s.outputRate != 16000 {
			t.Errorf("outputRate = %d, want 16000", s.outputRate)
		}
	})
}

// ---- Synthesize (standard mode) ----

func TestSynthesize_StandardAPI(t *testing.T) {
	t.Parallel()

	wantPCM := make([]byte, 80)
	for i := range wantPCM {
		wantPCM[i] = 0x33
	}
	wavData := buildTestWAV(t, wantPCM, 22050)

	var (
		reqMu   sync.Mutex
		gotURLs []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiTTSEndpoint {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reqMu.Lock()
		gotURLs = append(gotURLs, r.URL.String())
		reqMu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wavData)
	}))
	defer srv.Close()

	s := mustNew(t, srv.URL, WithSpeaker("p225"), WithLanguage("en"))

	clip, err := s.Synthesize(context.Background(), "Hello world.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if !bytes.Equal(clip.PCM, wantPCM) {
		t.Errorf("clip PCM = %d bytes, want original %d bytes", len(clip.PCM), len(wantPCM))
	}
	if clip.SampleRate != 22050 {
		t.Errorf("clip.SampleRate = %d, want 22050", clip.SampleRate)
	}

	if len(gotURLs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(gotURLs))
	}
	u := gotURLs[0]
	for _, want := range []string{"text=Hello+world.", "speaker_id=p225", "language_id=en"} {
		if !strings.Contains(u, want) {
			t.Errorf("request URL %q missing %q", u, want)
		}
	}
}

// ---- Synthesize (XTTS mode) ----

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	wavData := buildTestWAV(t, wantPCM, 24000)

	var (
		reqMu   sync.Mutex
		gotReqs []ttsRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ttsEndpoint {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		reqMu.Lock()
		gotReqs = append(gotReqs, req)
		reqMu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wavData)
	}))
	defer srv.Close()

	s := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS), WithSpeaker("anna.wav"), WithLanguage("de"))

	clip, err := s.Synthesize(context.Background(), "Guten Tag.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if !bytes.Equal(clip.PCM, wantPCM) {
		t.Errorf("clip PCM mismatch")
	}
	if clip.SampleRate != 24000 {
		t.Errorf("clip.SampleRate = %d, want 24000", clip.SampleRate)
	}

	if len(gotReqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(gotReqs))
	}
	req := gotReqs[0]
	if req.Text != "Guten Tag." {
		t.Errorf("request text = %q, want %q", req.Text, "Guten Tag.")
	}
	if req.SpeakerWav != "anna.wav" {
		t.Errorf("speaker_wav = %q, want %q", req.SpeakerWav, "anna.wav")
	}
	if req.Language != "de" {
		t.Errorf("language = %q, want %q", req.Language, "de")
	}
}

// ---- error handling ----

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := mustNew(t, srv.URL)
	_, err := s.Synthesize(context.Background(), "A sentence.")
	if err == nil {
		t.Fatal("expected error on server failure, got nil")
	}
	if !strings.Contains(err.Error(), "coqui:") {
		t.Errorf("error %q missing 'coqui:' prefix", err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error %q does not include the status code", err)
	}
}

func TestSynthesize_BadWAVResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this is not a wav container"))
	}))
	defer srv.Close()

	s := mustNew(t, srv.URL)
	_, err := s.Synthesize(context.Background(), "A sentence.")
	if err == nil {
		t.Fatal("expected error for malformed WAV response, got nil")
	}
	if !strings.Contains(err.Error(), "parse WAV") {
		t.Errorf("error %q does not mention WAV parsing", err)
	}
}

func TestSynthesize_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := mustNew(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := s.Synthesize(ctx, "A sentence."); err == nil {
		t.Fatal("expected error on context timeout, got nil")
	}
}

// ---- output conversion ----

func TestSynthesize_Resample(t *testing.T) {
	t.Parallel()

	// 100 ms of silence at 48 kHz mono: 4800 samples.
	srcPCM := make([]byte, 4800*2)
	wavData := buildTestWAV(t, srcPCM, 48000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wavData)
	}))
	defer srv.Close()

	s := mustNew(t, srv.URL, WithOutputSampleRate(16000))

	clip, err := s.Synthesize(context.Background(), "Quiet.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.SampleRate != 16000 {
		t.Errorf("clip.SampleRate = %d, want 16000", clip.SampleRate)
	}
	// 100 ms at 16 kHz is 1600 samples.
	if got := len(clip.PCM) / 2; got != 1600 {
		t.Errorf("resampled clip has %d samples, want 1600", got)
	}
}
