package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/earshot-ai/earshot/internal/app"
	"github.com/earshot-ai/earshot/internal/archive"
	"github.com/earshot-ai/earshot/internal/config"
	"github.com/earshot-ai/earshot/internal/session"
	micmock "github.com/earshot-ai/earshot/pkg/provider/mic/mock"
	respondmock "github.com/earshot-ai/earshot/pkg/provider/respond/mock"
	sttmock "github.com/earshot-ai/earshot/pkg/provider/stt/mock"
	ttsmock "github.com/earshot-ai/earshot/pkg/provider/tts/mock"
	vadmock "github.com/earshot-ai/earshot/pkg/provider/vad/mock"
)

const testConfigYAML = `
audio:
  sample_rate: 16000
  frame_ms: 20
  pre_roll_ms: 600
wake:
  variants: ["hey earshot"]
segment:
  stop_phrases: ["that's all"]
session:
  exit_phrases: ["goodbye earshot"]
providers:
  mic: {name: alsa}
  stt: {name: whisper}
  tts: {name: elevenlabs}
  respond: {name: openai}
  vad: {name: energy}
`

// testConfig returns a minimal validated config. The admin server stays
// disabled; tests reach the handlers through AdminHandler.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testConfigYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	return cfg
}

// testProviders returns a full mock provider set.
func testProviders() *app.Providers {
	return &app.Providers{
		Mic:     micmock.New(),
		STT:     &sttmock.Provider{},
		TTS:     &ttsmock.Synthesizer{},
		Respond: &respondmock.Generator{Reply: "certainly"},
		VAD:     &vadmock.Engine{},
	}
}

// newTestApp builds an App with mock providers and a mock speaker, and
// registers Shutdown as cleanup.
func newTestApp(t *testing.T, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithSpeaker(&ttsmock.Speaker{})}, opts...)
	application, err := app.New(context.Background(), testConfig(t), testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Shutdown(ctx)
	})
	return application
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(t), &app.Providers{})
	if err == nil {
		t.Fatal("New() with empty providers did not fail")
	}
	for _, want := range []string{
		"microphone source",
		"speech-to-text provider",
		"speech synthesizer",
		"response generator",
		"voice-activity engine",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestNew_SpeakerOverrideReplacesSynthesizer(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	providers.TTS = nil

	application, err := app.New(context.Background(), testConfig(t), providers,
		app.WithSpeaker(&ttsmock.Speaker{}))
	if err != nil {
		t.Fatalf("New() with injected speaker error: %v", err)
	}
	defer application.Shutdown(context.Background())
}

func TestNew_OpensDecodersWithHints(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	sttProv := providers.STT.(*sttmock.Provider)

	application, err := app.New(context.Background(), testConfig(t), providers,
		app.WithSpeaker(&ttsmock.Speaker{}),
		app.WithArchiver(archive.NoopArchiver{}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	if got := len(sttProv.OpenDecoderCalls); got != 2 {
		t.Fatalf("OpenDecoder calls = %d, want 2 (wake + capture)", got)
	}

	decCfg := sttProv.OpenDecoderCalls[0].Cfg
	if decCfg.SampleRate != 16000 {
		t.Errorf("decoder SampleRate = %d, want 16000", decCfg.SampleRate)
	}
	// Variants, then stop phrases, then exit phrases, duplicates dropped.
	wantHints := []string{"hey", "earshot", "that's", "all", "goodbye"}
	if !slices.Equal(decCfg.Hints, wantHints) {
		t.Errorf("decoder Hints = %q, want %q", decCfg.Hints, wantHints)
	}

	if got := application.State(); got != session.StateIdle {
		t.Errorf("State() before Run = %v, want %v", got, session.StateIdle)
	}
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()

	application := newTestApp(t)
	srv := httptest.NewServer(application.AdminHandler())
	defer srv.Close()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"readyz", http.MethodGet, "/readyz", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"recalibrate", http.MethodPost, "/recalibrate", http.StatusAccepted},
		{"stop", http.MethodPost, "/stop", http.StatusAccepted},
		{"cancel without live session", http.MethodPost, "/cancel", http.StatusConflict},
		{"search without archive", http.MethodGet, "/search?q=tea", http.StatusNotFound},
		{"recalibrate rejects GET", http.MethodGet, "/recalibrate", http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
			if err != nil {
				t.Fatalf("NewRequest() error: %v", err)
			}
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatalf("%s %s error: %v", tc.method, tc.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("%s %s = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
			}
		})
	}

	t.Run("status body is json", func(t *testing.T) {
		resp, err := srv.Client().Post(srv.URL+"/recalibrate", "", nil)
		if err != nil {
			t.Fatalf("POST /recalibrate error: %v", err)
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Status != "recalibration scheduled" {
			t.Errorf("status = %q, want %q", body.Status, "recalibration scheduled")
		}
	})
}

func TestRun_CleanExitOnCancel(t *testing.T) {
	t.Parallel()

	application := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	// Give Run a moment to reach the capture loop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s of cancellation")
	}
}

func TestRun_FailsWhenCaptureSourceCloses(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	src := providers.Mic.(*micmock.Source)
	src.EndInput()

	application, err := app.New(context.Background(), testConfig(t), providers,
		app.WithSpeaker(&ttsmock.Speaker{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer application.Shutdown(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Run() with a closed capture source returned nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after the capture source closed")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	application := newTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
