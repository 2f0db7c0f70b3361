package deepgram

import (
	"context"
	"net/url"
	"testing"

	"github.com/earshot-ai/earshot/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.DecoderConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomModelAndLanguage(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.DecoderConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	// Unset sample rate falls back to the default.
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
}

func TestBuildURL_LanguageOverriddenByCfg(t *testing.T) {
	// cfg.Language takes precedence over the provider-level default.
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.DecoderConfig{Language: "fr-FR", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

func TestBuildURL_Keywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.DecoderConfig{
		SampleRate: 16000,
		Hints:      []string{"earshot", "goodbye"},
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 {
		t.Fatalf("expected 2 keywords, got %d: %v", len(kws), kws)
	}

	found := map[string]bool{}
	for _, kw := range kws {
		found[kw] = true
	}
	if !found["earshot"] {
		t.Errorf("expected keyword 'earshot', got %v", kws)
	}
	if !found["goodbye"] {
		t.Errorf("expected keyword 'goodbye', got %v", kws)
	}
}

func TestBuildURL_NoKeywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.DecoderConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	if _, ok := u.Query()["keywords"]; ok {
		t.Error("expected no 'keywords' param when no hints provided")
	}
}

// ---- Transcript assembly tests ----

func TestJoinText(t *testing.T) {
	tests := []struct {
		name      string
		committed []string
		interim   string
		want      string
	}{
		{"empty", nil, "", ""},
		{"interim only", nil, "hey ear", "hey ear"},
		{"committed only", []string{"hey earshot", "turn on the light"}, "", "hey earshot turn on the light"},
		{"committed plus interim", []string{"hey earshot"}, "turn on", "hey earshot turn on"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := joinText(tc.committed, tc.interim); got != tc.want {
				t.Errorf("joinText(%v, %q) = %q, want %q", tc.committed, tc.interim, got, tc.want)
			}
		})
	}
}

func TestJoinText_DoesNotMutateCommitted(t *testing.T) {
	committed := make([]string, 1, 2)
	committed[0] = "hello"

	_ = joinText(committed, "there")

	if committed[0] != "hello" || len(committed) != 1 {
		t.Errorf("committed slice changed: %v", committed)
	}
}

// ---- Decoder state tests ----

func TestFeed_NoStream(t *testing.T) {
	d := &decoder{provider: &Provider{apiKey: "key"}}
	if err := d.Feed([]byte{0, 0}); err == nil {
		t.Error("expected error when feeding a decoder with no open stream")
	}
}

func TestClosedDecoderRejectsCalls(t *testing.T) {
	d := &decoder{provider: &Provider{apiKey: "key"}}
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
	// A second Close is a no-op.
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
