// Package whisper provides an stt.Provider backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// whisper.cpp is a batch model, not a streaming one, so partial results are
// produced by periodically re-decoding the whole buffered utterance in the
// background. PartialText therefore lags the most recent audio by up to the
// partial interval; Finalize always decodes the complete buffer.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/earshot-ai/earshot/pkg/provider/stt"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// defaultPartialInterval is the minimum time between background
	// re-decodes that refresh PartialText.
	defaultPartialInterval = 500 * time.Millisecond

	// minPartialBuffer is the minimum buffered audio before the first
	// partial decode. Very short buffers cost a full inference pass and
	// rarely yield text.
	minPartialBuffer = 500 * time.Millisecond
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using whisper.cpp Go bindings (CGO).
// The model is loaded once at construction and shared across all decoders;
// each inference uses a fresh whisper context because contexts are not
// thread-safe.
type Provider struct {
	model           whisperlib.Model
	language        string
	sampleRate      int
	partialInterval time.Duration
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription (e.g., "en",
// "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the default PCM sample rate in Hz. Defaults to 16000,
// which is also what whisper.cpp models expect.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithPartialInterval sets the minimum time between background re-decodes
// that refresh PartialText. Defaults to 500 ms.
func WithPartialInterval(d time.Duration) Option {
	return func(p *Provider) { p.partialInterval = d }
}

// New creates a Provider that loads the whisper.cpp model from the given
// file path. The caller must call Close when the provider is no longer
// needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:           model,
		language:        defaultLanguage,
		sampleRate:      defaultSampleRate,
		partialInterval: defaultPartialInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Open decoders become unusable.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// OpenDecoder implements stt.Provider. Hints are ignored because whisper.cpp
// exposes no keyword-boosting API.
func (p *Provider) OpenDecoder(ctx context.Context, cfg stt.DecoderConfig) (stt.Decoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}

	return &decoder{
		model:           p.model,
		language:        lang,
		sampleRate:      sr,
		partialInterval: p.partialInterval,
	}, nil
}

// ---- decoder ----------------------------------------------------------------

// decoder buffers PCM since the last Reset and re-decodes it in the
// background to keep PartialText fresh. All mutable state is guarded by mu;
// inference itself runs outside the lock on a snapshot of the buffer.
type decoder struct {
	model           whisperlib.Model
	language        string
	sampleRate      int
	partialInterval time.Duration

	mu         sync.Mutex
	buf        []byte
	partial    string
	lastDecode time.Time
	inflight   chan struct{} // non-nil while a background decode runs
	closed     bool
}

// Compile-time assertion that decoder satisfies stt.Decoder.
var _ stt.Decoder = (*decoder)(nil)

// Reset implements stt.Decoder. It discards the buffered utterance; any
// in-flight partial decode finishes against the old snapshot and its result
// is dropped.
func (d *decoder) Reset(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("whisper: decoder is closed")
	}
	d.buf = nil
	d.partial = ""
	d.lastDecode = time.Time{}
	return nil
}

// Feed implements stt.Decoder. It appends the frame to the utterance buffer
// and kicks a background re-decode when the partial interval has elapsed.
func (d *decoder) Feed(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("whisper: decoder is closed")
	}

	d.buf = append(d.buf, pcm...)

	minBytes := int(int64(d.sampleRate) * 2 * int64(minPartialBuffer) / int64(time.Second))
	if d.inflight != nil || len(d.buf) < minBytes {
		return nil
	}
	if time.Since(d.lastDecode) < d.partialInterval {
		return nil
	}

	snapshot := make([]byte, len(d.buf))
	copy(snapshot, d.buf)
	done := make(chan struct{})
	d.inflight = done
	generation := len(d.buf)

	go func() {
		defer close(done)
		text, _, err := d.infer(snapshot)

		d.mu.Lock()
		defer d.mu.Unlock()
		d.inflight = nil
		d.lastDecode = time.Now()
		if err != nil {
			slog.Error("whisper partial decode failed", "err", err)
			return
		}
		// A Reset may have shrunk the buffer while we were decoding; the
		// stale result must not resurrect the previous utterance.
		if len(d.buf) < generation {
			return
		}
		d.partial = text
	}()

	return nil
}

// PartialText implements stt.Decoder.
func (d *decoder) PartialText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.partial
}

// Finalize implements stt.Decoder. It waits for any in-flight partial
// decode, then decodes the complete buffer synchronously.
func (d *decoder) Finalize(ctx context.Context) (stt.Result, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return stt.Result{}, errors.New("whisper: decoder is closed")
	}
	inflight := d.inflight
	d.mu.Unlock()

	if inflight != nil {
		select {
		case <-inflight:
		case <-ctx.Done():
			return stt.Result{}, fmt.Errorf("whisper: finalize: %w", ctx.Err())
		}
	}

	d.mu.Lock()
	snapshot := make([]byte, len(d.buf))
	copy(snapshot, d.buf)
	d.mu.Unlock()

	if len(snapshot) == 0 {
		return stt.Result{}, nil
	}

	text, words, err := d.infer(snapshot)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: finalize: %w", err)
	}
	return stt.Result{Text: text, Words: words}, nil
}

// Close implements stt.Decoder. The shared model is owned by the Provider
// and stays loaded.
func (d *decoder) Close() error {
	d.mu.Lock()
	inflight := d.inflight
	d.closed = true
	d.mu.Unlock()

	if inflight != nil {
		<-inflight
	}
	return nil
}

// infer converts PCM to float32, runs whisper.cpp inference on a fresh
// context, and returns the concatenated segment text plus token-level
// confidences.
func (d *decoder) infer(pcm []byte) (string, []stt.WordConfidence, error) {
	samples := pcmToFloat32(pcm)

	wctx, err := d.model.NewContext()
	if err != nil {
		return "", nil, fmt.Errorf("create context: %w", err)
	}

	if err := wctx.SetLanguage(d.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", d.language, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", nil, fmt.Errorf("process audio: %w", err)
	}

	var (
		parts []string
		words []stt.WordConfidence
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		for _, tok := range segment.Tokens {
			if !wctx.IsText(tok) {
				continue
			}
			word := strings.TrimSpace(tok.Text)
			if word == "" {
				continue
			}
			words = append(words, stt.WordConfidence{
				Word:       word,
				Confidence: float64(tok.P),
			})
		}
	}

	return strings.Join(parts, " "), words, nil
}
