// Package deepgram provides an stt.Provider backed by the Deepgram streaming
// WebSocket API.
//
// Each decoder owns one WebSocket stream. Reset tears the stream down and
// dials a fresh one so no recognition state crosses utterance boundaries;
// Finalize sends CloseStream so Deepgram flushes buffered audio and commits
// its remaining results before the connection closes.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/earshot-ai/earshot/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// audioQueueSize bounds the frames waiting for the write loop. At 20 ms
	// per frame this is over five seconds of backlog; beyond that frames are
	// dropped rather than stalling the capture loop.
	audioQueueSize = 256

	// keepAliveInterval is how often the write loop sends a KeepAlive
	// message when no audio is flowing, so Deepgram does not close the
	// stream during playback mutes.
	keepAliveInterval = 5 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en",
// "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
}

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OpenDecoder implements stt.Provider.
func (p *Provider) OpenDecoder(ctx context.Context, cfg stt.DecoderConfig) (stt.Decoder, error) {
	d := &decoder{provider: p, cfg: cfg}
	if err := d.dial(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.DecoderConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	for _, hint := range cfg.Hints {
		q.Add("keywords", hint)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- decoder ----------------------------------------------------------------

// stream holds the per-connection state thrown away on every Reset.
type stream struct {
	conn  *websocket.Conn
	audio chan []byte
	done  chan struct{} // closed by decoder teardown
	ended chan struct{} // closed by the read loop when the stream is over
	wg    sync.WaitGroup
}

// decoder implements stt.Decoder over one Deepgram WebSocket stream at a
// time.
type decoder struct {
	provider *Provider
	cfg      stt.DecoderConfig

	mu        sync.Mutex
	str       *stream
	committed []string
	words     []stt.WordConfidence
	interim   string
	dropped   int
	closed    bool
}

// Compile-time assertion that decoder satisfies stt.Decoder.
var _ stt.Decoder = (*decoder)(nil)

// deepgramResponse is the JSON structure of a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// dial opens a fresh stream and starts its read and write loops. The caller
// must not hold d.mu.
func (d *decoder) dial(ctx context.Context) error {
	wsURL, err := d.provider.buildURL(d.cfg)
	if err != nil {
		return fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.provider.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}

	str := &stream{
		conn:  conn,
		audio: make(chan []byte, audioQueueSize),
		done:  make(chan struct{}),
		ended: make(chan struct{}),
	}
	str.wg.Add(2)
	go d.readLoop(str)
	go d.writeLoop(str)

	d.mu.Lock()
	d.str = str
	d.mu.Unlock()
	return nil
}

// teardown stops the stream's loops and closes its connection. Safe to call
// with a nil stream.
func (d *decoder) teardown(str *stream) {
	if str == nil {
		return
	}
	select {
	case <-str.done:
	default:
		close(str.done)
	}
	str.conn.Close(websocket.StatusNormalClosure, "decoder reset")
	str.wg.Wait()
}

// Reset implements stt.Decoder. It discards all text and replaces the
// WebSocket stream with a fresh one.
func (d *decoder) Reset(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("deepgram: decoder is closed")
	}
	old := d.str
	d.str = nil
	d.committed = nil
	d.words = nil
	d.interim = ""
	d.dropped = 0
	d.mu.Unlock()

	d.teardown(old)
	return d.dial(ctx)
}

// Feed implements stt.Decoder. Frames are queued for the write loop; when
// the queue is full (sustained network backpressure) the frame is dropped so
// the capture loop never stalls.
func (d *decoder) Feed(pcm []byte) error {
	d.mu.Lock()
	str := d.str
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return errors.New("deepgram: decoder is closed")
	}
	if str == nil {
		return errors.New("deepgram: no open stream; call Reset first")
	}
	select {
	case <-str.ended:
		return errors.New("deepgram: stream ended unexpectedly; call Reset")
	default:
	}

	select {
	case str.audio <- pcm:
		return nil
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		return nil
	}
}

// PartialText implements stt.Decoder. It returns every committed result
// followed by the current interim guess.
func (d *decoder) PartialText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return joinText(d.committed, d.interim)
}

// Finalize implements stt.Decoder. It tells Deepgram to flush, waits for the
// stream to end, and returns the committed transcript. The decoder needs a
// Reset before it can accept audio again.
func (d *decoder) Finalize(ctx context.Context) (stt.Result, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return stt.Result{}, errors.New("deepgram: decoder is closed")
	}
	str := d.str
	dropped := d.dropped
	d.mu.Unlock()

	if dropped > 0 {
		slog.Warn("deepgram: dropped frames during utterance", "frames", dropped)
	}

	if str != nil {
		_ = str.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		select {
		case <-str.ended:
		case <-ctx.Done():
			return stt.Result{}, fmt.Errorf("deepgram: finalize: %w", ctx.Err())
		}
		d.teardown(str)
		d.mu.Lock()
		d.str = nil
		d.mu.Unlock()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	res := stt.Result{
		Text:  joinText(d.committed, d.interim),
		Words: append([]stt.WordConfidence(nil), d.words...),
	}
	return res, nil
}

// Close implements stt.Decoder.
func (d *decoder) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	str := d.str
	d.str = nil
	d.mu.Unlock()

	d.teardown(str)
	return nil
}

// writeLoop drains the audio queue into the WebSocket and sends KeepAlive
// messages while no audio is flowing (capture is muted during playback, and
// Deepgram closes streams that stay silent too long).
func (d *decoder) writeLoop(str *stream) {
	defer str.wg.Done()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := context.Background()
	for {
		select {
		case <-str.done:
			return
		case chunk := <-str.audio:
			keepAlive.Reset(keepAliveInterval)
			if err := str.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := str.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

// readLoop receives JSON messages and folds Results events into the
// committed/interim text. It closes str.ended when the stream is over.
func (d *decoder) readLoop(str *stream) {
	defer str.wg.Done()
	defer close(str.ended)

	ctx := context.Background()
	for {
		_, msg, err := str.conn.Read(ctx)
		if err != nil {
			// Normal close, reset, or network failure; Feed reports it.
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
			continue
		}
		alt := resp.Channel.Alternatives[0]

		d.mu.Lock()
		if resp.IsFinal {
			if alt.Transcript != "" {
				d.committed = append(d.committed, alt.Transcript)
				for _, w := range alt.Words {
					d.words = append(d.words, stt.WordConfidence{
						Word:       w.Word,
						Confidence: w.Confidence,
					})
				}
			}
			d.interim = ""
		} else {
			d.interim = alt.Transcript
		}
		d.mu.Unlock()
	}
}

// joinText concatenates committed results and the trailing interim guess
// with single spaces.
func joinText(committed []string, interim string) string {
	parts := committed
	if interim != "" {
		parts = append(append([]string(nil), committed...), interim)
	}
	return strings.Join(parts, " ")
}
