// Package ws captures microphone audio from a remote client over a
// WebSocket connection. A browser or companion app dials out is not
// required: this source is the dialing side, connecting to a capture
// gateway that pushes binary audio messages.
//
// Two payload formats are supported. FormatPCM16 carries raw 16-bit
// little-endian PCM; FormatOpus carries one Opus packet per message, which
// is decoded, downmixed and resampled to the configured output geometry.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/mic"
)

const (
	// FormatPCM16 means each binary message holds raw little-endian int16
	// samples at the configured input rate and channel count.
	FormatPCM16 = "pcm16"
	// FormatOpus means each binary message holds exactly one Opus packet.
	FormatOpus = "opus"

	// maxOpusFrameSamples is the decode buffer size per channel: 120ms at
	// 48kHz, the largest frame the Opus codec can produce.
	maxOpusFrameSamples = 5760

	opusDefaultRate     = 48000
	opusDefaultChannels = 2

	frameBuffer = 64

	defaultHandshakeTimeout = 10 * time.Second
)

var _ mic.Source = (*Source)(nil)

// Config describes the remote stream and the frames to produce from it.
type Config struct {
	// Output is the frame geometry delivered by Read.
	Output mic.Config
	// URL is the ws:// or wss:// endpoint of the capture gateway.
	URL string
	// Format is FormatPCM16 or FormatOpus.
	Format string
	// InputSampleRate is the rate of the incoming audio. Defaults to the
	// output rate for PCM and 48000 for Opus.
	InputSampleRate int
	// InputChannels is 1 or 2. Defaults to 1 for PCM and 2 for Opus.
	InputChannels int
}

// Option configures a Source.
type Option func(*Source)

// WithBearerToken adds an Authorization: Bearer header to the handshake.
func WithBearerToken(token string) Option {
	return func(s *Source) { s.token = token }
}

// WithHandshakeTimeout bounds the dial. Default 10s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Source) { s.handshakeTimeout = d }
}

// WithLogger sets the logger for connection events and drop warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// Source reads PCM frames from a WebSocket audio stream.
type Source struct {
	cfg              Config
	token            string
	handshakeTimeout time.Duration
	logger           *slog.Logger

	conn   *websocket.Conn
	cancel context.CancelFunc
	frames chan audio.Frame
	opus   *gopus.Decoder

	mu      sync.Mutex
	readErr error

	closing   atomic.Bool
	dropped   atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

// New dials the capture gateway and starts receiving audio. ctx bounds the
// handshake only; the stream itself lives until Close.
func New(ctx context.Context, cfg Config, opts ...Option) (*Source, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	s := &Source{
		cfg:              cfg,
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           slog.Default(),
		frames:           make(chan audio.Frame, frameBuffer),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Format == FormatOpus {
		dec, err := gopus.NewDecoder(cfg.InputSampleRate, cfg.InputChannels)
		if err != nil {
			return nil, fmt.Errorf("ws: create opus decoder: %w", err)
		}
		s.opus = dec
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	headers := http.Header{}
	if s.token != "" {
		headers.Set("Authorization", "Bearer "+s.token)
	}
	conn, _, err := websocket.Dial(dialCtx, cfg.URL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", cfg.URL, err)
	}
	s.conn = conn
	s.logger.Info("capture stream connected", "url", cfg.URL, "format", cfg.Format)

	streamCtx, streamCancel := context.WithCancel(context.Background())
	s.cancel = streamCancel
	go s.readLoop(streamCtx)
	return s, nil
}

func validate(cfg *Config) error {
	if cfg.URL == "" {
		return fmt.Errorf("ws: URL must not be empty")
	}
	if cfg.Output.SampleRate <= 0 || cfg.Output.FrameDuration <= 0 {
		return fmt.Errorf("ws: output geometry must be positive, got rate %d duration %s",
			cfg.Output.SampleRate, cfg.Output.FrameDuration)
	}
	switch cfg.Format {
	case FormatPCM16:
		if cfg.InputSampleRate == 0 {
			cfg.InputSampleRate = cfg.Output.SampleRate
		}
		if cfg.InputChannels == 0 {
			cfg.InputChannels = 1
		}
	case FormatOpus:
		if cfg.InputSampleRate == 0 {
			cfg.InputSampleRate = opusDefaultRate
		}
		if cfg.InputChannels == 0 {
			cfg.InputChannels = opusDefaultChannels
		}
	default:
		return fmt.Errorf("ws: unknown format %q (want %q or %q)", cfg.Format, FormatPCM16, FormatOpus)
	}
	if cfg.InputChannels != 1 && cfg.InputChannels != 2 {
		return fmt.Errorf("ws: input channels must be 1 or 2, got %d", cfg.InputChannels)
	}
	return nil
}

// Read returns the next frame from the remote stream.
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	select {
	case frame, ok := <-s.frames:
		if !ok {
			return audio.Frame{}, s.exitError()
		}
		return frame, nil
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Close tears down the connection. Safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.conn.Close(websocket.StatusNormalClosure, "capture finished")
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *Source) exitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return s.readErr
	}
	return mic.ErrSourceClosed
}

func (s *Source) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.frames)

	framer := mic.NewFramer(s.cfg.Output.FrameBytes())
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			// A normal closure from the gateway is end of stream, not a failure.
			if !s.closing.Load() && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.mu.Lock()
				s.readErr = fmt.Errorf("ws: read stream: %w", err)
				s.mu.Unlock()
			}
			return
		}
		if typ != websocket.MessageBinary {
			s.logger.Debug("ignoring non-binary message", "type", typ)
			continue
		}
		pcm, err := s.decode(data)
		if err != nil {
			// A corrupt packet is not fatal to the stream. Log and move on.
			s.logger.Warn("dropping undecodable audio message", "err", err)
			continue
		}
		framer.Push(pcm)
		s.deliver(framer)
	}
}

// decode converts one incoming message into mono PCM at the output rate.
func (s *Source) decode(data []byte) ([]byte, error) {
	var pcm []byte
	switch s.cfg.Format {
	case FormatOpus:
		samples, err := s.opus.Decode(data, maxOpusFrameSamples, false)
		if err != nil {
			return nil, fmt.Errorf("decode opus packet: %w", err)
		}
		pcm = int16sToBytes(samples)
	default:
		pcm = data
	}
	if s.cfg.InputChannels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return audio.ResampleMono16(pcm, s.cfg.InputSampleRate, s.cfg.Output.SampleRate), nil
}

func (s *Source) deliver(framer *mic.Framer) {
	for {
		data, ok := framer.Next()
		if !ok {
			return
		}
		frame := audio.Frame{Data: data, SampleRate: s.cfg.Output.SampleRate, Captured: time.Now()}
		select {
		case s.frames <- frame:
		default:
			// Consumer is behind. Drop the oldest frame to keep latency bounded.
			select {
			case <-s.frames:
			default:
			}
			s.frames <- frame
			if n := s.dropped.Add(1); n == 1 || n%50 == 0 {
				s.logger.Warn("dropping captured audio, consumer too slow", "dropped", n)
			}
		}
	}
}

// int16sToBytes converts samples to little-endian bytes.
func int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
