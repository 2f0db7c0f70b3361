// Package alsa captures microphone audio by running an external recorder
// process (arecord by default) and slicing its raw PCM stdout into frames.
//
// Driving the ALSA stack through a child process keeps the module free of
// cgo audio bindings and works with any recorder that can write raw 16-bit
// mono PCM to stdout, e.g. arecord, sox or ffmpeg.
package alsa

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/mic"
)

const (
	ratePlaceholder   = "{rate}"
	devicePlaceholder = "{device}"

	// frameBuffer is how many complete frames may queue between the reader
	// goroutine and Read before the oldest are dropped. 64 frames of 20ms
	// is roughly 1.3s of audio.
	frameBuffer = 64

	readChunk = 4096
)

var _ mic.Source = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithDevice selects the ALSA device passed to the default recorder, e.g.
// "hw:1,0". Ignored when WithCommand replaces the command line.
func WithDevice(device string) Option {
	return func(s *Source) { s.device = device }
}

// WithCommand replaces the entire recorder command line. Occurrences of
// {rate} and {device} in args are substituted before start.
func WithCommand(command string, args ...string) Option {
	return func(s *Source) {
		s.command = command
		s.args = args
	}
}

// WithLogger sets the logger for recorder stderr output and drop warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// Source reads PCM frames from a recorder child process.
type Source struct {
	cfg     mic.Config
	device  string
	command string
	args    []string
	logger  *slog.Logger

	cancel context.CancelFunc
	frames chan audio.Frame

	mu      sync.Mutex
	readErr error

	closing   atomic.Bool
	dropped   atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

// New starts the recorder and begins buffering frames. The returned Source
// must be closed to terminate the child process.
func New(cfg mic.Config, opts ...Option) (*Source, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("alsa: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("alsa: frame duration must be positive, got %s", cfg.FrameDuration)
	}
	s := &Source{
		cfg:     cfg,
		command: "arecord",
		logger:  slog.Default(),
		frames:  make(chan audio.Frame, frameBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.args == nil {
		s.args = defaultArgs(s.device)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	args := expandArgs(s.args, s.cfg.SampleRate, s.device)
	cmd := exec.CommandContext(ctx, s.command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("alsa: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("alsa: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("alsa: start %q: %w", s.command, err)
	}
	s.logger.Info("recorder started", "command", s.command, "rate", s.cfg.SampleRate)

	go s.logStderr(stderr)
	go s.readLoop(cmd, stdout)
	return s, nil
}

// Read returns the next captured frame. It blocks until a frame arrives, the
// context is cancelled, or the recorder exits.
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

// Close terminates the recorder process. Safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
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

func (s *Source) setExitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr == nil {
		s.readErr = err
	}
}

func (s *Source) readLoop(cmd *exec.Cmd, stdout io.Reader) {
	defer close(s.done)
	defer close(s.frames)

	framer := mic.NewFramer(s.cfg.FrameBytes())
	buf := make([]byte, readChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			framer.Push(buf[:n])
			s.deliver(framer)
		}
		if err != nil {
			if err != io.EOF {
				s.setExitError(fmt.Errorf("alsa: read recorder output: %w", err))
			}
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		// Close kills the process, so that exit is a clean stop and not a failure.
		if s.closing.Load() {
			return
		}
		s.setExitError(fmt.Errorf("alsa: recorder %q exited: %w", s.command, err))
	}
}

func (s *Source) deliver(framer *mic.Framer) {
	for {
		data, ok := framer.Next()
		if !ok {
			return
		}
		frame := audio.Frame{Data: data, SampleRate: s.cfg.SampleRate, Captured: time.Now()}
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

func (s *Source) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.logger.Debug("recorder stderr", "line", line)
	}
}

func defaultArgs(device string) []string {
	args := []string{"-q"}
	if device != "" {
		args = append(args, "-D", devicePlaceholder)
	}
	return append(args, "-f", "S16_LE", "-r", ratePlaceholder, "-c", "1", "-t", "raw", "-")
}

func expandArgs(args []string, rate int, device string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, ratePlaceholder, strconv.Itoa(rate))
		a = strings.ReplaceAll(a, devicePlaceholder, device)
		out[i] = a
	}
	return out
}
