package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Compile-time interface assertion.
var _ Speaker = (*Player)(nil)

// ratePlaceholder in a playback argument is replaced with the clip's sample
// rate before the command runs.
const ratePlaceholder = "{rate}"

// PlayerOption is a functional option for configuring a Player.
type PlayerOption func(*Player)

// WithPlayerLogger sets the logger used for playback diagnostics. Defaults to
// slog.Default().
func WithPlayerLogger(logger *slog.Logger) PlayerOption {
	return func(p *Player) {
		p.logger = logger
	}
}

// Player implements Speaker by synthesising a clip and piping the raw PCM
// into an external playback command's stdin. The command must read 16-bit
// little-endian mono PCM from stdin, for example:
//
//	aplay -q -f S16_LE -c 1 -t raw -r {rate} -
//
// The {rate} placeholder is substituted with the clip's sample rate, so a
// single configuration works across backends with different native rates.
type Player struct {
	synth   Synthesizer
	command string
	args    []string
	logger  *slog.Logger
}

// NewPlayer creates a Player that speaks through the given playback command.
// synth must be non-nil and command must not be empty.
func NewPlayer(synth Synthesizer, command string, args []string, opts ...PlayerOption) (*Player, error) {
	if synth == nil {
		return nil, errors.New("tts: synthesizer must not be nil")
	}
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("tts: playback command must not be empty")
	}
	p := &Player{
		synth:   synth,
		command: command,
		args:    args,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Speak synthesises text and blocks until the playback command exits. An
// empty or whitespace-only text is a no-op. Cancelling ctx kills the playback
// process.
func (p *Player) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	clip, err := p.synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("tts: synthesize: %w", err)
	}
	if len(clip.PCM) == 0 {
		p.logger.Warn("synthesizer returned empty clip", "text_len", len(text))
		return nil
	}

	cmd := exec.CommandContext(ctx, p.command, expandArgs(p.args, clip.SampleRate)...)
	cmd.Stdin = bytes.NewReader(clip.PCM)

	p.logger.Debug("playing clip",
		"command", p.command,
		"sample_rate", clip.SampleRate,
		"duration", clip.Duration())

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("tts: playback command %q: %w", p.command, err)
	}
	return nil
}

// expandArgs substitutes the {rate} placeholder in each argument.
func expandArgs(args []string, sampleRate int) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	rate := strconv.Itoa(sampleRate)
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, ratePlaceholder, rate)
	}
	return out
}
