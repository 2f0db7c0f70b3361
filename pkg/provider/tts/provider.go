// Package tts defines the speech synthesis contracts used by the assistant's
// output path.
//
// Two roles are split so that playback policy stays out of the synthesis
// backends:
//
//   - Synthesizer turns text into a single PCM clip (one HTTP call or model
//     invocation per utterance).
//   - Speaker speaks text end to end and returns once playback has finished.
//     The coordinator relies on this blocking behaviour to know when it is
//     safe to unmute the microphone.
//
// Player adapts any Synthesizer into a Speaker by piping the synthesised PCM
// into an external playback command such as aplay.
package tts

import (
	"context"
	"time"

	"github.com/earshot-ai/earshot/pkg/audio"
)

// Audio is a single synthesised clip of 16-bit little-endian mono PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Duration returns the playback duration of the clip.
func (a Audio) Duration() time.Duration {
	return audio.BytesDuration(len(a.PCM), a.SampleRate)
}

// Synthesizer converts one utterance of text into PCM audio.
type Synthesizer interface {
	// Synthesize renders text as a complete audio clip. Implementations must
	// honour ctx cancellation for in-flight network or model calls.
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// Speaker renders and plays one utterance of text.
type Speaker interface {
	// Speak blocks until the utterance has finished playing or ctx is
	// cancelled. A cancelled ctx must stop playback promptly.
	Speak(ctx context.Context, text string) error
}
