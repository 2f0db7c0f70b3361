// Package stt defines the Decoder contract for streaming speech-to-text
// backends.
//
// A Decoder is an opaque streaming engine: the capture pipeline feeds it
// fixed-size PCM frames and polls its running text after each frame. The
// running text combines committed (final) results with the current interim
// guess, so wake-phrase and stop-phrase spotting can react before the
// backend commits. Finalize flushes the stream and returns the authoritative
// transcript; Reset returns the decoder to a clean state and must be called
// before each new utterance, otherwise state left over from the previous
// utterance can silently swallow transcriptions.
//
// Implementations must be safe for concurrent use: Feed and PartialText are
// called from the capture loop while Finalize may be called from the session
// goroutine.
package stt

import "context"

// WordConfidence is a per-word recognition confidence from Finalize.
// Backends that do not report word timings leave the slice empty.
type WordConfidence struct {
	// Word is the recognized word as the backend emitted it.
	Word string

	// Confidence is the backend's score in [0, 1].
	Confidence float64
}

// Result is the authoritative transcript returned by Finalize.
type Result struct {
	// Text is the full utterance text.
	Text string

	// Words holds optional per-word confidences, in utterance order.
	Words []WordConfidence
}

// DecoderConfig describes the audio format and recognition hints for a new
// decoder.
type DecoderConfig struct {
	// SampleRate is the PCM sample rate in Hz of every frame passed to Feed.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en",
	// "de-DE"). Empty lets the backend pick its default.
	Language string

	// Hints is a vocabulary boost list (wake-phrase words, stop phrases,
	// proper nouns). Backends without keyword support ignore it.
	Hints []string
}

// Decoder is an open streaming transcription engine.
type Decoder interface {
	// Reset discards all buffered audio and text so the next Feed starts a
	// fresh utterance. For connection-oriented backends this may tear down
	// and re-establish the stream, hence the context.
	Reset(ctx context.Context) error

	// Feed delivers one frame of little-endian int16 mono PCM at the
	// configured sample rate. It must not block on network I/O; backends
	// queue internally.
	Feed(pcm []byte) error

	// PartialText returns the running text: all committed results plus the
	// current interim guess, separated by single spaces. It never blocks.
	PartialText() string

	// Finalize flushes pending audio and returns the authoritative
	// transcript for everything fed since the last Reset.
	Finalize(ctx context.Context) (Result, error)

	// Close releases the decoder's resources. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; multiple decoders may be
// open simultaneously.
type Provider interface {
	// OpenDecoder opens a decoder ready to accept audio. The caller owns the
	// returned Decoder and must call Close when done.
	OpenDecoder(ctx context.Context, cfg DecoderConfig) (Decoder, error)
}
