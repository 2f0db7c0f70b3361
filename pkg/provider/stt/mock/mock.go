// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller opens decoders with the expected
// DecoderConfig. Use Decoder to script running text per fed frame and
// inspect which frames were delivered.
//
// Example:
//
//	dec := &mock.Decoder{
//	    PartialScript: []string{"", "hey", "hey glasses"},
//	    FinalizeResult: stt.Result{Text: "hey glasses turn on the light"},
//	}
//	p := &mock.Provider{Decoder: dec}
//	d, _ := p.OpenDecoder(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/earshot-ai/earshot/pkg/provider/stt"
)

// OpenDecoderCall records a single invocation of Provider.OpenDecoder.
type OpenDecoderCall struct {
	// Cfg is the DecoderConfig passed to OpenDecoder.
	Cfg stt.DecoderConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Decoder is returned by OpenDecoder. If nil, OpenDecoder returns a new
	// default Decoder.
	Decoder stt.Decoder

	// OpenDecoderErr, if non-nil, is returned as the error from OpenDecoder.
	OpenDecoderErr error

	// OpenDecoderCalls records every call to OpenDecoder in order.
	OpenDecoderCalls []OpenDecoderCall
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// OpenDecoder records the call and returns Decoder, OpenDecoderErr.
func (p *Provider) OpenDecoder(_ context.Context, cfg stt.DecoderConfig) (stt.Decoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenDecoderCalls = append(p.OpenDecoderCalls, OpenDecoderCall{Cfg: cfg})
	if p.OpenDecoderErr != nil {
		return nil, p.OpenDecoderErr
	}
	if p.Decoder != nil {
		return p.Decoder, nil
	}
	return &Decoder{}, nil
}

// Decoder is a scriptable mock implementation of stt.Decoder.
//
// PartialScript entries are indexed by the number of Feed calls since the
// last Reset: after the first Feed, PartialText returns PartialScript[0],
// and so on. Once the script is exhausted the last entry sticks. An empty
// script leaves PartialText at "".
type Decoder struct {
	mu sync.Mutex

	// PartialScript drives PartialText as frames are fed.
	PartialScript []string

	// FinalizeResult is returned by Finalize.
	FinalizeResult stt.Result

	// FinalizeErr, if non-nil, is returned by Finalize.
	FinalizeErr error

	// FeedErr, if non-nil, is returned by every Feed call.
	FeedErr error

	// ResetErr, if non-nil, is returned by every Reset call.
	ResetErr error

	// FedFrames records a copy of every frame passed to Feed since the
	// decoder was created (Reset does not clear it).
	FedFrames [][]byte

	// FeedCalls is the number of Feed invocations since the last Reset.
	FeedCalls int

	// ResetCalls is the number of Reset invocations.
	ResetCalls int

	// FinalizeCalls is the number of Finalize invocations.
	FinalizeCalls int

	// CloseCalls is the number of Close invocations.
	CloseCalls int
}

// Ensure Decoder implements stt.Decoder at compile time.
var _ stt.Decoder = (*Decoder)(nil)

// Reset records the call and rewinds the partial script.
func (d *Decoder) Reset(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCalls++
	if d.ResetErr != nil {
		return d.ResetErr
	}
	d.FeedCalls = 0
	return nil
}

// Feed records the frame and advances the partial script position.
func (d *Decoder) Feed(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FeedErr != nil {
		return d.FeedErr
	}
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	d.FedFrames = append(d.FedFrames, frame)
	d.FeedCalls++
	return nil
}

// PartialText returns the script entry for the current Feed position.
func (d *Decoder) PartialText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.PartialScript) == 0 || d.FeedCalls == 0 {
		return ""
	}
	idx := d.FeedCalls - 1
	if idx >= len(d.PartialScript) {
		idx = len(d.PartialScript) - 1
	}
	return d.PartialScript[idx]
}

// Finalize records the call and returns FinalizeResult, FinalizeErr.
func (d *Decoder) Finalize(_ context.Context) (stt.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FinalizeCalls++
	if d.FinalizeErr != nil {
		return stt.Result{}, d.FinalizeErr
	}
	return d.FinalizeResult, nil
}

// Close records the call.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	return nil
}
