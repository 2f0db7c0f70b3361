// Package mock provides a deterministic in-memory embed.Embedder for tests.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/earshot-ai/earshot/pkg/provider/embed"
)

// Compile-time interface assertion.
var _ embed.Embedder = (*Embedder)(nil)

// Embedder is a scriptable embed.Embedder. The zero value produces
// deterministic 8-dimensional vectors derived from the input text, so equal
// texts embed equally and different texts (almost always) differ.
type Embedder struct {
	mu sync.Mutex

	// Dims overrides the vector dimension. Zero means 8.
	Dims int

	// Err, when non-nil, is returned from every Embed/EmbedBatch call.
	Err error

	// Texts records every embedded text in call order, including batch
	// members.
	Texts []string
}

// Embed implements embed.Embedder.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.Texts = append(e.Texts, text)
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	return e.vector(text), nil
}

// EmbedBatch implements embed.Embedder.
func (e *Embedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	e.mu.Lock()
	e.Texts = append(e.Texts, texts...)
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

// Dimensions implements embed.Embedder.
func (e *Embedder) Dimensions() int {
	if e.Dims > 0 {
		return e.Dims
	}
	return 8
}

// ModelID implements embed.Embedder.
func (e *Embedder) ModelID() string {
	return "mock"
}

// Calls returns how many texts have been embedded.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Texts)
}

// vector derives a stable pseudo-embedding from the text bytes.
func (e *Embedder) vector(text string) []float32 {
	dims := e.Dimensions()
	out := make([]float32, dims)
	h := fnv.New32a()
	for i := range out {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		// Scale into [0, 1).
		out[i] = float32(h.Sum32()%10000) / 10000
	}
	return out
}
