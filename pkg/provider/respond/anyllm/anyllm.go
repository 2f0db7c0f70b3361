// Package anyllm provides a universal reply backend backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more.
//
// Usage:
//
//	g, err := anyllm.New("ollama", "llama3.2", anyllm.WithBaseURL("http://localhost:11434"))
//	g, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllm.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/earshot-ai/earshot/pkg/provider/respond"
)

// Compile-time interface assertion.
var _ respond.Generator = (*Generator)(nil)

// defaultSystemPrompt keeps replies suitable for speech output.
const defaultSystemPrompt = "You are a helpful voice assistant. Answer in one or two short " +
	"spoken sentences. Do not use markdown, lists or code; your reply is read aloud."

// Option is a functional option for configuring the Generator.
type Option func(*Generator)

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(g *Generator) {
		g.systemPrompt = prompt
	}
}

// WithTemperature sets the sampling temperature. Zero leaves the backend
// default in place.
func WithTemperature(t float64) Option {
	return func(g *Generator) {
		g.temperature = t
	}
}

// WithMaxTokens caps the number of completion tokens per reply.
func WithMaxTokens(n int) Option {
	return func(g *Generator) {
		g.maxTokens = n
	}
}

// WithAPIKey sets the API key for the underlying backend. Without it, the
// backend falls back to its environment variable (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, ...).
func WithAPIKey(key string) Option {
	return func(g *Generator) {
		g.libOpts = append(g.libOpts, anyllmlib.WithAPIKey(key))
	}
}

// WithBaseURL overrides the backend's API base URL (e.g., a local Ollama or
// llama.cpp endpoint).
func WithBaseURL(baseURL string) Option {
	return func(g *Generator) {
		g.libOpts = append(g.libOpts, anyllmlib.WithBaseURL(baseURL))
	}
}

// Generator implements respond.Generator by wrapping github.com/mozilla-ai/any-llm-go.
type Generator struct {
	backend      anyllmlib.Provider
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
	libOpts      []anyllmlib.Option
}

// New creates a Generator backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". model is the
// specific model to use (e.g., "gpt-4o-mini", "claude-3-5-haiku-latest").
func New(providerName, model string, opts ...Option) (*Generator, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	g := &Generator{
		model:        model,
		systemPrompt: defaultSystemPrompt,
	}
	for _, o := range opts {
		o(g)
	}

	backend, err := createBackend(providerName, g.libOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	g.backend = backend
	return g, nil
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Respond implements respond.Generator.
func (g *Generator) Respond(ctx context.Context, userText string, history []respond.Exchange) (string, error) {
	params := anyllmlib.CompletionParams{
		Model:    g.model,
		Messages: buildMessages(g.systemPrompt, userText, history),
	}
	if g.temperature != 0 {
		t := g.temperature
		params.Temperature = &t
	}
	if g.maxTokens > 0 {
		mt := g.maxTokens
		params.MaxTokens = &mt
	}

	resp, err := g.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: empty choices in response")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if reply == "" {
		return "", fmt.Errorf("anyllm: empty reply content")
	}
	return reply, nil
}

// buildMessages flattens the system prompt, prior exchanges and the current
// user text into the backend's message list.
func buildMessages(systemPrompt, userText string, history []respond.Exchange) []anyllmlib.Message {
	messages := make([]anyllmlib.Message, 0, len(history)*2+2)
	if systemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: systemPrompt,
		})
	}
	for _, ex := range history {
		messages = append(messages,
			anyllmlib.Message{Role: anyllmlib.RoleUser, Content: ex.User},
			anyllmlib.Message{Role: anyllmlib.RoleAssistant, Content: ex.Assistant},
		)
	}
	return append(messages, anyllmlib.Message{Role: anyllmlib.RoleUser, Content: userText})
}
