package openai

import (
	"testing"

	"github.com/earshot-ai/earshot/pkg/provider/respond"
)

// TestNew_MissingAPIKey checks that an empty API key returns an error.
func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

// TestNew_MissingModel checks that an empty model returns an error.
func TestNew_MissingModel(t *testing.T) {
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_Options checks that reply options reach the generator.
func TestNew_Options(t *testing.T) {
	g, err := New("sk-test", "gpt-4o-mini",
		WithSystemPrompt("Keep it short."),
		WithTemperature(0.2),
		WithMaxTokens(200),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.systemPrompt != "Keep it short." {
		t.Errorf("systemPrompt = %q", g.systemPrompt)
	}
	if g.temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", g.temperature)
	}
	if g.maxTokens != 200 {
		t.Errorf("maxTokens = %d, want 200", g.maxTokens)
	}
}

// TestBuildParams_MessageOrder checks the system/history/user flattening order.
func TestBuildParams_MessageOrder(t *testing.T) {
	g, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	history := []respond.Exchange{
		{User: "turn one", Assistant: "reply one"},
	}
	params := g.buildParams("turn two", history)

	if got := string(params.Model); got != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", got)
	}
	// system + (user, assistant) + user = 4 messages.
	if len(params.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("messages[0]: expected OfSystem to be set")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("messages[1]: expected OfUser to be set")
	}
	if params.Messages[2].OfAssistant == nil {
		t.Error("messages[2]: expected OfAssistant to be set")
	}
	if params.Messages[3].OfUser == nil {
		t.Error("messages[3]: expected OfUser to be set")
	}
}

// TestBuildParams_NoHistory checks the minimal request shape.
func TestBuildParams_NoHistory(t *testing.T) {
	g, err := New("sk-test", "gpt-4o-mini", WithSystemPrompt(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	params := g.buildParams("hello", nil)
	if len(params.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(params.Messages))
	}
	if params.Messages[0].OfUser == nil {
		t.Error("messages[0]: expected OfUser to be set")
	}
}
