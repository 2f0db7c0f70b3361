// Package mock provides a configurable in-memory respond.Generator for tests.
package mock

import (
	"context"
	"sync"

	"github.com/earshot-ai/earshot/pkg/provider/respond"
)

// Compile-time interface assertion.
var _ respond.Generator = (*Generator)(nil)

// Call records the arguments of one Respond invocation.
type Call struct {
	UserText string
	History  []respond.Exchange
}

// Generator is a scriptable respond.Generator.
type Generator struct {
	mu sync.Mutex

	// Reply is returned from every Respond call unless Func or Err is set.
	Reply string

	// Err, when non-nil, is returned from every Respond call.
	Err error

	// Func, when non-nil, computes the reply instead of Reply/Err.
	Func func(userText string, history []respond.Exchange) (string, error)

	// CallLog records every Respond invocation in order.
	CallLog []Call
}

// Respond records the call and returns the scripted reply.
func (g *Generator) Respond(ctx context.Context, userText string, history []respond.Exchange) (string, error) {
	snapshot := make([]respond.Exchange, len(history))
	copy(snapshot, history)

	g.mu.Lock()
	g.CallLog = append(g.CallLog, Call{UserText: userText, History: snapshot})
	fn := g.Func
	reply, err := g.Reply, g.Err
	g.mu.Unlock()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if fn != nil {
		return fn(userText, snapshot)
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Calls returns how many times Respond has been called.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.CallLog)
}

// LastCall returns the most recent call, or a zero Call if none were made.
func (g *Generator) LastCall() Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.CallLog) == 0 {
		return Call{}
	}
	return g.CallLog[len(g.CallLog)-1]
}
