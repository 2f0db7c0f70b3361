// Package respond defines the Generator interface for reply backends.
//
// A reply backend wraps a remote or local language model API and turns a
// finalized user transcript plus the session's conversation history into one
// assistant reply. The reply is plain text destined for speech synthesis, so
// backends are asked for short conversational answers rather than formatted
// prose.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly: a cancelled session must not leave a reply request
// running in the background.
package respond

import "context"

// Exchange is one completed user/assistant round in a session's history,
// oldest first. Histories are append-only; generators receive a snapshot and
// must not retain or mutate it.
type Exchange struct {
	// User is the finalized transcript of what the user said.
	User string

	// Assistant is the reply that was spoken back.
	Assistant string
}

// Generator produces an assistant reply to the user's transcript.
type Generator interface {
	// Respond returns the reply for userText given the prior exchanges of the
	// session. An error means no usable reply was produced; the caller decides
	// what to speak instead.
	Respond(ctx context.Context, userText string, history []Exchange) (string, error)
}
