// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script per-frame classifications and inspect the frames
// that were submitted.
//
// Example:
//
//	sess := &mock.Session{Script: []bool{false, true, true}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, NewSession returns a new
	// default Session.
	Session vad.Session

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock implementation of vad.Session.
type Session struct {
	mu sync.Mutex

	// Script is consumed one entry per IsSpeech call. When the script is
	// exhausted (or nil), Default is returned instead.
	Script []bool

	// Default is the classification returned once Script is exhausted.
	Default bool

	// Func, if non-nil, overrides Script/Default entirely: every IsSpeech
	// call delegates to it with the frame bytes.
	Func func(pcm []byte) bool

	// IsSpeechErr, if non-nil, is returned by every IsSpeech call.
	IsSpeechErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// IsSpeechCalls is the number of IsSpeech invocations.
	IsSpeechCalls int

	// ResetCalls is the number of Reset invocations.
	ResetCalls int

	// CloseCalls is the number of Close invocations.
	CloseCalls int
}

// Ensure Session implements vad.Session at compile time.
var _ vad.Session = (*Session)(nil)

// IsSpeech consumes the next script entry (or Default) and records the call.
func (s *Session) IsSpeech(pcm []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.IsSpeechCalls
	s.IsSpeechCalls++
	if s.IsSpeechErr != nil {
		return false, s.IsSpeechErr
	}
	if s.Func != nil {
		return s.Func(pcm), nil
	}
	if idx < len(s.Script) {
		return s.Script[idx], nil
	}
	return s.Default, nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCalls++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return s.CloseErr
}
