// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions.
// Use Session to drive the event stream and inspect which methods the
// session client invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(live.Event{Audio: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxchat/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a fresh default Session.
	Session live.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of live.SessionHandle. Tests script the
// event stream with Emit and terminate it with Fail or Close.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by the first Close.
	CloseErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events chan live.Event
	errVal error
	closed bool
	once   sync.Once
}

// NewSession returns a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Emit delivers one scripted event to the consumer. No-op after the stream
// has ended.
func (s *Session) Emit(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Fail ends the event stream with the given error, simulating a transport
// failure or remote closure.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.errVal = err
	s.once.Do(func() { close(s.events) })
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Sent returns a copy of all recorded SendAudio calls. Thread-safe.
func (s *Session) Sent() []SendAudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendAudioCall, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan live.Event { return s.events }

// Err returns the error set by Fail, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close ends the stream cleanly and records the call. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	s.once.Do(func() { close(s.events) })
	return s.CloseErr
}

// Closes returns how many times Close was called. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements live.SessionHandle at compile time.
var _ live.SessionHandle = (*Session)(nil)
