// Package mock provides test doubles for the device package interfaces.
//
// Use [Input] to feed synthetic capture frames into the pipeline and [Player]
// to inspect scheduled playback without real audio hardware. The Player clock
// is advanced manually with [Player.SetNow], so timing properties can be
// asserted deterministically.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxchat/pkg/audio"
	"github.com/MrWong99/voxchat/pkg/audio/device"
)

// Compile-time interface assertions.
var _ device.InputDevice = (*Input)(nil)
var _ device.Player = (*Player)(nil)

// Input is a scripted [device.InputDevice]. Tests push frames with [Input.Push]
// and end the stream with [Input.Stop] (or by letting the pipeline stop it).
type Input struct {
	// StartErr, if non-nil, is returned by Start. Used to simulate a denied
	// or absent microphone.
	StartErr error

	mu      sync.Mutex
	frames  chan audio.Frame
	started bool
	stopped bool
}

// Start returns the frame channel, or StartErr if one is configured.
func (in *Input) Start(_ context.Context) (<-chan audio.Frame, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.StartErr != nil {
		return nil, in.StartErr
	}
	if in.started {
		return nil, fmt.Errorf("mock input: already started")
	}
	in.started = true
	in.frames = make(chan audio.Frame, 64)
	return in.frames, nil
}

// Push delivers one synthetic frame to the pipeline. It panics if the device
// was never started and is a no-op after Stop.
func (in *Input) Push(frame audio.Frame) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.stopped {
		return
	}
	in.frames <- frame
}

// Stop closes the frame channel. Safe to call repeatedly.
func (in *Input) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.started && !in.stopped {
		close(in.frames)
	}
	in.stopped = true
	return nil
}

// Stopped reports whether Stop has been called.
func (in *Input) Stopped() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stopped
}

// Play records a single invocation of [Player.Play].
type Play struct {
	Buffer audio.Buffer
	At     time.Duration
	Source *Source
}

// Player is a [device.Player] with a manually advanced clock. Every Play call
// is recorded; the returned [Source] completes only when the test calls
// [Source.Complete] or stops it.
type Player struct {
	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	mu     sync.Mutex
	now    time.Duration
	plays  []Play
	closed bool
}

// SetNow moves the playback clock to d.
func (p *Player) SetNow(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = d
}

// Now returns the current clock position.
func (p *Player) Now() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

// Play records the request and returns a fresh, still-playing [Source].
func (p *Player) Play(buf audio.Buffer, at time.Duration) (device.Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.PlayErr != nil {
		return nil, p.PlayErr
	}
	src := &Source{done: make(chan struct{})}
	p.plays = append(p.plays, Play{Buffer: buf, At: at, Source: src})
	return src, nil
}

// Plays returns a copy of all recorded Play calls in order.
func (p *Player) Plays() []Play {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Play, len(p.plays))
	copy(out, p.plays)
	return out
}

// Close marks the player closed. Recorded sources are left untouched so tests
// can still inspect them.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Source is a fake in-flight playback. Tests drive completion explicitly.
type Source struct {
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
}

// Stop halts the source. Idempotent, also safe after Complete.
func (s *Source) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Complete simulates the source finishing playback naturally.
func (s *Source) Complete() {
	s.once.Do(func() { close(s.done) })
}

// Done reports completion or stop.
func (s *Source) Done() <-chan struct{} { return s.done }

// WasStopped reports whether Stop was called (as opposed to natural completion).
func (s *Source) WasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
