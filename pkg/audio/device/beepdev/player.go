// Package beepdev implements [device.Player] on top of the beep speaker,
// giving voxchat a portable software output path without platform audio
// bindings.
package beepdev

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"

	"github.com/MrWong99/voxchat/pkg/audio"
	"github.com/MrWong99/voxchat/pkg/audio/device"
)

// Compile-time interface assertions.
var _ device.Player = (*Player)(nil)
var _ device.Source = (*source)(nil)

// Player schedules PCM buffers onto the shared beep speaker. Its clock starts
// at zero on construction and advances with wall time, which is what the
// playback scheduler expects from a real output device.
type Player struct {
	start time.Time

	mu      sync.Mutex
	closed  bool
	pending map[*time.Timer]struct{}
	sources map[*source]struct{}
}

// New initializes the speaker for the given sample rate and returns a ready
// Player. The buffer size is sized for ~50 ms of latency, small enough that
// scheduled start times stay meaningful.
func New(sampleRate int) (*Player, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("beepdev: invalid sample rate %d", sampleRate)
	}
	sr := beep.SampleRate(sampleRate)
	if err := speaker.Init(sr, sr.N(50*time.Millisecond)); err != nil {
		return nil, fmt.Errorf("beepdev: init speaker: %w", err)
	}
	return &Player{
		start:   time.Now(),
		pending: make(map[*time.Timer]struct{}),
		sources: make(map[*source]struct{}),
	}, nil
}

// Now implements [device.Player].
func (p *Player) Now() time.Duration {
	return time.Since(p.start)
}

// Play implements [device.Player]. Buffers scheduled in the future are held
// on a timer and handed to the speaker when their start time arrives.
func (p *Player) Play(buf audio.Buffer, at time.Duration) (device.Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("beepdev: player closed")
	}
	if buf.Channels < 1 || buf.Channels > 2 {
		return nil, fmt.Errorf("beepdev: unsupported channel count %d", buf.Channels)
	}

	src := &source{done: make(chan struct{})}
	p.sources[src] = struct{}{}

	play := func() {
		streamer := beep.Seq(
			&bufferStreamer{buf: buf, stopped: &src.stopped},
			beep.Callback(func() { src.finish() }),
		)
		speaker.Play(streamer)
	}

	delay := at - time.Since(p.start)
	if delay <= 0 {
		play()
		return src, nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.pending, timer)
		closed := p.closed
		p.mu.Unlock()
		if closed || src.stopped.Load() {
			src.finish()
			return
		}
		play()
	})
	p.pending[timer] = struct{}{}
	return src, nil
}

// Close implements [device.Player]. Pending timers are cancelled and in-flight
// sources stopped; the shared speaker itself stays initialized for any other
// player using the same rate.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	timers := p.pending
	sources := p.sources
	p.pending = nil
	p.sources = nil
	p.mu.Unlock()

	for t := range timers {
		t.Stop()
	}
	for s := range sources {
		s.Stop()
	}
	speaker.Clear()
	return nil
}

// source is one scheduled buffer. Stopping flips the flag the streamer
// checks on every Stream call, so the speaker drops it on its next mix pass.
type source struct {
	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func (s *source) Stop() {
	s.stopped.Store(true)
	s.finish()
}

func (s *source) Done() <-chan struct{} { return s.done }

func (s *source) finish() {
	s.once.Do(func() { close(s.done) })
}

// bufferStreamer streams a decoded PCM buffer as beep samples, upmixing mono
// to both output channels.
type bufferStreamer struct {
	buf     audio.Buffer
	pos     int
	stopped *atomic.Bool
}

func (bs *bufferStreamer) Stream(samples [][2]float64) (int, bool) {
	if bs.stopped.Load() {
		return 0, false
	}
	ch := bs.buf.Channels
	total := len(bs.buf.Samples) / ch
	if bs.pos >= total {
		return 0, false
	}

	n := 0
	for ; n < len(samples) && bs.pos < total; n++ {
		if ch == 1 {
			v := float64(bs.buf.Samples[bs.pos])
			samples[n][0] = v
			samples[n][1] = v
		} else {
			samples[n][0] = float64(bs.buf.Samples[bs.pos*2])
			samples[n][1] = float64(bs.buf.Samples[bs.pos*2+1])
		}
		bs.pos++
	}
	return n, true
}

func (bs *bufferStreamer) Err() error { return nil }
