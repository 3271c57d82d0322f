// Package capture runs the microphone side of a voice session: it pulls
// frames from an input device, reports loudness for UI metering, and encodes
// unmuted frames for transmission.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxchat/pkg/audio"
	"github.com/MrWong99/voxchat/pkg/audio/device"
)

// ErrCaptureUnavailable reports that the input device could not be acquired,
// e.g. permission was denied or no microphone exists.
var ErrCaptureUnavailable = errors.New("capture: input unavailable")

// Sink receives each encoded, unmuted capture frame.
type Sink func(audio.Chunk)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithVolumeCallback registers fn to receive the loudness of every captured
// frame, muted or not. It is called from the capture goroutine and must not
// block.
func WithVolumeCallback(fn func(float64)) Option {
	return func(p *Pipeline) { p.onVolume = fn }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// Pipeline owns one capture run from Start to Close. While muted it keeps
// consuming frames so the device stays warm, but nothing reaches the sink and
// the reported volume is zero.
type Pipeline struct {
	dev      device.InputDevice
	sink     Sink
	onVolume func(float64)
	logger   *slog.Logger

	muted atomic.Bool

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
}

// New creates a Pipeline reading from dev and delivering encoded chunks to
// sink.
func New(dev device.InputDevice, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:    dev,
		sink:   sink,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the input device and begins streaming. A device failure is
// reported as [ErrCaptureUnavailable] and nothing is started.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("capture: already started")
	}
	if p.closed {
		return fmt.Errorf("capture: pipeline closed")
	}

	frames, err := p.dev.Start(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	p.started = true
	go p.run(frames)
	return nil
}

// SetMuted toggles the mute gate. Takes effect on the next frame.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Muted reports the current gate state.
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// Done returns a channel closed when the capture stream has ended, either
// because Close was called or the device ran out of frames on its own.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Close stops the input device and ends the stream. Safe to call repeatedly.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	err := p.dev.Stop()
	if !started {
		// No run loop to close done for us.
		close(p.done)
	}
	if err != nil {
		return fmt.Errorf("capture: stop device: %w", err)
	}
	return nil
}

func (p *Pipeline) run(frames <-chan audio.Frame) {
	defer close(p.done)

	for frame := range frames {
		if p.muted.Load() {
			// Muted frames are consumed but never transmitted, and the
			// meter shows silence regardless of actual input.
			if p.onVolume != nil {
				p.onVolume(0)
			}
			continue
		}

		if p.onVolume != nil {
			vol := audio.RMS(frame)
			if vol > 1 {
				vol = 1
			}
			p.onVolume(vol)
		}

		chunk, err := audio.Encode(frame)
		if err != nil {
			p.logger.Warn("dropping unencodable capture frame", "error", err)
			continue
		}
		p.sink(chunk)
	}
}
