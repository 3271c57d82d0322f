// Package rawio implements [device.InputDevice] over a plain byte stream of
// 16-bit little-endian PCM, such as a pipe from arecord or sox:
//
//	arecord -f S16_LE -r 16000 -c 1 | voxchat -mode voice
//
// Frames are emitted at their real-time pace so a faster-than-realtime source
// (a file) behaves like a live microphone.
package rawio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxchat/pkg/audio"
	"github.com/MrWong99/voxchat/pkg/audio/device"
)

// Compile-time interface assertion.
var _ device.InputDevice = (*Input)(nil)

// DefaultFrameSize is the number of samples per emitted frame: 4096 samples
// at 16 kHz is one capture tick of ~256 ms.
const DefaultFrameSize = 4096

// Option configures an [Input].
type Option func(*Input)

// WithFrameSize overrides the number of samples per frame.
func WithFrameSize(n int) Option {
	return func(in *Input) {
		if n > 0 {
			in.frameSize = n
		}
	}
}

// WithoutPacing disables real-time pacing. Frames are emitted as fast as the
// reader delivers bytes. Primarily used in tests.
func WithoutPacing() Option {
	return func(in *Input) { in.paced = false }
}

// Input reads s16le mono PCM at [audio.InputSampleRate] from an io.Reader and
// emits one [audio.Frame] per frameSize samples.
type Input struct {
	r          io.Reader
	frameSize  int
	sampleRate int
	paced      bool

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates an Input reading from r.
func New(r io.Reader, opts ...Option) *Input {
	in := &Input{
		r:          r,
		frameSize:  DefaultFrameSize,
		sampleRate: audio.InputSampleRate,
		paced:      true,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Start implements [device.InputDevice]. It fails if the reader is nil, which
// stands in for a missing capture source.
func (in *Input) Start(ctx context.Context) (<-chan audio.Frame, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.r == nil {
		return nil, fmt.Errorf("rawio: no input stream")
	}
	if in.started {
		return nil, fmt.Errorf("rawio: already started")
	}
	in.started = true

	frames := make(chan audio.Frame, 4)
	in.wg.Add(1)
	go in.readLoop(ctx, frames)
	return frames, nil
}

// Stop implements [device.InputDevice]. Idempotent.
func (in *Input) Stop() error {
	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		return nil
	}
	in.stopped = true
	close(in.done)
	in.mu.Unlock()

	in.wg.Wait()
	return nil
}

// readLoop reads full frames from the byte stream and emits them, paced to
// the frame duration when pacing is enabled. It owns the frames channel.
func (in *Input) readLoop(ctx context.Context, frames chan<- audio.Frame) {
	defer in.wg.Done()
	defer close(frames)

	frameDur := time.Duration(in.frameSize) * time.Second / time.Duration(in.sampleRate)
	var ticker *time.Ticker
	if in.paced {
		ticker = time.NewTicker(frameDur)
		defer ticker.Stop()
	}

	buf := make([]byte, in.frameSize*2)
	for {
		if _, err := io.ReadFull(in.r, buf); err != nil {
			return // EOF or a short tail: the stream is over
		}

		frame := make(audio.Frame, in.frameSize)
		for i := range frame {
			frame[i] = float32(int16(binary.LittleEndian.Uint16(buf[i*2:]))) / 32768
		}

		if ticker != nil {
			select {
			case <-in.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}

		select {
		case frames <- frame:
		case <-in.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
