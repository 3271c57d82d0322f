// Package device defines the audio I/O capability interfaces injected into
// the voxchat voice pipeline.
//
// The two primary abstractions are:
//
//   - [InputDevice] — a microphone-like source producing a stream of capture
//     frames at a fixed rate.
//   - [Player] — a speaker-like sink with an internal playback clock against
//     which buffers are scheduled at absolute times.
//
// Concrete implementations live in subpackages (device/rawio, device/beepdev);
// tests inject scripted fakes from device/mock. The interfaces are
// intentionally narrow so the session client never depends on a platform
// audio API directly.
//
// This package lives under pkg/ because external code (alternative platform
// adapters) is expected to implement [InputDevice] and [Player].
package device

import (
	"context"
	"time"

	"github.com/MrWong99/voxchat/pkg/audio"
)

// InputDevice is a continuous source of capture frames.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// Start acquires the underlying input (microphone, pipe, file) and
	// returns a channel delivering fixed-size [audio.Frame] values until the
	// device is stopped or the source is exhausted. The channel is closed by
	// the device when no further frames will arrive.
	//
	// Returns an error if the input cannot be acquired (permission denied,
	// hardware absent). Start may be called at most once per device.
	Start(ctx context.Context) (<-chan audio.Frame, error)

	// Stop releases the input resource and closes the frame channel. Calling
	// Stop more than once is safe and returns nil.
	Stop() error
}

// Source is one in-flight scheduled playback. It is returned by
// [Player.Play] and remains valid until the buffer finishes or is stopped.
type Source interface {
	// Stop halts playback of this source immediately. Stopping a source that
	// has already finished (or was already stopped) is a no-op.
	Stop()

	// Done returns a channel that is closed when the source finishes playing
	// or is stopped.
	Done() <-chan struct{}
}

// Player is an output device with queued buffer scheduling. The playback
// scheduler computes start times against the player's clock; the player only
// has to honour them.
//
// Implementations must be safe for concurrent use.
type Player interface {
	// Now returns the current position of the playback clock. The clock
	// starts at zero when the player is created and advances monotonically.
	Now() time.Duration

	// Play schedules buf to begin playing at the given clock position. A
	// position at or before Now() means "play immediately". The returned
	// [Source] reports completion and supports early stop.
	Play(buf audio.Buffer, at time.Duration) (Source, error)

	// Close releases the output device. In-flight sources are stopped.
	// Calling Close more than once is safe and returns nil.
	Close() error
}
