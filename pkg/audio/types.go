package audio

import "time"

// Frame is a single block of normalized mono samples captured from the
// microphone. Sample values are in [-1, 1]; the capture pipeline produces one
// Frame per capture tick and discards it after encoding.
type Frame []float32

// Buffer is a decoded block of audio ready for playback. Unlike a Frame it
// carries its own format because output audio arrives from the remote
// endpoint at a different rate (24 kHz) than capture (16 kHz).
type Buffer struct {
	// Samples holds normalized samples in [-1, 1], channel-interleaved.
	Samples []float32

	// SampleRate in Hz (e.g., 24000 for model speech output).
	SampleRate int

	// Channels: 1 for mono model output.
	Channels int
}

// Duration returns the playback length of the buffer. A buffer with a
// non-positive sample rate or channel count has zero duration.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.Samples) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}
