// Package audio provides the sample types and PCM codec used by the voxchat
// voice pipeline.
//
// The remote realtime endpoint speaks 16-bit little-endian PCM: capture frames
// are encoded with [Encode] before transmission and model speech is decoded
// with [Decode] before playback. Both directions work on normalized float32
// samples so the rest of the pipeline never touches raw byte order.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// InputSampleRate is the fixed microphone capture rate expected by the
	// remote endpoint.
	InputSampleRate = 16000

	// OutputSampleRate is the fixed rate of model speech returned by the
	// remote endpoint.
	OutputSampleRate = 24000

	// InputMIMEType tags encoded capture chunks on the wire.
	InputMIMEType = "audio/pcm;rate=16000"
)

// ErrDecode reports a malformed PCM payload received from the remote
// endpoint. Decode failures are recoverable: the caller drops the chunk and
// playback continues with subsequent chunks.
var ErrDecode = errors.New("audio: malformed PCM payload")

// Chunk is one encoded capture frame in transit to the remote endpoint:
// 16-bit little-endian PCM bytes tagged with a MIME descriptor.
type Chunk struct {
	MIMEType string
	Data     []byte
}

// Encode converts a capture frame to 16-bit little-endian PCM. Samples are
// clamped to [-1, 1] before quantization, so out-of-range input degrades to
// full-scale output rather than wrapping. Returns an error for an empty frame.
func Encode(frame Frame) (Chunk, error) {
	if len(frame) == 0 {
		return Chunk{}, fmt.Errorf("audio: encode: empty frame")
	}

	data := make([]byte, len(frame)*2)
	for i, s := range frame {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}

	return Chunk{MIMEType: InputMIMEType, Data: data}, nil
}

// Decode interprets data as 16-bit little-endian PCM and returns a playable
// buffer at the given rate and channel count. Returns an [ErrDecode]-wrapped
// error if the byte length is not a whole number of sample frames.
func Decode(data []byte, sampleRate, channels int) (Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return Buffer{}, fmt.Errorf("%w: invalid format %dHz %dch", ErrDecode, sampleRate, channels)
	}
	if len(data)%(2*channels) != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrDecode, len(data), 2*channels)
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32768
	}

	return Buffer{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// RMS returns the root-mean-square loudness of a frame, in [0, 1] for
// normalized input. An empty frame has zero loudness.
func RMS(frame Frame) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
