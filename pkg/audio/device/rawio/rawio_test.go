package rawio_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/voxchat/pkg/audio/device/rawio"
)

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestInput_FramesAndEOF(t *testing.T) {
	// Two full frames of 4 samples each plus a 1-sample tail that must be
	// discarded.
	data := pcmBytes([]int16{0, 16384, -16384, 32767, 100, 200, 300, 400, 7})
	in := rawio.New(bytes.NewReader(data), rawio.WithFrameSize(4), rawio.WithoutPacing())

	frames, err := in.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	first, ok := <-frames
	if !ok {
		t.Fatal("expected first frame")
	}
	if len(first) != 4 {
		t.Fatalf("frame length = %d; want 4", len(first))
	}
	if first[1] != 16384.0/32768 {
		t.Errorf("sample 1 = %g; want %g", first[1], 16384.0/32768)
	}
	if _, ok := <-frames; !ok {
		t.Fatal("expected second frame")
	}
	if _, ok := <-frames; ok {
		t.Fatal("channel should close after the partial tail")
	}
}

func TestInput_NilReader(t *testing.T) {
	if _, err := rawio.New(nil).Start(context.Background()); err == nil {
		t.Fatal("Start with nil reader should fail")
	}
}

func TestInput_StartTwice(t *testing.T) {
	in := rawio.New(bytes.NewReader(nil), rawio.WithoutPacing())
	if _, err := in.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := in.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestInput_StopIsIdempotent(t *testing.T) {
	// An endless zero stream: Stop must terminate the read loop.
	in := rawio.New(zeroReader{}, rawio.WithFrameSize(16), rawio.WithoutPacing())
	frames, err := in.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-frames

	if err := in.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := in.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	select {
	case _, ok := <-frames:
		if ok {
			// A buffered frame may still be in flight; drain until close.
			for range frames {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("frame channel not closed after Stop")
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) { return len(p), nil }
