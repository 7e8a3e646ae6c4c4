package capture_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tutorlink/pkg/audio"
	"github.com/MrWong99/tutorlink/pkg/audio/capture"
	"github.com/MrWong99/tutorlink/pkg/audio/mock"
)

type frameSink struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
}

func (s *frameSink) add(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *frameSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCapture_FixedSizeFramesInOrder(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{}
	sink := &frameSink{}
	c := capture.New(dev, sink.add, capture.WithFrameSize(4))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := dev.LastStream()
	// Uneven chunks must still produce exact 4-sample frames.
	stream.Push(1, 2, 3)
	stream.Push(4, 5)
	stream.Push(6, 7, 8, 9)
	waitFor(t, func() bool { return sink.len() == 2 })
	c.Stop()

	if got := dev.Formats[0]; got != audio.DefaultFormat() {
		t.Errorf("device format = %+v, want %+v", got, audio.DefaultFormat())
	}
	want := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for i, f := range sink.frames {
		if len(f.Samples) != 4 {
			t.Fatalf("frame %d has %d samples", i, len(f.Samples))
		}
		for j := range want[i] {
			if f.Samples[j] != want[i][j] {
				t.Errorf("frame %d sample %d = %v, want %v", i, j, f.Samples[j], want[i][j])
			}
		}
	}
	if sink.frames[1].Timestamp <= sink.frames[0].Timestamp {
		t.Error("timestamps not increasing")
	}
	if len(sink.frames) != 2 {
		t.Errorf("trailing partial frame emitted: %d frames", len(sink.frames))
	}
}

func TestCapture_StopIdempotent(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{}
	c := capture.New(dev, func(audio.AudioFrame) {})

	c.Stop() // never started

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, capture.ErrRunning) {
		t.Errorf("second Start: got %v, want ErrRunning", err)
	}
	c.Stop()
	c.Stop()

	if c.Running() {
		t.Error("Running after Stop")
	}
	if got := dev.OpenStreams(); got != 0 {
		t.Errorf("open streams = %d, want 0", got)
	}
	if !dev.LastStream().Closed() {
		t.Error("stream not closed")
	}
}

func TestCapture_DeviceDenied(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{OpenError: fmt.Errorf("%w: user said no", audio.ErrDeviceAccess)}
	c := capture.New(dev, func(audio.AudioFrame) {})

	err := c.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceAccess) {
		t.Fatalf("Start: got %v, want ErrDeviceAccess", err)
	}
	if c.Running() {
		t.Error("Running after failed Start")
	}
	c.Stop()
}

func TestCapture_RestartAfterStop(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{}
	c := capture.New(dev, func(audio.AudioFrame) {})

	for range 3 {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		c.Stop()
	}
	if got := dev.MaxConcurrentStreams(); got != 1 {
		t.Errorf("max concurrent streams = %d, want 1", got)
	}
	if got := dev.Opens(); got != 3 {
		t.Errorf("opens = %d, want 3", got)
	}
}
