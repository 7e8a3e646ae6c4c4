// Package capture turns an [audio.CaptureDevice] stream into fixed-size
// [audio.AudioFrame] values.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tutorlink/pkg/audio"
)

// ErrRunning is returned by [Capture.Start] when capture is already active.
var ErrRunning = errors.New("capture: already running")

// Option configures a [Capture].
type Option func(*Capture)

// WithFormat sets the format requested from the device.
func WithFormat(f audio.Format) Option {
	return func(c *Capture) { c.format = f }
}

// WithFrameSize sets the number of samples per emitted frame.
func WithFrameSize(n int) Option {
	return func(c *Capture) {
		if n > 0 {
			c.frameSize = n
		}
	}
}

// WithErrorHandler registers a callback for stream failures that happen after
// Start returned. It is not called for the io.EOF that follows Stop.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Capture) { c.onError = fn }
}

// Capture reads samples from a device and emits frames of exactly frameSize
// samples, in capture order, to a callback. A trailing partial frame at Stop
// is discarded.
type Capture struct {
	dev       audio.CaptureDevice
	format    audio.Format
	frameSize int
	onFrame   func(audio.AudioFrame)
	onError   func(error)

	mu     sync.Mutex
	stream audio.InputStream
	done   chan struct{}
}

// New creates a Capture for dev. onFrame receives ownership of every frame
// and is invoked from the capture goroutine; it must not block.
func New(dev audio.CaptureDevice, onFrame func(audio.AudioFrame), opts ...Option) *Capture {
	c := &Capture{
		dev:       dev,
		format:    audio.DefaultFormat(),
		frameSize: audio.DefaultFrameSize,
		onFrame:   onFrame,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start opens the device and begins emitting frames. Device denial is
// returned wrapped around [audio.ErrDeviceAccess] by the device itself;
// Start never retries.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return ErrRunning
	}

	stream, err := c.dev.Open(ctx, c.format)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}
	c.stream = stream
	c.done = make(chan struct{})
	go c.loop(stream, c.done)

	slog.Debug("capture: started", "sample_rate", c.format.SampleRate, "frame_size", c.frameSize)
	return nil
}

// Stop releases the device and waits for the capture goroutine to exit. It
// is safe to call multiple times and on a Capture that never started.
func (c *Capture) Stop() {
	c.mu.Lock()
	stream, done := c.stream, c.done
	c.stream, c.done = nil, nil
	c.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		slog.Warn("capture: close stream", "err", err)
	}
	<-done
	slog.Debug("capture: stopped")
}

// Running reports whether the device is currently held.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

func (c *Capture) loop(stream audio.InputStream, done chan struct{}) {
	defer close(done)

	var emitted int64
	buf := make([]float32, c.frameSize)
	fill := 0
	for {
		n, err := stream.Read(buf[fill:])
		fill += n
		if fill == len(buf) {
			frame := audio.AudioFrame{
				Samples:    buf,
				SampleRate: c.format.SampleRate,
				Channels:   c.format.Channels,
				Timestamp:  c.offset(emitted),
			}
			emitted += int64(c.frameSize)
			buf = make([]float32, c.frameSize)
			fill = 0
			if c.onFrame != nil {
				c.onFrame(frame)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && c.holds(stream) && c.onError != nil {
				c.onError(fmt.Errorf("capture: read: %w", err))
			}
			return
		}
	}
}

func (c *Capture) holds(stream audio.InputStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream == stream
}

func (c *Capture) offset(samples int64) time.Duration {
	if c.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(c.format.SampleRate)
}
