// Package mock provides in-memory implementations of [audio.CaptureDevice],
// [audio.InputStream], and [audio.Speaker] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.CaptureDevice{}
//	stream, _ := dev.Open(ctx, audio.DefaultFormat())
//	dev.LastStream().Push(make([]float32, 4096)...)
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/tutorlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.InputStream   = (*InputStream)(nil)
	_ audio.Speaker       = (*Speaker)(nil)
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream] fed by [InputStream.Push].
type InputStream struct {
	chunks    chan []float32
	closed    chan struct{}
	closeOnce sync.Once
	onClose   func()

	// pending is only touched by the reading goroutine.
	pending []float32

	mu sync.Mutex

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInputStream returns an open stream with room for 64 pushed chunks.
func NewInputStream() *InputStream {
	return &InputStream{
		chunks: make(chan []float32, 64),
		closed: make(chan struct{}),
	}
}

// Push queues samples for the reader. Pushing to a closed stream is a no-op.
func (s *InputStream) Push(samples ...float32) {
	select {
	case <-s.closed:
		return
	default:
	}
	cp := make([]float32, len(samples))
	copy(cp, samples)
	select {
	case s.chunks <- cp:
	case <-s.closed:
	}
}

// Read implements [audio.InputStream].
func (s *InputStream) Read(p []float32) (int, error) {
	if len(s.pending) == 0 {
		select {
		case chunk := <-s.chunks:
			s.pending = chunk
		case <-s.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close implements [audio.InputStream]. It is idempotent.
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
// Set OpenError before use; inspect the Call* fields and Streams after.
type CaptureDevice struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Formats records the format argument of every Open call.
	Formats []audio.Format

	// Streams holds every stream handed out, in order.
	Streams []*InputStream

	open    int
	maxOpen int
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(_ context.Context, format audio.Format) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	d.Formats = append(d.Formats, format)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := NewInputStream()
	s.onClose = func() {
		d.mu.Lock()
		d.open--
		d.mu.Unlock()
	}
	d.Streams = append(d.Streams, s)
	d.open++
	d.maxOpen = max(d.maxOpen, d.open)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (d *CaptureDevice) LastStream() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// OpenStreams returns the number of streams currently open.
func (d *CaptureDevice) OpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// MaxConcurrentStreams returns the highest number of simultaneously open
// streams observed.
func (d *CaptureDevice) MaxConcurrentStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// Opens returns CallCountOpen under the lock.
func (d *CaptureDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// PlayError is returned by Play when non-nil.
	PlayError error

	// Block, when non-nil, makes Play wait for a receive on it (or ctx
	// cancellation) before returning.
	Block chan struct{}

	// Played records every fragment passed to Play, in order.
	Played [][]byte

	active int
}

// Play implements [audio.Speaker].
func (s *Speaker) Play(ctx context.Context, wav []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(wav))
	copy(cp, wav)
	s.Played = append(s.Played, cp)
	block := s.Block
	err := s.PlayError
	s.active++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Active returns the number of Play calls that have not returned yet.
func (s *Speaker) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// PlayCount returns the number of fragments played so far.
func (s *Speaker) PlayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}
