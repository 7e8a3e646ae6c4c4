// Package audio defines the sample types, wire codec, and device abstractions
// used by the voice session.
//
// The two device abstractions are:
//
//   - [CaptureDevice] opens an exclusive microphone stream of float samples.
//   - [Speaker] plays one self-contained WAV fragment to completion.
//
// Implementations live in sub-packages (audio/ffmpeg for real hardware,
// audio/mock for tests). This package lives under pkg/ because embedding
// applications are expected to provide their own devices.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceAccess is returned when the operating system or the user denies
// access to an audio device. It is a local failure: callers must not retry it
// automatically.
var ErrDeviceAccess = errors.New("audio: device access denied")

// InputStream is an open capture stream. Read fills p with samples and
// returns the number written; it returns [io.EOF] once the stream is closed.
type InputStream interface {
	Read(p []float32) (int, error)
	Close() error
}

// CaptureDevice hands out exclusive input streams. Only one stream may be
// open at a time; opening a second stream before closing the first is a
// programming error and implementations may reject it.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	Open(ctx context.Context, format Format) (InputStream, error)
}

// Speaker plays audio through the system output.
//
// Play blocks until the fragment has finished playing or ctx is cancelled.
// The fragment is a complete WAV container as produced by [WAV].
type Speaker interface {
	Play(ctx context.Context, wav []byte) error
}
