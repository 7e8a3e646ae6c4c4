package audio

import "time"

const (
	// DefaultSampleRate is the sample rate in Hz used on the wire in both
	// directions.
	DefaultSampleRate = 24000

	// DefaultFrameSize is the number of samples per captured [AudioFrame].
	DefaultFrameSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat returns the 24 kHz mono format used by voice sessions.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: 1}
}

// AudioFrame is a fixed-size chunk of captured audio. Frames are immutable once
// emitted; the consumer owns the Samples slice and the producer never touches
// it again.
type AudioFrame struct {
	// Samples are floating-point samples in [-1, 1], interleaved when
	// Channels > 1.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for the mono voice path.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	n := len(f.Samples) / f.Channels
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}
