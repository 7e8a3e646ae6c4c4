package audio

import (
	"encoding/binary"
	"errors"
	"time"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by [WAV].
const WAVHeaderSize = 44

// WAVHeader holds the fields of a canonical PCM WAV header.
type WAVHeader struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataSize      int
}

// WAV wraps raw PCM16LE samples in a minimal 44-byte WAV container so that a
// standard decoder can play the fragment without further negotiation.
func WAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = 1
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)

	b := make([]byte, WAVHeaderSize, WAVHeaderSize+len(pcm))
	copy(b[0:], "RIFF")
	binary.LittleEndian.PutUint32(b[4:], 36+dataSize)
	copy(b[8:], "WAVE")

	copy(b[12:], "fmt ")
	binary.LittleEndian.PutUint32(b[16:], 16)
	binary.LittleEndian.PutUint16(b[20:], 1) // PCM
	binary.LittleEndian.PutUint16(b[22:], uint16(channels))
	binary.LittleEndian.PutUint32(b[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(b[28:], byteRate)
	binary.LittleEndian.PutUint16(b[32:], blockAlign)
	binary.LittleEndian.PutUint16(b[34:], bitsPerSample)

	copy(b[36:], "data")
	binary.LittleEndian.PutUint32(b[40:], dataSize)
	return append(b, pcm...)
}

// ParseWAVHeader reads the canonical header written by [WAV].
func ParseWAVHeader(b []byte) (WAVHeader, error) {
	if len(b) < WAVHeaderSize {
		return WAVHeader{}, errors.New("audio: wav: short header")
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" ||
		string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return WAVHeader{}, errors.New("audio: wav: not a canonical PCM header")
	}
	return WAVHeader{
		Channels:      int(binary.LittleEndian.Uint16(b[22:])),
		SampleRate:    int(binary.LittleEndian.Uint32(b[24:])),
		BitsPerSample: int(binary.LittleEndian.Uint16(b[34:])),
		DataSize:      int(binary.LittleEndian.Uint32(b[40:])),
	}, nil
}

// Duration returns the playback length described by the header.
func (h WAVHeader) Duration() time.Duration {
	bytesPerSec := h.SampleRate * h.Channels * h.BitsPerSample / 8
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(h.DataSize) * time.Second / time.Duration(bytesPerSec)
}
