package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// EncodeChunkSize is the number of PCM bytes base64-encoded per step by
// [EncodeBase64]. It is a multiple of 3 so that chunks concatenate without
// intermediate padding.
const EncodeChunkSize = 3 * 1024 * 11

// ErrOddPCM is returned when a PCM16 payload has an odd number of bytes.
var ErrOddPCM = errors.New("audio: odd PCM16 byte count")

// FloatToPCM16 converts floating-point samples to signed 16-bit little-endian
// PCM. Samples are clamped to [-1, 1] before scaling so that exactly ±1.0 and
// out-of-range values never overflow. NaN maps to silence.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// PCM16ToFloat converts signed 16-bit little-endian PCM to floating-point
// samples in [-1, 1]. It is the exact inverse of [FloatToPCM16] for every
// int16 value.
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddPCM, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7FFF
		}
	}
	return out, nil
}

func floatToInt16(s float32) int16 {
	if s != s {
		return 0
	}
	s = max(-1, min(1, s))
	if s < 0 {
		return int16(math.Round(float64(s) * 0x8000))
	}
	return int16(math.Round(float64(s) * 0x7FFF))
}

// EncodeBase64 encodes pcm to standard base64 in bounded chunks of
// [EncodeChunkSize] bytes. The result is identical to encoding the whole
// buffer at once.
func EncodeBase64(pcm []byte) string {
	dst := make([]byte, 0, base64.StdEncoding.EncodedLen(len(pcm)))
	for off := 0; off < len(pcm); off += EncodeChunkSize {
		end := min(off+EncodeChunkSize, len(pcm))
		dst = base64.StdEncoding.AppendEncode(dst, pcm[off:end])
	}
	return string(dst)
}

// DecodeBase64 reverses [EncodeBase64] and checks that the payload holds a
// whole number of 16-bit samples.
func DecodeBase64(s string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddPCM, len(pcm))
	}
	return pcm, nil
}

// EncodeFrame runs the full outbound path for a frame: clamp, PCM16, base64.
func EncodeFrame(f AudioFrame) string {
	return EncodeBase64(FloatToPCM16(f.Samples))
}
