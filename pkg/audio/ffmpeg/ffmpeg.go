// Package ffmpeg implements [audio.CaptureDevice] and [audio.Speaker] on top of
// the ffmpeg and ffplay command-line tools.
//
// The microphone runs ffmpeg with the platform's capture demuxer and reads raw
// float32 little-endian samples from its stdout. The speaker starts one ffplay
// process per WAV fragment and waits for it to exit.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/tutorlink/pkg/audio"
)

var (
	_ audio.CaptureDevice = (*Microphone)(nil)
	_ audio.Speaker       = (*Speaker)(nil)
)

// denialMarkers are substrings ffmpeg prints when the OS refuses microphone
// access.
var denialMarkers = []string{
	"permission denied",
	"not authorized",
	"operation not permitted",
	"failed to open",
}

// Microphone captures audio with ffmpeg.
type Microphone struct {
	// Path is the ffmpeg executable. Defaults to "ffmpeg".
	Path string

	// InputFormat is the ffmpeg demuxer (avfoundation, pulse, alsa, dshow).
	// Empty selects one for the current OS.
	InputFormat string

	// Device is the demuxer-specific input name. Empty selects the default
	// input for the chosen demuxer.
	Device string

	mu   sync.Mutex
	open bool
}

// Open implements [audio.CaptureDevice]. It blocks until ffmpeg produced its
// first samples or failed; a refused device yields [audio.ErrDeviceAccess].
func (m *Microphone) Open(ctx context.Context, format audio.Format) (audio.InputStream, error) {
	m.mu.Lock()
	if m.open {
		m.mu.Unlock()
		return nil, errors.New("ffmpeg: microphone already open")
	}
	m.open = true
	m.mu.Unlock()

	s, err := m.start(ctx, format)
	if err != nil {
		m.release()
		return nil, err
	}
	return s, nil
}

func (m *Microphone) release() {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
}

func (m *Microphone) start(ctx context.Context, format audio.Format) (*stream, error) {
	path := m.Path
	if path == "" {
		path = "ffmpeg"
	}
	inFmt, dev := m.InputFormat, m.Device
	if inFmt == "" {
		inFmt, dev = defaultInput(dev)
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", inFmt,
		"-i", dev,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "f32le",
		"-",
	}

	// The process outlives ctx: ctx only bounds the wait for first samples.
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &lockedWriter{w: &stderr}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start %s: %w", path, err)
	}

	s := &stream{
		mic:    m,
		cmd:    cmd,
		reader: bufio.NewReaderSize(stdout, 64*1024),
		stderr: cmd.Stderr.(*lockedWriter),
		exited: make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	first := make(chan error, 1)
	go func() {
		_, err := s.reader.Peek(4)
		first <- err
	}()
	select {
	case err := <-first:
		if err != nil {
			s.kill()
			return nil, s.classify(err)
		}
	case <-ctx.Done():
		s.kill()
		return nil, fmt.Errorf("ffmpeg: waiting for first samples: %w", ctx.Err())
	}

	slog.Debug("ffmpeg: microphone open", "format", inFmt, "device", dev, "pid", cmd.Process.Pid)
	return s, nil
}

func defaultInput(dev string) (string, string) {
	switch runtime.GOOS {
	case "darwin":
		if dev == "" {
			dev = "none:0"
		}
		return "avfoundation", dev
	case "windows":
		return "dshow", dev
	default:
		if dev == "" {
			dev = "default"
		}
		return "pulse", dev
	}
}

type stream struct {
	mic    *Microphone
	cmd    *exec.Cmd
	reader *bufio.Reader
	stderr *lockedWriter

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
	raw       []byte
}

// Read implements [audio.InputStream].
func (s *stream) Read(p []float32) (int, error) {
	need := len(p) * 4
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]
	n, err := io.ReadFull(s.reader, raw)
	n -= n % 4
	for i := 0; i < n/4; i++ {
		p[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	if err != nil {
		if s.isClosed() {
			return n / 4, io.EOF
		}
		return n / 4, s.classify(err)
	}
	return n / 4, nil
}

// Close implements [audio.InputStream].
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.kill()
		s.mic.release()
	})
	return nil
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.exited
}

// classify turns a read failure into a device error, recognising denial
// messages on ffmpeg's stderr.
func (s *stream) classify(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		<-s.exited
	}
	msg := strings.TrimSpace(s.stderr.String())
	low := strings.ToLower(msg)
	for _, marker := range denialMarkers {
		if strings.Contains(low, marker) {
			return fmt.Errorf("%w: %s", audio.ErrDeviceAccess, msg)
		}
	}
	if msg != "" {
		return fmt.Errorf("ffmpeg: capture failed: %s: %w", msg, err)
	}
	return fmt.Errorf("ffmpeg: capture failed: %w", err)
}

type lockedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Keep the tail only; ffmpeg can be chatty on long sessions.
	if l.w.Len() > 16*1024 {
		l.w.Reset()
	}
	return l.w.Write(p)
}

func (l *lockedWriter) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.String()
}

// Speaker plays WAV fragments with ffplay.
type Speaker struct {
	// Path is the ffplay executable. Defaults to "ffplay".
	Path string

	// Volume is ffplay's startup volume, 0 to 100. Zero means 80.
	Volume int
}

// Play implements [audio.Speaker].
func (s *Speaker) Play(ctx context.Context, wav []byte) error {
	path := s.Path
	if path == "" {
		path = "ffplay"
	}
	vol := s.Volume
	if vol <= 0 {
		vol = 80
	}
	cmd := exec.CommandContext(ctx, path,
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-volume", strconv.Itoa(vol),
		"-i", "pipe:0",
	)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	cmd.Stdin = bytes.NewReader(wav)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffplay: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return nil
}
