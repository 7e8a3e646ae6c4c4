package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/tutorlink/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreateAudio] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// AudioDevices is what an audio backend factory produces. Either field may be
// nil, in which case the session runs without that half.
type AudioDevices struct {
	Capture audio.CaptureDevice
	Speaker audio.Speaker
}

// Registry maps audio backend names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	audio map[AudioBackend]func(AudioConfig) (AudioDevices, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio: make(map[AudioBackend]func(AudioConfig) (AudioDevices, error)),
	}
}

// RegisterAudio registers an audio backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name AudioBackend, factory func(AudioConfig) (AudioDevices, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateAudio instantiates the devices of the backend named by cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateAudio(cfg AudioConfig) (AudioDevices, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return AudioDevices{}, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
