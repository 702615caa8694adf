// Package audio provides the raw audio-acquisition primitives the capture
// worker pumps frames from. Every source yields mono float32 PCM in [-1, 1].
package audio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

var (
	// ErrUnavailable means the acquisition capability is missing on this host.
	ErrUnavailable = errors.New("audio capture unavailable")
	// ErrPermissionDenied means the microphone exists but access was refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
)

// Format describes the frames a stream produces.
type Format struct {
	SampleRate int
	Channels   int
	FrameSize  int
}

// Source is an audio-acquisition backend.
type Source interface {
	// Available reports whether the backend can capture at all.
	Available() error
	// Register prepares the frame-pump backend. It is called once per
	// session and is cheap to repeat.
	Register(ctx context.Context) error
	// Unregister releases whatever Register acquired.
	Unregister() error
	// Open starts a microphone session.
	Open(ctx context.Context, format Format) (Stream, error)
}

// Stream is an open microphone session. Read fills frame with up to
// len(frame) samples; callers must not retain frame across calls.
type Stream interface {
	Read(frame []float32) (int, error)
	Close() error
}

// Factory builds a source from configuration.
type Factory func(cfg config.SourceConfig) (Source, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterFactory makes a source mode available to NewSource.
func RegisterFactory(mode string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[mode] = factory
}

// Modes lists the registered source modes.
func Modes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	modes := make([]string, 0, len(factories))
	for mode := range factories {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	return modes
}

func NewSource(cfg config.SourceConfig) (Source, error) {
	factoriesMu.RLock()
	factory, ok := factories[cfg.Mode]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source mode %q not compiled in (have %v): %w", cfg.Mode, Modes(), ErrUnavailable)
	}
	return factory(cfg)
}

func init() {
	RegisterFactory("ffmpeg", func(cfg config.SourceConfig) (Source, error) {
		return NewFFMPEGSource(cfg), nil
	})
	RegisterFactory("wav", func(cfg config.SourceConfig) (Source, error) {
		return NewWavSource(cfg.Path, cfg.Realtime), nil
	})
}
