//go:build portaudio

package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

func init() {
	RegisterFactory("portaudio", func(config.SourceConfig) (Source, error) {
		return &PortAudioSource{}, nil
	})
}

// PortAudioSource captures from the default input device through the
// PortAudio C library. Register initializes the library; Unregister
// terminates it.
type PortAudioSource struct {
	mu          sync.Mutex
	initialized bool
}

func (s *PortAudioSource) Available() error {
	if err := s.Register(context.Background()); err != nil {
		return err
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return fmt.Errorf("%s: %w", err, ErrUnavailable)
	}
	return nil
}

func (s *PortAudioSource) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	s.initialized = true
	return nil
}

func (s *PortAudioSource) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.initialized = false
	return portaudio.Terminate()
}

func (s *PortAudioSource) Open(ctx context.Context, format Format) (Stream, error) {
	if err := s.Register(ctx); err != nil {
		return nil, err
	}
	if format.FrameSize <= 0 {
		format.FrameSize = 1024
	}
	in := make([]float32, format.FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(format.SampleRate), len(in), in)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "permission") {
			return nil, fmt.Errorf("open stream: %s: %w", err, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start stream: %w", err)
	}
	return &portaudioStream{stream: stream, in: in}, nil
}

type portaudioStream struct {
	stream *portaudio.Stream
	in     []float32
	off    int
	avail  int

	closeOnce sync.Once
	closeErr  error
}

func (s *portaudioStream) Read(frame []float32) (int, error) {
	n := 0
	for n < len(frame) {
		if s.off >= s.avail {
			if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
				return n, fmt.Errorf("read stream: %w", err)
			}
			s.off, s.avail = 0, len(s.in)
		}
		copied := copy(frame[n:], s.in[s.off:s.avail])
		s.off += copied
		n += copied
	}
	return n, nil
}

func (s *portaudioStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.stream.Stop(), s.stream.Close())
	})
	return s.closeErr
}
