package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavSource replays a PCM wav file as if it were a microphone. With realtime
// set, Read paces frames at the file's sample rate.
type WavSource struct {
	path     string
	realtime bool

	mu         sync.Mutex
	registered bool
}

func NewWavSource(path string, realtime bool) *WavSource {
	return &WavSource{path: path, realtime: realtime}
}

func (s *WavSource) Available() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrUnavailable)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory: %w", s.path, ErrUnavailable)
	}
	return nil
}

func (s *WavSource) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	return nil
}

func (s *WavSource) Unregister() error {
	s.mu.Lock()
	s.registered = false
	s.mu.Unlock()
	return nil
}

func (s *WavSource) Open(ctx context.Context, format Format) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("open %s: %w", s.path, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("%s is not a valid wav file", s.path)
	}
	if err := dec.FwdToPCM(); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek to pcm: %w", err)
	}
	if format.SampleRate > 0 && int(dec.SampleRate) != format.SampleRate {
		file.Close()
		return nil, fmt.Errorf("wav sample rate %d does not match capture rate %d", dec.SampleRate, format.SampleRate)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	return &wavStream{
		file:       file,
		dec:        dec,
		channels:   channels,
		bitDepth:   int(dec.BitDepth),
		sampleRate: int(dec.SampleRate),
		realtime:   s.realtime,
	}, nil
}

type wavStream struct {
	file       *os.File
	dec        *wav.Decoder
	channels   int
	bitDepth   int
	sampleRate int
	realtime   bool

	buf      *goaudio.IntBuffer
	nextRead time.Time
}

func (s *wavStream) Read(frame []float32) (int, error) {
	want := len(frame) * s.channels
	if s.buf == nil || cap(s.buf.Data) < want {
		s.buf = &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: s.channels, SampleRate: s.sampleRate},
			Data:           make([]int, want),
			SourceBitDepth: s.bitDepth,
		}
	}
	s.buf.Data = s.buf.Data[:want]
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("decode wav: %w", err)
	}
	samples := n / s.channels
	if samples == 0 {
		return 0, io.EOF
	}
	// downmix to mono
	for i := 0; i < samples; i++ {
		var sum float32
		for c := 0; c < s.channels; c++ {
			sum += intToFloat(s.buf.Data[i*s.channels+c], s.bitDepth)
		}
		frame[i] = sum / float32(s.channels)
	}
	s.pace(samples)
	return samples, nil
}

func (s *wavStream) pace(samples int) {
	if !s.realtime || s.sampleRate <= 0 {
		return
	}
	now := time.Now()
	if s.nextRead.IsZero() {
		s.nextRead = now
	}
	s.nextRead = s.nextRead.Add(time.Duration(samples) * time.Second / time.Duration(s.sampleRate))
	if wait := s.nextRead.Sub(now); wait > 0 {
		time.Sleep(wait)
	}
}

func (s *wavStream) Close() error {
	return s.file.Close()
}
