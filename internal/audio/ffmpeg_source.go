package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/mattn/go-shellwords"
)

// FFMPEGSource captures microphone PCM by running ffmpeg against a system
// input device and reading s16le from its stdout.
type FFMPEGSource struct {
	command     string
	inputFormat string
	inputDevice string

	// startupWindow is how long Open waits for ffmpeg to fail early.
	startupWindow time.Duration
	stopGrace     time.Duration

	mu     sync.Mutex
	binary string
}

func NewFFMPEGSource(cfg config.SourceConfig) *FFMPEGSource {
	s := &FFMPEGSource{
		command:       cfg.Command,
		inputFormat:   cfg.InputFormat,
		inputDevice:   cfg.InputDevice,
		startupWindow: 250 * time.Millisecond,
		stopGrace:     1200 * time.Millisecond,
	}
	if s.command == "" {
		s.command = "ffmpeg"
	}
	if s.inputFormat == "" {
		s.inputFormat = "pulse"
	}
	if s.inputDevice == "" {
		s.inputDevice = "default"
	}
	return s
}

func (s *FFMPEGSource) argv() ([]string, error) {
	args, err := shellwords.NewParser().Parse(s.command)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("ffmpeg command is empty")
	}
	return args, nil
}

func (s *FFMPEGSource) Available() error {
	args, err := s.argv()
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return fmt.Errorf("%s: %w", err, ErrUnavailable)
	}
	return nil
}

// Register resolves the ffmpeg binary once and caches it until Unregister.
func (s *FFMPEGSource) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binary != "" {
		return nil
	}
	args, err := s.argv()
	if err != nil {
		return err
	}
	path, err := exec.LookPath(args[0])
	if err != nil {
		return fmt.Errorf("resolve ffmpeg: %w", err)
	}
	s.binary = path
	return nil
}

func (s *FFMPEGSource) Unregister() error {
	s.mu.Lock()
	s.binary = ""
	s.mu.Unlock()
	return nil
}

func (s *FFMPEGSource) Open(ctx context.Context, format Format) (Stream, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}

	argv, err := s.argv()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.binary != "" {
		argv[0] = s.binary
	}
	s.mu.Unlock()

	args := append(argv[1:],
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.inputFormat,
		"-i", s.inputDevice,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le",
		"-",
	)

	// Not CommandContext: the stream outlives the start request's context.
	cmd := exec.Command(argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	stream := &ffmpegStream{
		stdout:    stdout,
		stderr:    &stderr,
		process:   cmd.Process,
		waitErr:   waitErr,
		stopGrace: s.stopGrace,
	}

	select {
	case err := <-waitErr:
		stderrText := strings.TrimSpace(stderr.String())
		if looksDenied(stderrText) {
			return nil, fmt.Errorf("ffmpeg: %s: %w", stderrText, ErrPermissionDenied)
		}
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, stderrText)
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-ctx.Done():
		_ = stream.Close()
		return nil, ctx.Err()
	case <-time.After(s.startupWindow):
	}
	return stream, nil
}

func looksDenied(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "permission denied") || strings.Contains(lower, "access denied")
}

type ffmpegStream struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process   *os.Process
	waitErr   <-chan error
	stopGrace time.Duration

	buf []byte

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Read(frame []float32) (int, error) {
	if cap(s.buf) < len(frame)*2 {
		s.buf = make([]byte, len(frame)*2)
	}
	buf := s.buf[:len(frame)*2]
	n, err := io.ReadFull(s.stdout, buf)
	samples := DecodeS16LE(frame, buf[:n])
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return samples, err
}

func (s *ffmpegStream) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(s.stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}
		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
