package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/mattn/go-shellwords"
)

// closeGrace bounds how long Close waits for the engine process to exit
// after its stdin is closed.
const closeGrace = 2 * time.Second

// execEngine drives an external streaming recognizer. The process reads
// s16le mono PCM on stdin and writes one JSON object per line on stdout:
// {"partial": "..."} while decoding and {"text": "..."} for finals.
type execEngine struct {
	cmd []string
}

func NewExecEngine(cfg config.EngineConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execEngine{cmd: args}, nil
}

func (e *execEngine) LoadModel(ctx context.Context, path string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New("model path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	return &execModel{engine: e, path: path}, nil
}

type execModel struct {
	engine *execEngine
	path   string
}

func (m *execModel) NewRecognizer(sampleRate int) (Recognizer, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	args := append([]string{}, m.engine.cmd[1:]...)
	args = append(args, "--model", m.path, "--sample-rate", strconv.Itoa(sampleRate))

	command := exec.Command(m.engine.cmd[0], args...)
	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	r := &execRecognizer{
		cmd:      command,
		stdin:    stdin,
		stderr:   &stderr,
		messages: make(chan Message, 16),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.readLoop(stdout)
	return r, nil
}

type execRecognizer struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	mu     sync.Mutex
	stdin  io.WriteCloser
	buf    []byte
	closed bool

	messages chan Message
	quit     chan struct{}
	done     chan struct{}
}

func (r *execRecognizer) AcceptWaveform(samples []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recognizer closed")
	}
	r.buf = encodePCM16(r.buf[:0], samples)
	if _, err := r.stdin.Write(r.buf); err != nil {
		return fmt.Errorf("write engine audio: %w", err)
	}
	return nil
}

func (r *execRecognizer) Messages() <-chan Message {
	return r.messages
}

func (r *execRecognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.quit)
	closeErr := r.stdin.Close()
	r.mu.Unlock()

	killed := false
	select {
	case <-r.done:
	case <-time.After(closeGrace):
		_ = r.cmd.Process.Kill()
		killed = true
		<-r.done
	}
	waitErr := r.cmd.Wait()
	if killed {
		waitErr = nil
	} else if waitErr != nil && r.stderr.Len() > 0 {
		waitErr = fmt.Errorf("engine exited: %w: %s", waitErr, r.stderr.String())
	}
	return errors.Join(closeErr, waitErr)
}

func (r *execRecognizer) readLoop(stdout io.Reader) {
	defer close(r.done)
	defer close(r.messages)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		msg, ok := decodeLine(scanner.Bytes())
		if !ok {
			continue
		}
		select {
		case r.messages <- msg:
		case <-r.quit:
		}
	}
}

// decodeLine classifies one engine output line. Lines that are not JSON
// objects carrying "partial" or "text" are ignored.
func decodeLine(line []byte) (Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Message{}, false
	}
	payload := json.RawMessage(append([]byte(nil), line...))
	if _, ok := fields["partial"]; ok {
		return Message{Kind: KindPartial, Payload: payload}, true
	}
	if _, ok := fields["text"]; ok {
		return Message{Kind: KindResult, Payload: payload}, true
	}
	return Message{}, false
}

func encodePCM16(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(v*math.MaxInt16)))
	}
	return dst
}
