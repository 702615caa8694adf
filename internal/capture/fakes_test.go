package capture

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stamped struct {
	ev protocol.Event
	at time.Time
}

type recorder struct {
	ch chan stamped
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan stamped, 256)}
}

func (r *recorder) Emit(ev protocol.Event) {
	r.ch <- stamped{ev: ev, at: time.Now()}
}

func (r *recorder) next(t *testing.T) stamped {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker event")
		return stamped{}
	}
}

func (r *recorder) expectStates(t *testing.T, states ...string) {
	t.Helper()
	for _, want := range states {
		got := r.next(t).ev
		if got.Type != protocol.TypeStatus || got.State != want {
			t.Fatalf("expected status %q, got %+v", want, got)
		}
	}
}

func (r *recorder) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case s := <-r.ch:
		t.Fatalf("unexpected event %+v", s.ev)
	case <-time.After(d):
	}
}

type fakeStream struct {
	frames    chan []float32
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan []float32, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Read(frame []float32) (int, error) {
	select {
	case f := <-s.frames:
		return copy(frame, f), nil
	case <-s.closed:
		return 0, io.ErrClosedPipe
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeSource struct {
	mu           sync.Mutex
	availableErr error
	openErr      error
	registerErr  error
	blockOpen    bool
	opened       []*fakeStream
	registers    int
	unregisters  int
	live         bool

	// When set, the first Register closes registerEntered and blocks
	// until registerGate is closed.
	registerGate    chan struct{}
	registerEntered chan struct{}
}

func (s *fakeSource) Available() error { return s.availableErr }

func (s *fakeSource) Register(context.Context) error {
	s.mu.Lock()
	s.registers++
	gate := s.registerGate
	s.registerGate = nil
	s.mu.Unlock()
	if gate != nil {
		close(s.registerEntered)
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return s.registerErr
	}
	s.live = true
	return nil
}

func (s *fakeSource) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisters++
	s.live = false
	return nil
}

func (s *fakeSource) isLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *fakeSource) Open(ctx context.Context, _ audio.Format) (audio.Stream, error) {
	if s.blockOpen {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.openErr != nil {
		return nil, s.openErr
	}
	stream := newFakeStream()
	s.mu.Lock()
	s.opened = append(s.opened, stream)
	s.mu.Unlock()
	return stream, nil
}

func (s *fakeSource) lastStream() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opened) == 0 {
		return nil
	}
	return s.opened[len(s.opened)-1]
}

func (s *fakeSource) counts() (registers, unregisters int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers, s.unregisters
}

type fakeRecognizer struct {
	messages  chan stt.Message
	acceptErr error

	mu       sync.Mutex
	accepted int
	closed   bool
}

func (r *fakeRecognizer) AcceptWaveform([]float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
	return r.acceptErr
}

func (r *fakeRecognizer) Messages() <-chan stt.Message { return r.messages }

func (r *fakeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRecognizer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeRecognizer) partial(text string) {
	r.messages <- stt.Message{Kind: stt.KindPartial, Payload: []byte(`{"partial":"` + text + `"}`)}
}

func (r *fakeRecognizer) final(text string) {
	r.messages <- stt.Message{Kind: stt.KindResult, Payload: []byte(`{"text":"` + text + `"}`)}
}

type fakeEngine struct {
	mu        sync.Mutex
	loads     int
	loadErr   error
	acceptErr error
	last      *fakeRecognizer
}

func (e *fakeEngine) LoadModel(context.Context, string) (stt.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loads++
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	return e, nil
}

func (e *fakeEngine) NewRecognizer(int) (stt.Recognizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = &fakeRecognizer{messages: make(chan stt.Message, 16), acceptErr: e.acceptErr}
	return e.last, nil
}

func (e *fakeEngine) recognizer() *fakeRecognizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *fakeEngine) loadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

type fakeCues struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (c *fakeCues) PlayStart() {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
}

func (c *fakeCues) PlayStop() {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
}

func (c *fakeCues) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

type harness struct {
	svc    *Service
	engine *fakeEngine
	source *fakeSource
	cues   *fakeCues
	events *recorder
}

func newHarness(t *testing.T, inactivity time.Duration) *harness {
	t.Helper()
	h := &harness{
		engine: &fakeEngine{},
		source: &fakeSource{},
		cues:   &fakeCues{},
		events: newRecorder(),
	}
	h.svc = NewService(Options{
		Capture: config.CaptureConfig{
			SampleRate:          16000,
			Channels:            1,
			FrameSize:           4,
			QueueDepth:          8,
			InactivityTimeoutMS: int(inactivity / time.Millisecond),
		},
		ModelPath: "models/test",
		Engine:    h.engine,
		Source:    h.source,
		Cues:      h.cues,
		Emitter:   h.events,
	}, newLogger())
	t.Cleanup(func() { h.svc.Stop(CauseShutdown) })
	return h
}
