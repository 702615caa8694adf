// Package capture is the capture-recognition worker. It owns the microphone
// session, the frame pump, the recognizer lifecycle, the inactivity
// deadline and the confirmation cues, and reports everything it does as
// protocol events.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Stop causes.
const (
	CauseRequested  = "requested"
	CauseInactivity = "inactivity"
	CauseRecognizer = "recognizer_failure"
	CauseAudio      = "audio_failure"
	CauseShutdown   = "shutdown"
)

// Emitter receives every event the worker produces, in order. Emit is called
// with the worker's lock held and must not block or call back into Service.
type Emitter interface {
	Emit(ev protocol.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev protocol.Event)

func (f EmitterFunc) Emit(ev protocol.Event) { f(ev) }

// Cues plays confirmation sounds without blocking.
type Cues interface {
	PlayStart()
	PlayStop()
}

type Options struct {
	Capture      config.CaptureConfig
	ModelPath    string
	StartTimeout time.Duration
	Engine       stt.Engine
	Source       audio.Source
	Cues         Cues
	Emitter      Emitter
}

type Service struct {
	cfg          config.CaptureConfig
	modelPath    string
	startTimeout time.Duration
	engine       stt.Engine
	source       audio.Source
	cues         Cues
	emitter      Emitter
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *metrics

	modelMu sync.Mutex
	model   stt.Model

	regMu sync.Mutex

	mu           sync.Mutex
	gen          uint64
	starting     bool
	startCancel  context.CancelFunc
	active       *activeSession
	registered   bool
	deadline     inactivityDeadline
	teardownDone chan struct{}
}

func NewService(opts Options, logger *slog.Logger) *Service {
	logger = logger.With(slog.String("component", "capture"))
	done := make(chan struct{})
	close(done)
	return &Service{
		cfg:          opts.Capture,
		modelPath:    opts.ModelPath,
		startTimeout: opts.StartTimeout,
		engine:       opts.Engine,
		source:       opts.Source,
		cues:         opts.Cues,
		emitter:      opts.Emitter,
		logger:       logger,
		tracer:       otel.Tracer("github.com/loqalabs/loqa-dictate/capture"),
		metrics:      newMetrics(otel.Meter("github.com/loqalabs/loqa-dictate/capture"), logger),
		teardownDone: done,
	}
}

// Recording reports whether a session is active.
func (s *Service) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Start opens a recording session. It is a no-op while recording or while
// another start is in flight. A failed start rolls back everything it built
// and emits an error status; a start overtaken by Stop returns
// ErrStartAborted and emits nothing further.
func (s *Service) Start(ctx context.Context) error {
	attempt := s.begin(ctx)
	if attempt == nil {
		return nil
	}
	return attempt.run()
}

// startAttempt is a start that has claimed the session slot but not yet
// built anything. A Stop issued after begin returns aborts it.
type startAttempt struct {
	svc             *Service
	ctx             context.Context
	cancel          context.CancelFunc
	gen             uint64
	pendingTeardown <-chan struct{}
}

// begin claims the session slot synchronously. It returns nil when a session
// is active or another start already holds the slot.
func (s *Service) begin(parent context.Context) *startAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || s.starting {
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	if s.startTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, s.startTimeout)
		cancelParent := cancel
		cancel = func() {
			cancelTimeout()
			cancelParent()
		}
	}
	s.starting = true
	s.startCancel = cancel
	return &startAttempt{
		svc:             s,
		ctx:             ctx,
		cancel:          cancel,
		gen:             s.gen,
		pendingTeardown: s.teardownDone,
	}
}

func (a *startAttempt) run() error {
	defer a.cancel()
	return a.svc.complete(a.ctx, a.gen, a.pendingTeardown)
}

func (s *Service) complete(ctx context.Context, gen uint64, pendingTeardown <-chan struct{}) error {
	ctx, span := s.tracer.Start(ctx, "capture.start")
	defer span.End()

	select {
	case <-pendingTeardown:
	case <-ctx.Done():
	}

	sess, err := s.build(ctx, gen)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if sess != nil {
			s.logTeardown(CauseRequested, runSteps(sess.teardownSteps()))
		}
		span.SetAttributes(attribute.Bool("aborted", true))
		return ErrStartAborted
	}
	s.starting = false
	s.startCancel = nil
	if err != nil {
		s.emitLocked(protocol.StatusErr(err.Error()))
		s.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("capture start failed", slogError(err))
		return err
	}
	s.active = sess
	s.launch(sess)
	if s.cues != nil {
		s.cues.PlayStart()
	}
	s.emitLocked(protocol.Status(protocol.StatusRecording))
	s.armDeadlineLocked(gen)
	s.mu.Unlock()

	s.logger.Info("capture started", slog.Int("sample_rate", s.cfg.SampleRate))
	return nil
}

func (s *Service) build(ctx context.Context, gen uint64) (*activeSession, error) {
	if err := s.source.Available(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapabilityUnavailable, err)
	}

	model, err := s.loadModel(ctx, gen)
	if err != nil {
		return nil, err
	}
	if !s.current(gen) {
		return nil, ErrStartAborted
	}

	recognizer, err := model.NewRecognizer(s.cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognizer, err)
	}
	rollback := []step{{"recognizer", recognizer.Close}}
	fail := func(err error) (*activeSession, error) {
		s.logTeardown("rollback", runSteps(rollback))
		return nil, err
	}

	if !s.emitIfCurrent(gen, protocol.Status(protocol.StatusRequestingMic)) {
		return fail(ErrStartAborted)
	}
	stream, err := s.source.Open(ctx, audio.Format{
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		FrameSize:  s.cfg.FrameSize,
	})
	if err != nil {
		switch {
		case !s.current(gen):
			return fail(ErrStartAborted)
		case errors.Is(err, audio.ErrPermissionDenied):
			return fail(fmt.Errorf("%w: %w", ErrPermissionDenied, err))
		default:
			return fail(fmt.Errorf("%w: %w", ErrCapabilityUnavailable, err))
		}
	}
	rollback = append([]step{{"microphone tracks", stream.Close}}, rollback...)

	if !s.emitIfCurrent(gen, protocol.Status(protocol.StatusStartingAudio)) {
		return fail(ErrStartAborted)
	}
	sess := &activeSession{
		gen:        gen,
		recognizer: recognizer,
		stream:     stream,
		pump:       newPump(stream, s.cfg.FrameSize),
		speech:     newConsumer("recognizer", s.cfg.QueueDepth),
		level:      newConsumer("level", s.cfg.QueueDepth),
		quit:       make(chan struct{}),
	}

	if err := s.ensureRegistered(ctx, gen); err != nil {
		return fail(err)
	}

	sess.pump.connect(sess.speech)
	sess.pump.connect(sess.level)
	sess.pump.onDrop = s.metrics.frameDropped
	return sess, nil
}

func (s *Service) loadModel(ctx context.Context, gen uint64) (stt.Model, error) {
	s.modelMu.Lock()
	defer s.modelMu.Unlock()
	if s.model != nil {
		return s.model, nil
	}
	if !s.emitIfCurrent(gen, protocol.Status(protocol.StatusDownloadingModel)) {
		return nil, ErrStartAborted
	}
	model, err := s.engine.LoadModel(ctx, s.modelPath)
	if err != nil {
		if !s.current(gen) {
			return nil, ErrStartAborted
		}
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	s.model = model
	s.logger.Info("recognition model loaded", slog.String("path", s.modelPath))
	return model, nil
}

func (s *Service) ensureRegistered(ctx context.Context, gen uint64) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	s.mu.Lock()
	registered := s.registered
	s.mu.Unlock()
	if registered {
		return nil
	}
	if err := s.source.Register(ctx); err != nil {
		if !s.current(gen) {
			return ErrStartAborted
		}
		return fmt.Errorf("%w: %w", ErrPipelineSetup, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// Registration is serialized by regMu, so nothing else can own it yet.
		if !s.registered {
			if err := s.source.Unregister(); err != nil {
				s.logger.Debug("unregister after aborted start failed", slogError(err))
			}
		}
		return ErrStartAborted
	}
	s.registered = true
	return nil
}

// launch starts the session goroutines. Callers hold s.mu.
func (s *Service) launch(sess *activeSession) {
	gen := sess.gen
	go func() {
		if err := sess.pump.run(); err != nil {
			s.fail(gen, fmt.Errorf("audio capture failed: %w", err), CauseAudio)
			return
		}
		s.logger.Debug("audio input ended")
	}()
	go func() {
		if err := sess.speech.run(sess.recognizer.AcceptWaveform); err != nil {
			s.fail(gen, fmt.Errorf("%w: %w", ErrRecognizer, err), CauseRecognizer)
		}
	}()
	go func() {
		_ = sess.level.run(func(frame []float32) error {
			s.metrics.recordLevel(rms(frame))
			return nil
		})
	}()
	go func() {
		messages := sess.recognizer.Messages()
		for {
			select {
			case <-sess.quit:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				s.handleMessage(gen, msg)
			}
		}
	}()
}

func (s *Service) handleMessage(gen uint64, msg stt.Message) {
	result, err := stt.Decode(msg)
	if err != nil {
		s.logger.Debug("dropping undecodable recognizer message", slogError(err))
		return
	}
	if result.Text == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.gen != gen {
		return
	}
	ev := protocol.Partial(result.Text)
	if result.Final {
		ev = protocol.Result(result.Text)
	}
	s.emitLocked(ev)
	s.metrics.transcript(ev.Type)
	s.armDeadlineLocked(gen)
}

// fail reports a mid-session failure and stops the session it came from.
// Failures from a session that is already gone are swallowed.
func (s *Service) fail(gen uint64, err error, cause string) {
	s.mu.Lock()
	if s.active == nil || s.active.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("ignoring failure from finished session", slogError(err))
		return
	}
	s.emitLocked(protocol.StatusErr(err.Error()))
	s.mu.Unlock()

	s.logger.Warn("capture session failed", slog.String("cause", cause), slogError(err))
	s.stop(cause, gen, true)
}

func (s *Service) armDeadlineLocked(gen uint64) {
	window := s.cfg.InactivityTimeout()
	if window <= 0 {
		return
	}
	s.deadline.arm(window, func(token uint64) {
		s.mu.Lock()
		fire := s.deadline.current(token) && s.active != nil && s.active.gen == gen
		s.mu.Unlock()
		if !fire {
			return
		}
		s.logger.Info("no speech within inactivity window", slog.Duration("window", window))
		s.stop(CauseInactivity, gen, true)
	})
}

// Stop ends the session, or aborts a start in flight. It is idempotent and
// always emits exactly one stopped status.
func (s *Service) Stop(cause string) {
	s.stop(cause, 0, false)
}

func (s *Service) stop(cause string, gen uint64, onlyGen bool) {
	s.mu.Lock()
	if onlyGen && (s.active == nil || s.active.gen != gen) {
		s.mu.Unlock()
		return
	}
	s.gen++
	sess := s.active
	s.active = nil
	s.starting = false
	if s.startCancel != nil {
		s.startCancel()
		s.startCancel = nil
	}
	s.deadline.cancel()
	registered := s.registered
	s.registered = false
	done := make(chan struct{})
	previous := s.teardownDone
	s.teardownDone = done
	s.mu.Unlock()
	defer close(done)
	<-previous

	var steps []step
	if sess != nil {
		steps = sess.teardownSteps()
	}
	if registered {
		steps = append(steps, step{"pump registration", s.source.Unregister})
	}
	s.logTeardown(cause, runSteps(steps))
	if sess != nil && s.cues != nil {
		s.cues.PlayStop()
	}

	s.mu.Lock()
	s.emitLocked(protocol.Status(protocol.StatusStopped))
	s.mu.Unlock()
	if sess != nil {
		s.logger.Info("capture stopped", slog.String("cause", cause))
	}
}

func (s *Service) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Service) emitIfCurrent(gen uint64, ev protocol.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.emitLocked(ev)
	return true
}

func (s *Service) emitLocked(ev protocol.Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}

func (s *Service) logTeardown(cause string, err error) {
	if err != nil {
		s.logger.Warn("capture teardown incomplete", slog.String("cause", cause), slogError(err))
	}
}

// activeSession is everything one recording session owns.
type activeSession struct {
	gen        uint64
	recognizer stt.Recognizer
	stream     audio.Stream
	pump       *pump
	speech     *consumer
	level      *consumer
	quit       chan struct{}
	quitOnce   sync.Once
}

func (a *activeSession) teardownSteps() []step {
	return []step{
		{"pump message handling", func() error {
			a.quitOnce.Do(func() { close(a.quit) })
			return nil
		}},
		{"pump connection", func() error { a.speech.disconnect(); return nil }},
		{"sink connection", func() error { a.level.disconnect(); return nil }},
		{"pipeline", func() error { a.pump.stop(); return nil }},
		{"microphone tracks", a.stream.Close},
		{"recognizer", a.recognizer.Close},
	}
}

type step struct {
	name string
	fn   func() error
}

// runSteps runs every step even when earlier ones fail or panic.
func runSteps(steps []step) error {
	var errs []error
	for _, st := range steps {
		if err := runStep(st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runStep(st step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", st.name, r)
		}
	}()
	if err := st.fn(); err != nil {
		return fmt.Errorf("%s: %w", st.name, err)
	}
	return nil
}

type metrics struct {
	dropped     metric.Int64Counter
	transcripts metric.Int64Counter
	level       metric.Float64Histogram
}

func newMetrics(meter metric.Meter, logger *slog.Logger) *metrics {
	m := &metrics{}
	var err error
	if m.dropped, err = meter.Int64Counter("dictate.frames.dropped", metric.WithDescription("Audio frames dropped at a full consumer queue")); err != nil {
		logger.Warn("failed to register frames dropped counter", slogError(err))
	}
	if m.transcripts, err = meter.Int64Counter("dictate.transcripts", metric.WithDescription("Transcript events emitted")); err != nil {
		logger.Warn("failed to register transcripts counter", slogError(err))
	}
	if m.level, err = meter.Float64Histogram("dictate.input.level", metric.WithDescription("Input RMS level per frame")); err != nil {
		logger.Warn("failed to register input level histogram", slogError(err))
	}
	return m
}

func (m *metrics) frameDropped(consumer string) {
	if m.dropped != nil {
		m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("consumer", consumer)))
	}
}

func (m *metrics) transcript(kind string) {
	if m.transcripts != nil {
		m.transcripts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", kind)))
	}
}

func (m *metrics) recordLevel(level float64) {
	if m.level != nil {
		m.level.Record(context.Background(), level)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
