// Package orchestrator coordinates the single recording session: it applies
// toggles to the session machine, drives the worker over the bus and relays
// worker events to the focused host.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/hosts"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrWorkerUnreachable = errors.New("capture worker unreachable")
	ErrStopUnconfirmed   = errors.New("capture worker did not confirm stop")
)

// WorkerLauncher makes sure the capture worker context exists before a
// command is sent to it.
type WorkerLauncher interface {
	Ensure(ctx context.Context, reason, justification string) error
}

type LauncherFunc func(ctx context.Context, reason, justification string) error

func (f LauncherFunc) Ensure(ctx context.Context, reason, justification string) error {
	return f(ctx, reason, justification)
}

// HostDirectory resolves the host that should receive relayed events.
type HostDirectory interface {
	Active() (hosts.HostInfo, bool)
}

type Service struct {
	cfg        config.OrchestratorConfig
	bus        *bus.Client
	machine    *session.Machine
	launcher   WorkerLauncher
	directory  HostDirectory
	indicator  Indicator
	store      *eventstore.Store
	logger     *slog.Logger
	subEvents  *nats.Subscription
	subControl *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// commands feeds the single sender goroutine, so worker commands go
	// out in the order toggles were applied.
	commands chan workerCommand

	mu        sync.Mutex
	sessionID string
	snapshot  protocol.StatusSnapshot

	toggles      metric.Int64Counter
	relayDropped metric.Int64Counter
}

type Options struct {
	Config    config.OrchestratorConfig
	Bus       *bus.Client
	Launcher  WorkerLauncher
	Directory HostDirectory
	Indicator Indicator
	Store     *eventstore.Store
}

func NewService(parent context.Context, opts Options, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       opts.Config,
		bus:       opts.Bus,
		machine:   session.New(),
		launcher:  opts.Launcher,
		directory: opts.Directory,
		indicator: opts.Indicator,
		store:     opts.Store,
		logger:    logger.With(slog.String("component", "orchestrator")),
		ctx:       ctx,
		cancel:    cancel,
		commands:  make(chan workerCommand, 16),
	}
	if s.indicator == nil {
		s.indicator = IndicatorFunc(func(protocol.StatusSnapshot) {})
	}
	_, color := Badge(protocol.StatusStopped)
	s.snapshot = protocol.StatusSnapshot{
		State:      session.Idle.String(),
		BadgeColor: color,
		Timestamp:  time.Now().UTC(),
	}
	s.initMetrics()
	s.wg.Add(1)
	go s.sendCommands()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/orchestrator")
	var err error
	if s.toggles, err = meter.Int64Counter("dictate.toggles", metric.WithDescription("Toggle requests received")); err != nil {
		s.logger.Warn("failed to create toggle counter", slogError(err))
	}
	if s.relayDropped, err = meter.Int64Counter("dictate.relay.dropped", metric.WithDescription("Worker events dropped for lack of a focused host")); err != nil {
		s.logger.Warn("failed to create relay counter", slogError(err))
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectWorkerEvents, s.handleWorkerEvent)
	if err != nil {
		return err
	}
	s.subEvents = sub

	subControl, err := s.bus.Conn().Subscribe(protocol.SubjectControl, s.handleControl)
	if err != nil {
		_ = s.subEvents.Drain()
		return err
	}
	s.subControl = subControl
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subControl != nil {
		_ = s.subControl.Drain()
	}
	if s.subEvents != nil {
		_ = s.subEvents.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subEvents != nil && s.subEvents.IsValid() && s.subControl != nil && s.subControl.IsValid()
}

// Status is the cached session state; it never asks the worker.
func (s *Service) Status() session.State {
	return s.machine.State()
}

// Snapshot is the last status published to controllers.
func (s *Service) Snapshot() protocol.StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Toggle applies the toggle transition now and sends the worker command in
// the background. It returns the optimistic intent.
func (s *Service) Toggle(ctx context.Context) (bool, error) {
	recording, _, err := s.toggle(ctx)
	return recording, err
}

// ToggleAndWait toggles and waits for the worker's reply.
func (s *Service) ToggleAndWait(ctx context.Context) protocol.ControlResponse {
	_, done, err := s.toggle(ctx)
	if err != nil {
		return protocol.ControlResponse{Error: err.Error()}
	}
	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		return protocol.ControlResponse{Error: ctx.Err().Error()}
	}
}

func (s *Service) toggle(ctx context.Context) (bool, <-chan protocol.ControlResponse, error) {
	if s.toggles != nil {
		s.toggles.Add(ctx, 1)
	}
	from, to, err := s.machine.Fire(session.Toggle)
	if err != nil {
		s.logger.Info("toggle rejected", slog.String("state", from.String()), slogError(err))
		return false, nil, err
	}
	s.logger.Info("toggle", slog.String("from", from.String()), slog.String("to", to.String()))

	action := protocol.ActionStop
	if to == session.Starting {
		action = protocol.ActionStart
		s.beginSession()
	}
	s.recordTransition(session.Toggle, from, to, "", "")
	s.publishSnapshot("", "")

	done := make(chan protocol.ControlResponse, 1)
	select {
	case s.commands <- workerCommand{action: action, done: done}:
	case <-s.ctx.Done():
		done <- protocol.ControlResponse{Error: s.ctx.Err().Error()}
	}
	return action == protocol.ActionStart, done, nil
}

type workerCommand struct {
	action string
	done   chan<- protocol.ControlResponse
}

// sendCommands puts worker commands on the wire one at a time. It does not
// wait for a reply before sending the next command, so a stop reaches the
// worker while the start before it is still setting up.
func (s *Service) sendCommands() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.commands:
			s.dispatch(cmd)
		}
	}
}

func (s *Service) dispatch(cmd workerCommand) {
	ctx, cancel := context.WithTimeout(s.ctx, s.controlTimeout())

	if cmd.action == protocol.ActionStart && s.launcher != nil {
		if err := s.launcher.Ensure(ctx, s.cfg.WorkerReason, s.cfg.Justification); err != nil {
			cancel()
			s.logger.Error("failed to launch capture worker", slogError(err))
			s.commandFailed(cmd.action, err)
			cmd.done <- protocol.ControlResponse{Error: err.Error()}
			return
		}
	}

	pending, err := s.bus.SendJSON(protocol.SubjectWorkerControl, protocol.ControlRequest{Action: cmd.action})
	if err != nil {
		cancel()
		cmd.done <- s.workerFailed(cmd.action, err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		var resp protocol.ControlResponse
		if err := pending.Wait(ctx, &resp); err != nil {
			cmd.done <- s.workerFailed(cmd.action, err)
			return
		}
		if resp.Error != "" {
			s.logger.Warn("worker rejected command", slog.String("action", cmd.action), slog.String("error", resp.Error))
		}
		cmd.done <- resp
	}()
}

func (s *Service) workerFailed(action string, err error) protocol.ControlResponse {
	s.logger.Error("worker command failed", slog.String("action", action), slogError(err))
	return protocol.ControlResponse{Error: s.commandFailed(action, err).Error()}
}

// commandFailed settles the session after a command that got no answer. A
// start that never reached a worker, or a stop with no worker listening,
// leaves nothing recording. A stop the worker received but did not confirm
// in time keeps the session Recording; its stopped status settles it later.
func (s *Service) commandFailed(action string, cause error) error {
	trigger, reported := session.Unreachable, ErrWorkerUnreachable
	if action == protocol.ActionStop && !errors.Is(cause, nats.ErrNoResponders) {
		trigger, reported = session.StopUnconfirmed, ErrStopUnconfirmed
	}
	from, to, err := s.machine.Fire(trigger)
	if err != nil {
		return reported
	}
	s.recordTransition(trigger, from, to, "", cause.Error())
	if to != from {
		s.publishSnapshot("", reported.Error())
	}
	s.settle(to)
	return reported
}

func (s *Service) controlTimeout() time.Duration {
	if d := s.cfg.ControlTimeout(); d > 0 {
		return d
	}
	return 15 * time.Second
}

func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode control request", slogError(err))
		s.reply(msg, protocol.ControlResponse{Error: "malformed request"})
		return
	}

	switch req.Action {
	case protocol.ActionToggle:
		s.toggleAndReply(msg)
	case protocol.ActionStart:
		if s.Status() != session.Idle {
			s.reply(msg, s.statusResponse())
			return
		}
		s.toggleAndReply(msg)
	case protocol.ActionStop:
		if st := s.Status(); st != session.Starting && st != session.Recording {
			s.reply(msg, s.statusResponse())
			return
		}
		s.toggleAndReply(msg)
	case protocol.ActionGetStatus:
		s.reply(msg, s.statusResponse())
	default:
		s.reply(msg, protocol.ControlResponse{Error: "unknown action: " + req.Action})
	}
}

// toggleAndReply applies the transition on receipt and replies once the
// worker has answered, without blocking the control subscription.
func (s *Service) toggleAndReply(msg *nats.Msg) {
	_, done, err := s.toggle(s.ctx)
	if err != nil {
		s.reply(msg, protocol.ControlResponse{Error: err.Error()})
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case resp := <-done:
			s.reply(msg, resp)
		case <-s.ctx.Done():
		}
	}()
}

func (s *Service) statusResponse() protocol.ControlResponse {
	st := s.Status()
	return protocol.ControlResponse{
		OK:        true,
		Recording: protocol.BoolPtr(st == session.Recording),
		State:     st.String(),
	}
}

func (s *Service) reply(msg *nats.Msg, resp protocol.ControlResponse) {
	if err := bus.Respond(msg, resp); err != nil {
		s.logger.Warn("failed to reply to control request", slogError(err))
	}
}

// handleWorkerEvent runs on a single subscription, so events are applied and
// relayed in emission order.
func (s *Service) handleWorkerEvent(msg *nats.Msg) {
	var ev protocol.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("failed to decode worker event", slogError(err))
		return
	}
	if ev.Type == protocol.TypeStatus {
		s.applyStatus(ev)
	}
	s.relay(ev)
}

func (s *Service) applyStatus(ev protocol.Event) {
	trigger, ok := statusTrigger(ev.State)
	if ok {
		from, to, err := s.machine.Fire(trigger)
		if err != nil {
			s.logger.Warn("status ignored", slog.String("state", ev.State), slogError(err))
		} else {
			if from != to {
				s.logger.Info("session state changed", slog.String("from", from.String()), slog.String("to", to.String()), slog.String("status", ev.State))
			}
			s.recordTransition(trigger, from, to, ev.State, ev.Message)
			s.settle(to)
		}
	}
	s.publishSnapshot(ev.State, ev.Message)
}

func statusTrigger(state string) (session.Trigger, bool) {
	switch state {
	case protocol.StatusRecording:
		return session.ReportRecording, true
	case protocol.StatusStopped:
		return session.ReportStopped, true
	case protocol.StatusError:
		return session.ReportError, true
	default:
		return 0, false
	}
}

// relay forwards ev to the focused host only. Without one, the event is
// dropped; nothing is queued or retried.
func (s *Service) relay(ev protocol.Event) {
	host, ok := s.directory.Active()
	if !ok {
		s.logger.Debug("no focused host, dropping event", slog.String("type", ev.Type))
		if s.relayDropped != nil {
			s.relayDropped.Add(s.ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
		}
		return
	}
	if err := s.bus.PublishJSON(protocol.HostEventsSubject(host.ID), ev); err != nil {
		s.logger.Warn("failed to relay event", slog.String("host_id", host.ID), slogError(err))
	}
}

func (s *Service) publishSnapshot(status, message string) {
	st := s.Status()
	text, color := Badge(status)
	if status == "" {
		text, color = Badge(stateStatus(st))
	}
	snapshot := protocol.StatusSnapshot{
		State:      st.String(),
		Recording:  st == session.Recording,
		BadgeText:  text,
		BadgeColor: color,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
	s.indicator.Update(snapshot)
}

func stateStatus(st session.State) string {
	if st == session.Recording {
		return protocol.StatusRecording
	}
	return ""
}

func (s *Service) beginSession() {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	if s.store == nil || !s.store.Enabled() {
		return
	}
	hostID := ""
	if host, ok := s.directory.Active(); ok {
		hostID = host.ID
	}
	if err := s.store.BeginSession(s.ctx, id, hostID); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
	}
}

// settle forgets the session once the machine is back in Idle.
func (s *Service) settle(to session.State) {
	if to != session.Idle {
		return
	}
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
}

func (s *Service) recordTransition(trigger session.Trigger, from, to session.State, status, message string) {
	if s.store == nil || !s.store.Enabled() {
		return
	}
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	if id == "" {
		return
	}
	err := s.store.AppendTransition(s.ctx, eventstore.Transition{
		SessionID: id,
		Trigger:   trigger.String(),
		From:      from.String(),
		To:        to.String(),
		Status:    status,
		Message:   message,
	})
	if err != nil {
		s.logger.Warn("failed to record transition", slogError(err))
	}
}

// SessionID is the id of the current session, empty when idle.
func (s *Service) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
