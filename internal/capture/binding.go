package capture

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusEmitter publishes worker events on the single worker events subject, so
// the orchestrator sees them in emission order.
func BusEmitter(client *bus.Client, logger *slog.Logger) Emitter {
	return EmitterFunc(func(ev protocol.Event) {
		if err := client.PublishJSON(protocol.SubjectWorkerEvents, ev); err != nil {
			logger.Warn("failed to publish worker event", slog.String("type", ev.Type), slogError(err))
		}
	})
}

// Binding serves worker control requests from the bus.
type Binding struct {
	svc    *Service
	bus    *bus.Client
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewBinding(parent context.Context, svc *Service, busClient *bus.Client, logger *slog.Logger) *Binding {
	ctx, cancel := context.WithCancel(parent)
	return &Binding{
		svc:    svc,
		bus:    busClient,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "capture-binding")),
	}
}

func (b *Binding) Start() error {
	sub, err := b.bus.Conn().Subscribe(protocol.SubjectWorkerControl, b.handleControl)
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

// Close stops serving, ends any session and waits for in-flight starts.
func (b *Binding) Close() {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	b.cancel()
	b.svc.Stop(CauseShutdown)
	b.wg.Wait()
}

func (b *Binding) Healthy() bool { return b.sub != nil && b.sub.IsValid() }

func (b *Binding) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.logger.Warn("failed to decode worker control request", slogError(err))
		b.reply(msg, protocol.ControlResponse{Error: "malformed request"})
		return
	}

	switch req.Action {
	case protocol.ActionStart:
		// The slot is claimed here, in subject order, so a stop that follows
		// aborts this start. Setup itself blocks on model load and the device.
		attempt := b.svc.begin(b.ctx)
		if attempt == nil {
			b.reply(msg, startResponse(nil))
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.reply(msg, startResponse(attempt.run()))
		}()
	case protocol.ActionStop:
		b.svc.Stop(CauseRequested)
		b.reply(msg, protocol.ControlResponse{OK: true, Recording: protocol.BoolPtr(false)})
	case protocol.ActionGetStatus:
		b.reply(msg, protocol.ControlResponse{OK: true, Recording: protocol.BoolPtr(b.svc.Recording())})
	default:
		b.reply(msg, protocol.ControlResponse{Error: "unknown action " + req.Action})
	}
}

func startResponse(err error) protocol.ControlResponse {
	switch {
	case err == nil:
		return protocol.ControlResponse{OK: true, Recording: protocol.BoolPtr(true)}
	case errors.Is(err, ErrStartAborted):
		return protocol.ControlResponse{OK: true, Recording: protocol.BoolPtr(false)}
	default:
		return protocol.ControlResponse{Error: err.Error()}
	}
}

func (b *Binding) reply(msg *nats.Msg, resp protocol.ControlResponse) {
	if msg.Reply == "" {
		return
	}
	if err := bus.Respond(msg, resp); err != nil {
		b.logger.Warn("failed to reply to worker control request", slogError(err))
	}
}
