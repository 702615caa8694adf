package inject

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Events queued for a stalled UI loop before the bus starts dropping. A
// whole dictation session is far below this.
const (
	pendingMsgLimit   = 8192
	pendingBytesLimit = 16 << 20
)

// Agent receives the events relayed to one host and hands them, in order, to
// deliver. deliver typically forwards into the host's UI loop and may block
// while that loop is busy.
type Agent struct {
	bus     *bus.Client
	hostID  string
	deliver func(protocol.Event)
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

func NewAgent(parent context.Context, busClient *bus.Client, hostID string, deliver func(protocol.Event), logger *slog.Logger) *Agent {
	ctx, cancel := context.WithCancel(parent)
	return &Agent{
		bus:     busClient,
		hostID:  hostID,
		deliver: deliver,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("component", "inject-agent"), slog.String("host_id", hostID)),
	}
}

func (a *Agent) Start() error {
	sub, err := a.bus.Conn().Subscribe(protocol.HostEventsSubject(a.hostID), a.handle)
	if err != nil {
		return err
	}
	if err := sub.SetPendingLimits(pendingMsgLimit, pendingBytesLimit); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	a.sub = sub
	if err := a.bus.Conn().Flush(); err != nil {
		a.logger.Warn("flush after subscribe failed", slog.String("error", err.Error()))
	}
	a.logger.Info("listening for relayed events", slog.String("subject", sub.Subject))
	return nil
}

func (a *Agent) Close() {
	a.cancel()
	if a.sub == nil {
		return
	}
	if dropped, err := a.sub.Dropped(); err == nil && dropped > 0 {
		a.logger.Warn("relayed events dropped by a stalled host", slog.Int("dropped", dropped))
	}
	_ = a.sub.Unsubscribe()
}

// handle runs on the subscription's single dispatcher, so events reach
// deliver in relay order.
func (a *Agent) handle(msg *nats.Msg) {
	if a.ctx.Err() != nil {
		return
	}
	var ev protocol.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		a.logger.Warn("failed to decode relayed event", slog.String("error", err.Error()))
		return
	}
	a.deliver(ev)
}
