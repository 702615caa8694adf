package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with JSON helpers. Every isolated context
// (orchestrator, worker, host agent) owns its own Client.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	return dial(ctx, url, log, options...)
}

// Dial connects to a single URL with default options.
func Dial(ctx context.Context, url, name string, log *slog.Logger) (*Client, error) {
	return dial(ctx, url, log, nats.Name(name))
}

func dial(ctx context.Context, url string, log *slog.Logger, options ...nats.Option) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	options = append(options, nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
		subject := ""
		if sub != nil {
			subject = sub.Subject
		}
		// Slow consumer drops surface here and nowhere else.
		log.Warn("nats async error", slog.String("subject", subject), slog.String("error", err.Error()))
	}))
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url), slog.String("name", conn.Opts.Name))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection", slog.String("name", c.conn.Opts.Name))
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// RequestJSON sends req on subject and decodes the reply into resp.
func (c *Client) RequestJSON(ctx context.Context, subject string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", subject, err)
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

// PendingReply is a request already on the wire whose reply has not been
// read yet.
type PendingReply struct {
	subject string
	sub     *nats.Subscription
}

// SendJSON publishes req on subject with a private reply inbox and returns
// without waiting. Requests sent from one client reach a subscriber in the
// order SendJSON was called.
func (c *Client) SendJSON(subject string, req any) (*PendingReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", subject, err)
	}
	inbox := c.conn.NewInbox()
	sub, err := c.conn.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	if err := sub.AutoUnsubscribe(1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	if err := c.conn.PublishRequest(subject, inbox, data); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return &PendingReply{subject: subject, sub: sub}, nil
}

// Wait blocks for the reply and decodes it into resp.
func (p *PendingReply) Wait(ctx context.Context, resp any) error {
	defer p.sub.Unsubscribe()
	msg, err := p.sub.NextMsgWithContext(ctx)
	if err != nil {
		return fmt.Errorf("request %s: %w", p.subject, err)
	}
	if len(msg.Data) == 0 && msg.Header.Get("Status") == "503" {
		return fmt.Errorf("request %s: %w", p.subject, nats.ErrNoResponders)
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", p.subject, err)
	}
	return nil
}

// Respond encodes v as the reply to msg.
func Respond(msg *nats.Msg, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return msg.Respond(data)
}
