// Package events publishes call lifecycle events to NATS so CRM and
// analytics consumers can follow calls without polling the service.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/teslashibe/go-salescall/internal/config"
	"github.com/teslashibe/go-salescall/pkg/agent"
	"github.com/teslashibe/go-salescall/pkg/dialogue"
	"github.com/teslashibe/go-salescall/pkg/session"
)

// Event types, also the subject suffixes.
const (
	TypeCallStarted   = "call.started"
	TypeCallTurn      = "call.turn"
	TypeCallEnded     = "call.ended"
	TypeAdapterFailed = "adapter.failed"
)

// Event is the JSON payload of every published message.
type Event struct {
	Type         string    `json:"type"`
	CallID       string    `json:"call_id,omitempty"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	CustomerName string    `json:"customer_name,omitempty"`
	Role         string    `json:"role,omitempty"`
	Content      string    `json:"content,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	Failure      string    `json:"failure,omitempty"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher sends call events. Publishing is fire-and-forget: failures are
// logged and never slow down a call.
type Publisher struct {
	agent.NopObserver

	conn   *nats.Conn
	prefix string
	log    *slog.Logger
	clock  func() time.Time
}

// Connect dials the configured NATS servers.
func Connect(ctx context.Context, cfg config.EventsConfig, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}

	options := []nats.Option{
		nats.Name("salescall"),
		nats.Timeout(cfg.ConnectTimeoutDuration()),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", "servers", url)

	return NewPublisher(conn, cfg.SubjectPrefix, log), nil
}

// NewPublisher wraps an open connection. Subjects are prefix.<type>.
func NewPublisher(conn *nats.Conn, prefix string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		log:    log.With("component", "events"),
		clock:  time.Now,
	}
}

// Subject returns the subject events of type are published on.
func (p *Publisher) Subject(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

// Publish sends evt, stamping its time when unset.
func (p *Publisher) Publish(evt Event) error {
	if evt.At.IsZero() {
		evt.At = p.clock().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(evt.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close flushes pending events and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	p.log.Info("closing NATS connection")
	err := p.conn.Drain()
	p.conn.Close()
	return err
}

func (p *Publisher) send(evt Event) {
	if err := p.Publish(evt); err != nil {
		p.log.Warn("failed to publish event", "type", evt.Type, "call_id", evt.CallID, "error", err)
	}
}

// CallStarted implements agent.Observer.
func (p *Publisher) CallStarted(ctx context.Context, call session.Call) {
	p.send(Event{
		Type:         TypeCallStarted,
		CallID:       call.ID,
		PhoneNumber:  call.PhoneNumber,
		CustomerName: call.CustomerName,
	})
}

// TurnAppended implements agent.Observer.
func (p *Publisher) TurnAppended(ctx context.Context, callID string, turn session.Turn, stage dialogue.Stage) {
	p.send(Event{
		Type:    TypeCallTurn,
		CallID:  callID,
		Role:    string(turn.Role),
		Content: turn.Content,
		Stage:   string(stage),
	})
}

// CallEnded implements agent.Observer.
func (p *Publisher) CallEnded(ctx context.Context, callID string) {
	p.send(Event{Type: TypeCallEnded, CallID: callID})
}

// AdapterFailed implements agent.Observer.
func (p *Publisher) AdapterFailed(ctx context.Context, kind string, err error) {
	p.send(Event{Type: TypeAdapterFailed, Failure: kind, Error: err.Error()})
}

var _ agent.Observer = (*Publisher)(nil)
