package hub

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/go-salescall/pkg/agent"
	"github.com/teslashibe/go-salescall/pkg/dialogue"
	"github.com/teslashibe/go-salescall/pkg/protocol"
	"github.com/teslashibe/go-salescall/pkg/session"
)

// Monitor publishes call lifecycle events to the hub's clients.
type Monitor struct {
	agent.NopObserver
	hub *Hub
}

// NewMonitor returns an agent.Observer broadcasting through h.
func NewMonitor(h *Hub) *Monitor {
	return &Monitor{hub: h}
}

// RegisterRoutes registers the monitor feed on a Fiber router. The
// optional call_id query parameter narrows the feed to one call.
func (m *Monitor) RegisterRoutes(router fiber.Router) {
	router.Get("/ws/monitor", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, websocket.New(func(c *websocket.Conn) {
		if client := NewClient(m.hub, c, c.Query("call_id")); client != nil {
			client.Run()
		}
	}))
}

// CallStarted implements agent.Observer.
func (m *Monitor) CallStarted(ctx context.Context, call session.Call) {
	m.publish(call.ID)(protocol.NewCallMessage(protocol.TypeCallStarted, protocol.CallData{
		CallID:       call.ID,
		PhoneNumber:  call.PhoneNumber,
		CustomerName: call.CustomerName,
	}))
}

// TurnAppended implements agent.Observer.
func (m *Monitor) TurnAppended(ctx context.Context, callID string, turn session.Turn, stage dialogue.Stage) {
	m.publish(callID)(protocol.NewTurnMessage(protocol.TurnData{
		CallID:  callID,
		Role:    string(turn.Role),
		Content: turn.Content,
		Stage:   string(stage),
	}))
}

// CallEnded implements agent.Observer.
func (m *Monitor) CallEnded(ctx context.Context, callID string) {
	m.publish(callID)(protocol.NewCallMessage(protocol.TypeCallEnded, protocol.CallData{CallID: callID}))
}

// publish returns a func broadcasting a freshly built envelope about callID.
func (m *Monitor) publish(callID string) func(*protocol.Message, error) {
	return func(msg *protocol.Message, err error) {
		if err == nil {
			err = m.hub.BroadcastMessage(callID, msg)
		}
		if err != nil {
			m.hub.logger.Warn("failed to publish monitor event", "call_id", callID, "error", err)
		}
	}
}

var _ agent.Observer = (*Monitor)(nil)
