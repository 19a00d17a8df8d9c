// Package callhub serves the duplex call channel: caller audio and typed
// messages arrive over a WebSocket and the agent's reply streams back as
// JSON envelopes and WAV frames.
package callhub

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/go-salescall/pkg/agent"
	"github.com/teslashibe/go-salescall/pkg/audioio"
	"github.com/teslashibe/go-salescall/pkg/protocol"
	"github.com/teslashibe/go-salescall/pkg/session"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// maxMessageSize caps an uploaded audio frame.
	maxMessageSize = 16 << 20
)

// Agent is the part of agent.Manager the channel drives.
type Agent interface {
	History(ctx context.Context, callID string) ([]session.Turn, error)
	SubmitAudio(ctx context.Context, callID string, audio []byte, emit func(agent.Chunk) error) error
	SubmitText(ctx context.Context, callID, message string, emit func(agent.Chunk) error) error
	End(ctx context.Context, callID string) error
	ShouldEnd(reply string) bool
}

// CallConnection is one open call channel.
type CallConnection struct {
	CallID    string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time

	mu sync.Mutex
}

// Send writes a JSON envelope.
func (c *CallConnection) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// SendAudio writes a WAV clip as a binary frame.
func (c *CallConnection) SendAudio(wav []byte) error {
	return c.write(websocket.BinaryMessage, wav)
}

func (c *CallConnection) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

func (c *CallConnection) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// Hub tracks open call channels.
type Hub struct {
	agent  Agent
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[*CallConnection]struct{}

	// Stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	audioReceived    atomic.Uint64
	failures         atomic.Uint64
}

// NewHub creates a call channel hub driving a.
func NewHub(a Agent, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		agent:  a,
		logger: logger.With("component", "callhub"),
		conns:  make(map[*CallConnection]struct{}),
	}
}

// RegisterRoutes registers the call channel on a Fiber router.
func (h *Hub) RegisterRoutes(router fiber.Router) {
	router.Get("/ws/call/:call_id", requireUpgrade, websocket.New(h.handleCall))
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// handleCall runs one call channel until the caller hangs up, ends the
// call, or a submission fails.
func (h *Hub) handleCall(c *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cc := &CallConnection{
		CallID:    c.Params("call_id"),
		Conn:      c,
		Connected: time.Now(),
		LastSeen:  time.Now(),
	}
	c.SetReadLimit(maxMessageSize)

	if _, err := h.agent.History(ctx, cc.CallID); err != nil {
		h.fail(cc, err)
		return
	}

	h.mu.Lock()
	h.conns[cc] = struct{}{}
	count := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("call channel opened", "call_id", cc.CallID, "channels", count)

	defer func() {
		h.mu.Lock()
		delete(h.conns, cc)
		count := len(h.conns)
		h.mu.Unlock()
		h.logger.Info("call channel closed", "call_id", cc.CallID, "channels", count)
	}()

	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("call channel read error", "call_id", cc.CallID, "error", err)
			}
			return
		}

		cc.mu.Lock()
		cc.LastSeen = time.Now()
		cc.mu.Unlock()
		h.messagesReceived.Add(1)

		var done bool
		switch messageType {
		case websocket.BinaryMessage:
			h.audioReceived.Add(1)
			err = h.handleAudio(ctx, cc, data)
		case websocket.TextMessage:
			done, err = h.handleText(ctx, cc, data)
		default:
			continue
		}
		if err != nil {
			h.fail(cc, err)
			return
		}
		if done {
			cc.close(websocket.CloseNormalClosure, "call ended")
			return
		}
	}
}

// handleAudio answers a recorded caller turn with text envelopes and WAV
// frames, closed by a done envelope unless the caller was asked to repeat.
func (h *Hub) handleAudio(ctx context.Context, cc *CallConnection, audio []byte) error {
	send := h.sender(cc)
	var reply strings.Builder
	noticed := false
	err := h.agent.SubmitAudio(ctx, cc.CallID, audio, func(chunk agent.Chunk) error {
		switch chunk.Kind {
		case agent.ChunkNotice:
			noticed = true
			return send(protocol.NewNoticeMessage(chunk.Text, chunk.Reason))
		case agent.ChunkText:
			reply.WriteString(chunk.Text)
			return send(protocol.NewTextMessage(chunk.Text))
		case agent.ChunkAudio:
			if len(chunk.Audio) == 0 {
				return nil
			}
			wav, err := audioio.EncodeWAV(chunk.Audio, chunk.SampleRate, 1)
			if err != nil {
				return err
			}
			h.messagesSent.Add(1)
			return cc.SendAudio(wav)
		}
		return nil
	})
	if err != nil || noticed {
		return err
	}
	return h.finish(cc, reply.String())
}

// handleText interprets a text frame. Anything that is not a known control
// envelope is chat text. It reports true once the call has been ended.
func (h *Hub) handleText(ctx context.Context, cc *CallConnection, data []byte) (bool, error) {
	send := h.sender(cc)
	text := string(data)
	if msg, ok := protocol.ParseControl(data); ok {
		switch msg.Type {
		case protocol.TypeEndCall:
			if err := h.agent.End(ctx, cc.CallID); err != nil {
				return false, err
			}
			return true, send(protocol.NewCallMessage(protocol.TypeCallEnded, protocol.CallData{CallID: cc.CallID}))
		case protocol.TypePing:
			ping, _ := msg.GetPingData()
			id := ""
			if ping != nil {
				id = ping.ID
			}
			return false, send(protocol.NewPongMessage(id, msg.Timestamp, time.Now().UnixMilli()))
		case protocol.TypeChat:
			// A chat envelope without usable text is chat text itself.
			if chat, err := msg.GetChatData(); err == nil && strings.TrimSpace(chat.Text) != "" {
				text = chat.Text
			}
		}
	}

	var reply strings.Builder
	err := h.agent.SubmitText(ctx, cc.CallID, text, func(chunk agent.Chunk) error {
		if chunk.Kind != agent.ChunkText {
			return nil
		}
		reply.WriteString(chunk.Text)
		return send(protocol.NewTextMessage(chunk.Text))
	})
	if err != nil {
		return false, err
	}
	return false, h.finish(cc, reply.String())
}

func (h *Hub) finish(cc *CallConnection, reply string) error {
	reply = strings.TrimSpace(reply)
	return h.sender(cc)(protocol.NewDoneMessage(reply, h.agent.ShouldEnd(reply)))
}

// sender returns a func writing freshly built envelopes to cc.
func (h *Hub) sender(cc *CallConnection) func(*protocol.Message, error) error {
	return func(msg *protocol.Message, err error) error {
		if err != nil {
			return err
		}
		h.messagesSent.Add(1)
		return cc.Send(msg)
	}
}

// fail reports err to the caller and closes the channel.
func (h *Hub) fail(cc *CallConnection, err error) {
	h.failures.Add(1)
	text := err.Error()
	code := websocket.CloseInternalServerErr
	if errors.Is(err, agent.ErrInvalidCall) {
		text = "invalid call id"
		code = websocket.ClosePolicyViolation
		h.logger.Warn("call channel for unknown call", "call_id", cc.CallID)
	} else {
		h.logger.Error("call channel failed", "call_id", cc.CallID, "error", err)
	}
	if sendErr := h.sender(cc)(protocol.NewErrorMessage(text)); sendErr != nil {
		return
	}
	cc.close(code, text)
}

// ConnectionCount returns the number of open call channels.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ConnectionInfo describes an open call channel.
type ConnectionInfo struct {
	CallID    string    `json:"call_id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// Connections returns info about all open call channels.
func (h *Hub) Connections() []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(h.conns))
	for cc := range h.conns {
		cc.mu.Lock()
		infos = append(infos, ConnectionInfo{
			CallID:    cc.CallID,
			Connected: cc.Connected,
			LastSeen:  cc.LastSeen,
		})
		cc.mu.Unlock()
	}
	return infos
}

// Stats contains call channel statistics.
type Stats struct {
	Connections      int    `json:"connections"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	AudioReceived    uint64 `json:"audio_received"`
	Failures         uint64 `json:"failures"`
}

// GetStats returns call channel statistics.
func (h *Hub) GetStats() Stats {
	return Stats{
		Connections:      h.ConnectionCount(),
		MessagesReceived: h.messagesReceived.Load(),
		MessagesSent:     h.messagesSent.Load(),
		AudioReceived:    h.audioReceived.Load(),
		Failures:         h.failures.Load(),
	}
}
