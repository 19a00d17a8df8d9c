package callhub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-salescall/pkg/agent"
	"github.com/teslashibe/go-salescall/pkg/audioio"
	"github.com/teslashibe/go-salescall/pkg/dialogue"
	"github.com/teslashibe/go-salescall/pkg/inference"
	"github.com/teslashibe/go-salescall/pkg/protocol"
	"github.com/teslashibe/go-salescall/pkg/session"
	"github.com/teslashibe/go-salescall/pkg/stt"
	"github.com/teslashibe/go-salescall/pkg/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, transcriber stt.Transcriber, deltas ...string) *agent.Manager {
	t.Helper()
	store, err := session.NewMemoryStore()
	if err != nil {
		t.Fatal(err)
	}
	intro := filepath.Join(t.TempDir(), "initial_prompt.txt")
	if err := os.WriteFile(intro, []byte("Greet {{.CustomerName}}."), 0o644); err != nil {
		t.Fatal(err)
	}
	speaker := tts.NewSpeaker(tts.NewMock(), tts.DefaultSpeakerProfile(), 16000)
	return agent.New(store, transcriber, dialogue.NewGenerator(inference.NewStreamingMock(deltas...)), speaker,
		agent.WithIntroTemplate(intro),
		agent.WithLogger(newLogger()),
	)
}

// serve starts hub on a random local port and returns its ws base URL.
func serve(t *testing.T, hub *Hub) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	hub.RegisterRoutes(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })
	return "ws://" + ln.Addr().String()
}

func dial(t *testing.T, base, callID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws/call/"+callID, nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	kind, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", kind)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("bad envelope %q: %v", data, err)
	}
	return &msg
}

// readUntilDone collects frames up to and including the done envelope.
func readUntilDone(t *testing.T, ws *websocket.Conn) (texts []string, clips [][]byte, done *protocol.DoneData) {
	t.Helper()
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		if kind == websocket.BinaryMessage {
			clips = append(clips, data)
			continue
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			t.Fatal(err)
		}
		switch msg.Type {
		case protocol.TypeText:
			d, _ := msg.GetTextData()
			texts = append(texts, d.Text)
		case protocol.TypeDone:
			done, _ = msg.GetDoneData()
			return
		default:
			t.Fatalf("unexpected envelope %s", msg.Type)
		}
	}
}

func startCall(t *testing.T, mgr *agent.Manager) string {
	t.Helper()
	id, _, err := mgr.Start(context.Background(), "+15551234567", "Alex")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return id
}

func TestNewHub(t *testing.T) {
	hub := NewHub(newManager(t, stt.NewMock("hi")), nil)

	if hub.ConnectionCount() != 0 {
		t.Error("ConnectionCount should be 0 initially")
	}
	stats := hub.GetStats()
	if stats.MessagesReceived != 0 || stats.MessagesSent != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(hub.Connections()) != 0 {
		t.Error("Connections should be empty initially")
	}
}

func TestUpgradeRequired(t *testing.T) {
	hub := NewHub(newManager(t, stt.NewMock("hi")), newLogger())
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	hub.RegisterRoutes(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/ws/call/abc", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("Status = %d, want 426", resp.StatusCode)
	}
}

func TestUnknownCall(t *testing.T) {
	hub := NewHub(newManager(t, stt.NewMock("hi")), newLogger())
	ws := dial(t, serve(t, hub), "no-such-call")

	msg := readEnvelope(t, ws)
	if msg.Type != protocol.TypeError {
		t.Fatalf("Type = %s, want error", msg.Type)
	}
	data, _ := msg.GetErrorData()
	if data.Error != "invalid call id" {
		t.Errorf("Error = %q", data.Error)
	}

	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("channel should be closed after error")
	}
	if hub.GetStats().Failures != 1 {
		t.Errorf("Failures = %d, want 1", hub.GetStats().Failures)
	}
}

func TestTextTurn(t *testing.T) {
	mgr := newManager(t, stt.NewMock("hi"), "We can ", "schedule a call.")
	id := startCall(t, mgr)
	hub := NewHub(mgr, newLogger())
	ws := dial(t, serve(t, hub), id)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("When can we talk?")); err != nil {
		t.Fatal(err)
	}
	texts, clips, done := readUntilDone(t, ws)

	if len(texts) != 2 || texts[0] != "We can " {
		t.Errorf("texts = %q", texts)
	}
	if len(clips) != 0 {
		t.Errorf("text turns should not carry audio, got %d clips", len(clips))
	}
	if done.Reply != "We can schedule a call." {
		t.Errorf("Reply = %q", done.Reply)
	}
	if !done.ShouldEndCall {
		t.Error("ShouldEndCall should be true for a scheduling reply")
	}

	history, _ := mgr.History(context.Background(), id)
	if len(history) != 3 || history[1].Content != "When can we talk?" {
		t.Errorf("history = %+v", history)
	}
}

func TestChatEnvelopeAndMalformedJSON(t *testing.T) {
	mgr := newManager(t, stt.NewMock("hi"), "Sure.")
	id := startCall(t, mgr)
	ws := dial(t, serve(t, NewHub(mgr, newLogger())), id)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat","data":{"text":"Tell me more"}}`))
	readUntilDone(t, ws)
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"end_call"`))
	readUntilDone(t, ws)

	// Well-formed envelopes with unusable payloads stay chat text and keep
	// the channel open.
	bad := []string{
		`{"type":"chat","data":"oops"}`,
		`{"type":"chat","data":{"text":5}}`,
		`{"type":"chat"}`,
		`{"type":"chat","data":{"text":"  "}}`,
	}
	for _, frame := range bad {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatal(err)
		}
		readUntilDone(t, ws)
	}

	history, _ := mgr.History(context.Background(), id)
	if len(history) != 5+2*len(bad) {
		t.Fatalf("history length = %d, want %d", len(history), 5+2*len(bad))
	}
	if history[1].Content != "Tell me more" {
		t.Errorf("chat envelope text = %q", history[1].Content)
	}
	if history[3].Content != `{"type":"end_call"` {
		t.Errorf("malformed control should be chat text, got %q", history[3].Content)
	}
	for i, frame := range bad {
		if got := history[5+2*i].Content; got != frame {
			t.Errorf("caller turn %d = %q, want %q", i, got, frame)
		}
	}
}

func TestAudioTurn(t *testing.T) {
	mgr := newManager(t, stt.NewMock("Tell me about pricing"), "It is ", "affordable.")
	id := startCall(t, mgr)
	hub := NewHub(mgr, newLogger())
	ws := dial(t, serve(t, hub), id)

	upload, _ := audioio.EncodeWAV(make([]byte, 3200), 16000, 1)
	if err := ws.WriteMessage(websocket.BinaryMessage, upload); err != nil {
		t.Fatal(err)
	}
	texts, clips, done := readUntilDone(t, ws)

	if len(texts) != 2 {
		t.Errorf("texts = %q", texts)
	}
	if len(clips) != 2 {
		t.Fatalf("clips = %d, want 2", len(clips))
	}
	clip, err := audioio.DecodeWAV(clips[0])
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if clip.SampleRate != 16000 || len(clip.PCM) == 0 {
		t.Errorf("clip = %d Hz, %d bytes", clip.SampleRate, len(clip.PCM))
	}
	if done.Reply != "It is affordable." {
		t.Errorf("Reply = %q", done.Reply)
	}
	if hub.GetStats().AudioReceived != 1 {
		t.Errorf("AudioReceived = %d, want 1", hub.GetStats().AudioReceived)
	}
}

func TestAudioNoSpeech(t *testing.T) {
	mgr := newManager(t, stt.NewMock(""))
	id := startCall(t, mgr)
	ws := dial(t, serve(t, NewHub(mgr, newLogger())), id)

	ws.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 0})
	msg := readEnvelope(t, ws)
	if msg.Type != protocol.TypeNotice {
		t.Fatalf("Type = %s, want transcript_notice", msg.Type)
	}
	notice, _ := msg.GetNoticeData()
	if notice.Reason != agent.ReasonNoSpeech || notice.Text != dialogue.ClarificationPrompt {
		t.Errorf("notice = %+v", notice)
	}

	// The channel stays open for the next turn.
	ws.WriteMessage(websocket.TextMessage, []byte("Hello?"))
	if _, _, done := readUntilDone(t, ws); done == nil {
		t.Error("expected done after text turn")
	}
}

func TestEndCall(t *testing.T) {
	mgr := newManager(t, stt.NewMock("hi"))
	id := startCall(t, mgr)
	ws := dial(t, serve(t, NewHub(mgr, newLogger())), id)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"end_call"}`))
	msg := readEnvelope(t, ws)
	if msg.Type != protocol.TypeCallEnded {
		t.Fatalf("Type = %s, want call_ended", msg.Type)
	}

	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
	if _, err := mgr.History(context.Background(), id); !errors.Is(err, agent.ErrInvalidCall) {
		t.Errorf("call should be gone, got %v", err)
	}
}

func TestPing(t *testing.T) {
	mgr := newManager(t, stt.NewMock("hi"))
	id := startCall(t, mgr)
	ws := dial(t, serve(t, NewHub(mgr, newLogger())), id)

	ping, _ := protocol.NewPingMessage("p1")
	data, _ := ping.Bytes()
	ws.WriteMessage(websocket.TextMessage, data)

	msg := readEnvelope(t, ws)
	if msg.Type != protocol.TypePong {
		t.Errorf("Type = %s, want pong", msg.Type)
	}
}

func TestConnectionTracking(t *testing.T) {
	mgr := newManager(t, stt.NewMock("hi"))
	id := startCall(t, mgr)
	hub := NewHub(mgr, newLogger())
	ws := dial(t, serve(t, hub), id)

	// A round trip guarantees the channel is registered.
	ws.WriteMessage(websocket.TextMessage, []byte("hi"))
	readUntilDone(t, ws)

	if hub.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount = %d, want 1", hub.ConnectionCount())
	}
	infos := hub.Connections()
	if len(infos) != 1 || infos[0].CallID != id {
		t.Errorf("Connections = %+v", infos)
	}

	ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d, want 0 after disconnect", hub.ConnectionCount())
	}
}
