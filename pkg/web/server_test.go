package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/go-salescall/pkg/agent"
	"github.com/teslashibe/go-salescall/pkg/audioio"
	"github.com/teslashibe/go-salescall/pkg/callhub"
	"github.com/teslashibe/go-salescall/pkg/dialogue"
	"github.com/teslashibe/go-salescall/pkg/inference"
	"github.com/teslashibe/go-salescall/pkg/session"
	"github.com/teslashibe/go-salescall/pkg/stt"
	"github.com/teslashibe/go-salescall/pkg/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*Server
	mgr *agent.Manager
	llm *inference.Mock
}

func newTestServer(t *testing.T, transcriber stt.Transcriber, deltas ...string) *testServer {
	t.Helper()
	return newTestServerWith(t, transcriber, nil, deltas...)
}

func newTestServerWith(t *testing.T, transcriber stt.Transcriber, opts []agent.Option, deltas ...string) *testServer {
	t.Helper()
	if len(deltas) == 0 {
		deltas = []string{"Our bootcamp ", "runs twelve weeks."}
	}
	store, err := session.NewMemoryStore()
	if err != nil {
		t.Fatal(err)
	}
	intro := filepath.Join(t.TempDir(), "initial_prompt.txt")
	if err := os.WriteFile(intro, []byte("Greet {{.CustomerName}}."), 0o644); err != nil {
		t.Fatal(err)
	}
	llm := inference.NewStreamingMock(deltas...)
	speaker := tts.NewSpeaker(tts.NewMock(), tts.DefaultSpeakerProfile(), 16000)
	mgr := agent.New(store, transcriber, dialogue.NewGenerator(llm), speaker,
		append([]agent.Option{
			agent.WithIntroTemplate(intro),
			agent.WithLogger(newLogger()),
		}, opts...)...,
	)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "salescall_calls_started_total 1\n")
	})
	s := NewServer(mgr, Options{
		Version: "test",
		Metrics: metrics,
		Calls:   callhub.NewHub(mgr, newLogger()),
		Logger:  newLogger(),
	})
	return &testServer{Server: s, mgr: mgr, llm: llm}
}

func (ts *testServer) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := ts.App().Test(req, -1)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func jsonRequest(method, path string, v interface{}) *http.Request {
	data, _ := json.Marshal(v)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func uploadRequest(t *testing.T, path string, audio []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "turn.wav")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(audio)
	w.Close()

	req := httptest.NewRequest("POST", path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func (ts *testServer) startCall(t *testing.T) string {
	t.Helper()
	resp, _ := ts.do(t, jsonRequest("POST", "/start-call", StartCallRequest{
		PhoneNumber:  "+15551234567",
		CustomerName: "Alex",
	}))
	if resp.StatusCode != 200 {
		t.Fatalf("start-call status = %d", resp.StatusCode)
	}
	return resp.Header.Get("X-Call-Id")
}

func TestStartCall(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("hi"))

	resp, body := ts.do(t, jsonRequest("POST", "/start-call", StartCallRequest{
		PhoneNumber:  "+15551234567",
		CustomerName: "Alex",
	}))

	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}
	callID := resp.Header.Get("X-Call-Id")
	if callID == "" {
		t.Fatal("X-Call-Id header missing")
	}
	clip, err := audioio.DecodeWAV(body)
	if err != nil {
		t.Fatalf("greeting is not a WAV: %v", err)
	}
	if clip.SampleRate != 16000 || len(clip.PCM) == 0 {
		t.Errorf("clip = %d Hz, %d bytes", clip.SampleRate, len(clip.PCM))
	}

	history, err := ts.mgr.History(context.Background(), callID)
	if err != nil || len(history) != 1 || history[0].Role != session.RoleAssistant {
		t.Errorf("history = %+v, %v", history, err)
	}
}

func TestStartCallValidation(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("hi"))

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing name", jsonRequest("POST", "/start-call", StartCallRequest{PhoneNumber: "+1555"})},
		{"missing phone", jsonRequest("POST", "/start-call", StartCallRequest{CustomerName: "Alex"})},
		{"bad json", func() *http.Request {
			req := httptest.NewRequest("POST", "/start-call", strings.NewReader("{"))
			req.Header.Set("Content-Type", "application/json")
			return req
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, tt.req)
			if resp.StatusCode != 400 {
				t.Errorf("Status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestStartCallEmptyGreeting(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("hi"))
	ts.llm.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
		return inference.NewMockStream(), nil
	}

	resp, body := ts.do(t, jsonRequest("POST", "/start-call", StartCallRequest{
		PhoneNumber:  "+15551234567",
		CustomerName: "Alex",
	}))
	if resp.StatusCode != 500 {
		t.Errorf("Status = %d, want 500 (body %s)", resp.StatusCode, body)
	}
}

func TestRespondText(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("hi"), "Shall we ", "schedule a demo?")
	callID := ts.startCall(t)

	resp, body := ts.do(t, jsonRequest("POST", "/respond/"+callID, MessageRequest{Message: "Tell me about pricing"}))
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d, body %s", resp.StatusCode, body)
	}

	var out MessageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Reply != "Shall we schedule a demo?" {
		t.Errorf("Reply = %q", out.Reply)
	}
	if !out.ShouldEndCall {
		t.Error("ShouldEndCall should be true")
	}

	history, _ := ts.mgr.History(context.Background(), callID)
	if len(history) != 3 {
		t.Errorf("history length = %d, want 3", len(history))
	}
}

func TestRespondAudio(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("Tell me about pricing"))
	callID := ts.startCall(t)

	upload, _ := audioio.EncodeWAV(make([]byte, 3200), 16000, 1)
	resp, body := ts.do(t, uploadRequest(t, "/respond/"+callID, upload))
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d, body %s", resp.StatusCode, body)
	}

	want := "attachment; filename=reply_" + callID + ".wav"
	if cd := resp.Header.Get("Content-Disposition"); cd != want {
		t.Errorf("Content-Disposition = %q, want %q", cd, want)
	}
	clip, err := audioio.DecodeWAV(body)
	if err != nil {
		t.Fatalf("reply is not a WAV: %v", err)
	}
	if clip.SampleRate != 16000 || len(clip.PCM) == 0 {
		t.Errorf("clip = %d Hz, %d bytes", clip.SampleRate, len(clip.PCM))
	}

	history, _ := ts.mgr.History(context.Background(), callID)
	if len(history) != 3 || history[1].Content != "Tell me about pricing" {
		t.Errorf("history = %+v", history)
	}
}

func TestRespondAudioNoSpeech(t *testing.T) {
	ts := newTestServer(t, stt.NewMock(""))
	callID := ts.startCall(t)

	resp, body := ts.do(t, uploadRequest(t, "/respond/"+callID, []byte{0, 0}))
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d, body %s", resp.StatusCode, body)
	}
	if _, err := audioio.DecodeWAV(body); err != nil {
		t.Errorf("clarification is not a WAV: %v", err)
	}

	history, _ := ts.mgr.History(context.Background(), callID)
	if len(history) != 1 {
		t.Errorf("no-speech turn should not touch history, got %d turns", len(history))
	}
}

func TestRespondMissingFile(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("hi"))
	callID := ts.startCall(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	w.WriteField("other", "x")
	w.Close()
	req := httptest.NewRequest("POST", "/respond/"+callID, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, _ := ts.do(t, req)
	if resp.StatusCode != 400 {
		t.Errorf("Status = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownCall(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("hi"))

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"text respond", jsonRequest("POST", "/respond/nope", MessageRequest{Message: "hi"})},
		{"audio respond", uploadRequest(t, "/respond/nope", []byte{1, 2})},
		{"conversation", httptest.NewRequest("GET", "/conversation/nope", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.req)
			if resp.StatusCode != 404 {
				t.Fatalf("Status = %d, want 404", resp.StatusCode)
			}
			if !strings.Contains(string(body), `"invalid call id"`) {
				t.Errorf("body = %s", body)
			}
		})
	}
}

func TestConversation(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("hi"))
	callID := ts.startCall(t)
	ts.do(t, jsonRequest("POST", "/respond/"+callID, MessageRequest{Message: "Tell me about pricing"}))

	resp, body := ts.do(t, httptest.NewRequest("GET", "/conversation/"+callID, nil))
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d", resp.StatusCode)
	}

	var out ConversationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.CallID != callID {
		t.Errorf("CallID = %q", out.CallID)
	}
	roles := []string{"assistant", "user", "assistant"}
	if len(out.History) != len(roles) {
		t.Fatalf("history = %+v", out.History)
	}
	for i, role := range roles {
		if out.History[i].Role != role {
			t.Errorf("history[%d].Role = %q, want %q", i, out.History[i].Role, role)
		}
	}
	if out.History[1].Content != "Tell me about pricing" {
		t.Errorf("history[1].Content = %q", out.History[1].Content)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("hi"))
	ts.startCall(t)

	resp, body := ts.do(t, httptest.NewRequest("GET", "/health", nil))
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d", resp.StatusCode)
	}
	var out map[string]interface{}
	json.Unmarshal(body, &out)
	if out["status"] != "ok" || out["active_calls"] != float64(1) {
		t.Errorf("health = %v", out)
	}
	components, _ := out["components"].(map[string]interface{})
	for _, name := range []string{agent.ComponentStore, agent.ComponentLLM, agent.ComponentTTS, agent.ComponentSTT} {
		if components[name] != "ok" {
			t.Errorf("component %s = %v", name, components[name])
		}
	}
}

func TestHealthDegraded(t *testing.T) {
	ts := newTestServer(t, stt.WithError(errors.New("speech api unreachable")))
	ts.llm.HealthFunc = func(ctx context.Context) error {
		return errors.New("model not loaded")
	}

	resp, body := ts.do(t, httptest.NewRequest("GET", "/health", nil))
	if resp.StatusCode != 503 {
		t.Fatalf("Status = %d, want 503", resp.StatusCode)
	}
	var out struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "degraded" {
		t.Errorf("status = %q", out.Status)
	}
	if out.Components[agent.ComponentSTT] != "speech api unreachable" || out.Components[agent.ComponentLLM] != "model not loaded" {
		t.Errorf("components = %v", out.Components)
	}
	if out.Components[agent.ComponentTTS] != "ok" || out.Components[agent.ComponentStore] != "ok" {
		t.Errorf("healthy components reported failing: %v", out.Components)
	}
}

func TestMetricsAndStats(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("hi"))
	callID := ts.startCall(t)
	ts.do(t, jsonRequest("POST", "/respond/"+callID, MessageRequest{Message: "hello"}))

	resp, body := ts.do(t, httptest.NewRequest("GET", "/metrics", nil))
	if resp.StatusCode != 200 || !strings.Contains(string(body), "salescall_calls_started_total") {
		t.Errorf("metrics = %d %s", resp.StatusCode, body)
	}

	resp, body = ts.do(t, httptest.NewRequest("GET", "/api/calls/stats", nil))
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d", resp.StatusCode)
	}
	var stats map[string]interface{}
	json.Unmarshal(body, &stats)
	if stats["turns"] != float64(1) {
		t.Errorf("turns = %v, want 1", stats["turns"])
	}
	if _, ok := stats["channels"]; !ok {
		t.Error("stats should include channel counters")
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, stt.NewMock("hi"))

	req := httptest.NewRequest("OPTIONS", "/start-call", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, _ := ts.do(t, req)

	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("Status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Allow-Origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

// turnRecorder keeps the call ids observers were handed.
type turnRecorder struct {
	agent.NopObserver
	mu  sync.Mutex
	ids []string
}

func (r *turnRecorder) TurnAppended(ctx context.Context, callID string, turn session.Turn, stage dialogue.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, callID)
}

func TestCallIDOutlivesRequest(t *testing.T) {
	rec := &turnRecorder{}
	ts := newTestServerWith(t, stt.NewMock("hi"), []agent.Option{agent.WithObserver(rec)})
	callID := ts.startCall(t)

	ts.do(t, jsonRequest("POST", "/respond/"+callID, MessageRequest{Message: "How long is it?"}))

	// Same-length paths reuse the request buffer the id was parsed from.
	other := strings.Repeat("x", len(callID))
	for i := 0; i < 5; i++ {
		ts.do(t, jsonRequest("POST", "/respond/"+other, MessageRequest{Message: "hi"}))
		ts.do(t, httptest.NewRequest("GET", "/conversation/"+other, nil))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.ids) != 3 {
		t.Fatalf("observed %d turns, want 3", len(rec.ids))
	}
	for i, id := range rec.ids {
		if id != callID {
			t.Errorf("turn %d call id = %q, want %q", i, id, callID)
		}
	}
}
