// callsim: drives simulated callers against a running salescall server
// Starts calls over HTTP, then talks over the call channel
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-salescall/internal/httpc"
	"github.com/teslashibe/go-salescall/internal/log"
	"github.com/teslashibe/go-salescall/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

var (
	serverURL   = flag.String("url", "http://localhost:8000", "Server base URL")
	calls       = flag.Int("calls", 1, "Number of calls to simulate")
	concurrency = flag.Int("concurrency", 1, "Calls running at once")
	messages    = flag.String("messages", "Hi, what does the bootcamp cost?|Sounds good, let's schedule a call.", "Caller lines separated by |")
	audioFile   = flag.String("audio", "", "WAV file sent as the first caller turn (optional)")
	debug       = flag.Bool("debug", false, "Print every reply fragment")
)

type result struct {
	turns    atomic.Int64
	clips    atomic.Int64
	notices  atomic.Int64
	failures atomic.Int64
}

func main() {
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)
	logger := log.Component("callsim")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var audio []byte
	if *audioFile != "" {
		data, err := os.ReadFile(*audioFile)
		if err != nil {
			logger.Error("read audio", "error", err)
			os.Exit(1)
		}
		audio = data
	}
	lines := splitLines(*messages)

	var res result
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*concurrency, 1))
	for i := 0; i < *calls; i++ {
		name := fmt.Sprintf("Caller %d", i+1)
		g.Go(func() error {
			if err := simulate(gctx, logger, name, audio, lines, &res); err != nil {
				res.failures.Add(1)
				logger.Warn("call failed", "caller", name, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	elapsed := time.Since(start)
	fmt.Println("\n📊 Simulation summary")
	fmt.Printf("   Calls:    %d (%d failed)\n", *calls, res.failures.Load())
	fmt.Printf("   Turns:    %d\n", res.turns.Load())
	fmt.Printf("   Clips:    %d\n", res.clips.Load())
	fmt.Printf("   Notices:  %d\n", res.notices.Load())
	fmt.Printf("   Elapsed:  %s\n", elapsed.Round(time.Millisecond))

	if res.failures.Load() > 0 {
		os.Exit(1)
	}
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "|") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// simulate runs one call: start, optional audio turn, text turns, hang up.
func simulate(ctx context.Context, logger *slog.Logger, name string, audio []byte, lines []string, res *result) error {
	callID, greeting, err := startCall(ctx, name)
	if err != nil {
		return err
	}
	logger.Info("call started", "call_id", callID, "caller", name, "greeting_bytes", greeting)

	conn, err := dial(ctx, callID)
	if err != nil {
		return err
	}
	defer conn.Close()

	if len(audio) > 0 {
		if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		if _, err := readReply(logger, conn, callID, res); err != nil {
			return err
		}
	}

	for _, line := range lines {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
		end, err := readReply(logger, conn, callID, res)
		if err != nil {
			return err
		}
		if end {
			logger.Info("agent closed the call", "call_id", callID)
			break
		}
	}

	hangup, err := protocol.NewMessage(protocol.TypeEndCall, nil)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(hangup); err != nil {
		return fmt.Errorf("send end_call: %w", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("await hangup: %w", err)
		}
		if msg, err := protocol.ParseMessage(data); err == nil && msg.Type == protocol.TypeCallEnded {
			logger.Info("call ended", "call_id", callID)
		}
	}
}

// startCall posts /start-call and returns the call id and greeting size.
func startCall(ctx context.Context, name string) (string, int, error) {
	body, err := json.Marshal(map[string]string{
		"phone_number":  "+15550100",
		"customer_name": name,
	})
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(*serverURL, "/")+"/start-call", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpc.NewClient(2 * time.Minute).Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("start call: %w", err)
	}
	defer resp.Body.Close()

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("start call: status %d: %s", resp.StatusCode, strings.TrimSpace(string(wav)))
	}
	callID := resp.Header.Get("X-Call-Id")
	if callID == "" {
		return "", 0, errors.New("start call: missing X-Call-Id header")
	}
	return callID, len(wav), nil
}

func dial(ctx context.Context, callID string) (*websocket.Conn, error) {
	u, err := url.Parse(*serverURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/call/" + callID

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial call channel: %w", err)
	}
	return conn, nil
}

// readReply consumes frames until the reply completes. It reports whether the
// agent wants the call to end.
func readReply(logger *slog.Logger, conn *websocket.Conn, callID string, res *result) (bool, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	defer conn.SetReadDeadline(time.Time{})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return false, fmt.Errorf("read reply: %w", err)
		}
		if messageType == websocket.BinaryMessage {
			res.clips.Add(1)
			logger.Debug("audio clip", "call_id", callID, "bytes", len(data))
			continue
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			return false, err
		}
		switch msg.Type {
		case protocol.TypeText:
			text, err := msg.GetTextData()
			if err != nil {
				return false, err
			}
			logger.Debug("reply fragment", "call_id", callID, "text", text.Text)
		case protocol.TypeNotice:
			res.notices.Add(1)
			notice, err := msg.GetNoticeData()
			if err != nil {
				return false, err
			}
			logger.Info("agent asked to repeat", "call_id", callID, "reason", notice.Reason)
			return false, nil
		case protocol.TypeDone:
			res.turns.Add(1)
			done, err := msg.GetDoneData()
			if err != nil {
				return false, err
			}
			logger.Info("agent replied", "call_id", callID, "reply", done.Reply, "should_end_call", done.ShouldEndCall)
			return done.ShouldEndCall, nil
		case protocol.TypeError:
			e, _ := msg.GetErrorData()
			if e != nil {
				return false, errors.New(e.Error)
			}
			return false, errors.New("server error")
		}
	}
}
