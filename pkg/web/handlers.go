package web

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/teslashibe/go-salescall/pkg/agent"
	"github.com/teslashibe/go-salescall/pkg/audioio"
)

// StartCallRequest is the body of POST /start-call.
type StartCallRequest struct {
	PhoneNumber  string `json:"phone_number"`
	CustomerName string `json:"customer_name"`
}

// MessageRequest is the JSON body of POST /respond/:call_id.
type MessageRequest struct {
	Message string `json:"message"`
}

// MessageResponse is the reply to a text turn.
type MessageResponse struct {
	Reply         string `json:"reply"`
	ShouldEndCall bool   `json:"should_end_call"`
}

// HistoryEntry is one turn in GET /conversation/:call_id.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationResponse is the reply to GET /conversation/:call_id.
type ConversationResponse struct {
	CallID  string         `json:"call_id"`
	History []HistoryEntry `json:"history"`
}

// handleStartCall opens a call and returns the spoken greeting
func (s *Server) handleStartCall(c *fiber.Ctx) error {
	var req StartCallRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.PhoneNumber) == "" || strings.TrimSpace(req.CustomerName) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "phone_number and customer_name are required"})
	}

	ctx := c.UserContext()
	callID, greeting, err := s.agent.Start(ctx, req.PhoneNumber, req.CustomerName)
	if err != nil {
		return s.fail(c, "start call", err)
	}
	clip, err := s.agent.Speak(ctx, greeting)
	if err != nil {
		return s.fail(c, "speak greeting", err)
	}

	c.Set("X-Call-Id", callID)
	c.Set(fiber.HeaderContentType, "audio/wav")
	return c.Send(clip)
}

// handleRespond answers a caller turn. Multipart uploads carry audio and
// get a WAV attachment back; JSON bodies carry text and get JSON back.
func (s *Server) handleRespond(c *fiber.Ctx) error {
	// Params alias the request buffer; the id outlives the handler in call
	// locks and observer events.
	callID := utils.CopyString(c.Params("call_id"))
	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		return s.respondAudio(c, callID)
	}
	return s.respondText(c, callID)
}

func (s *Server) respondAudio(c *fiber.Ctx, callID string) error {
	header, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing file"})
	}
	f, err := header.Open()
	if err != nil {
		return s.fail(c, "open upload", err)
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		return s.fail(c, "read upload", err)
	}

	ctx := c.UserContext()
	var pcm bytes.Buffer
	rate := s.opts.SampleRate
	notice := ""
	err = s.agent.SubmitAudio(ctx, callID, audio, func(chunk agent.Chunk) error {
		switch chunk.Kind {
		case agent.ChunkNotice:
			notice = chunk.Text
		case agent.ChunkAudio:
			if len(chunk.Audio) > 0 {
				pcm.Write(chunk.Audio)
				rate = chunk.SampleRate
			}
		}
		return nil
	})
	if err != nil {
		return s.fail(c, "respond", err)
	}

	var clip []byte
	if notice != "" {
		clip, err = s.agent.Speak(ctx, notice)
	} else {
		clip, err = audioio.EncodeWAV(pcm.Bytes(), rate, 1)
	}
	if err != nil {
		return s.fail(c, "encode reply", err)
	}

	c.Set(fiber.HeaderContentType, "audio/wav")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=reply_%s.wav", callID))
	return c.Send(clip)
}

func (s *Server) respondText(c *fiber.Ctx, callID string) error {
	var req MessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	var reply strings.Builder
	err := s.agent.SubmitText(c.UserContext(), callID, req.Message, func(chunk agent.Chunk) error {
		if chunk.Kind == agent.ChunkText {
			reply.WriteString(chunk.Text)
		}
		return nil
	})
	if err != nil {
		return s.fail(c, "respond", err)
	}

	text := strings.TrimSpace(reply.String())
	return c.JSON(MessageResponse{Reply: text, ShouldEndCall: s.agent.ShouldEnd(text)})
}

// handleConversation returns a call's ordered history
func (s *Server) handleConversation(c *fiber.Ctx) error {
	callID := utils.CopyString(c.Params("call_id"))
	turns, err := s.agent.History(c.UserContext(), callID)
	if err != nil {
		return s.fail(c, "history", err)
	}

	history := make([]HistoryEntry, 0, len(turns))
	for _, t := range turns {
		history = append(history, HistoryEntry{Role: string(t.Role), Content: t.Content})
	}
	return c.JSON(ConversationResponse{CallID: callID, History: history})
}

// handleHealth checks the session store and each provider. Any failing
// component makes the service degraded.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), cmp.Or(s.opts.HealthTimeout, 3*time.Second))
	defer cancel()

	status, code := "ok", fiber.StatusOK
	components := fiber.Map{}
	for name, err := range s.agent.Health(ctx) {
		if err != nil {
			components[name] = err.Error()
			status, code = "degraded", fiber.StatusServiceUnavailable
		} else {
			components[name] = "ok"
		}
	}

	resp := fiber.Map{
		"status":     status,
		"version":    s.opts.Version,
		"components": components,
	}
	if active, err := s.agent.ActiveCalls(ctx); err == nil {
		resp["active_calls"] = active
	}
	return c.Status(code).JSON(resp)
}

// handleStats returns call and latency statistics
func (s *Server) handleStats(c *fiber.Ctx) error {
	active, err := s.agent.ActiveCalls(c.UserContext())
	if err != nil {
		return s.fail(c, "stats", err)
	}
	stats := s.agent.Stats()
	avg := stats.Average()
	resp := fiber.Map{
		"active_calls":   active,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"turns":          stats.Turns(),
		"latency_ms": fiber.Map{
			"transcribe":  avg.Transcribe.Milliseconds(),
			"first_token": avg.FirstToken.Milliseconds(),
			"first_audio": avg.FirstAudio.Milliseconds(),
			"total":       avg.Total.Milliseconds(),
		},
	}
	if s.opts.Calls != nil {
		resp["channels"] = s.opts.Calls.GetStats()
	}
	return c.JSON(resp)
}

// fail maps err to 404 for unknown calls and 500 otherwise.
func (s *Server) fail(c *fiber.Ctx, op string, err error) error {
	if errors.Is(err, agent.ErrInvalidCall) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "invalid call id"})
	}
	s.logger.Error("request failed", "op", op, "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
