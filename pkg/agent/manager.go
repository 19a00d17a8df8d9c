package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-salescall/pkg/audioio"
	"github.com/teslashibe/go-salescall/pkg/dialogue"
	"github.com/teslashibe/go-salescall/pkg/inference"
	"github.com/teslashibe/go-salescall/pkg/session"
	"github.com/teslashibe/go-salescall/pkg/stt"
)

// Manager owns the call lifecycle. Submissions for one call are
// serialized; different calls proceed concurrently.
type Manager struct {
	store       session.Store
	transcriber stt.Transcriber
	generator   Generator
	speaker     Synthesizer
	policy      dialogue.Policy
	introPath   string
	sampleRate  int
	observers   []Observer
	stats       *LatencyStats
	locks       *callLocks
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the stage policy. Default: dialogue.TurnCountPolicy.
func WithPolicy(p dialogue.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithIntroTemplate sets the greeting template path.
// Default: prompts/initial_prompt.txt.
func WithIntroTemplate(path string) Option {
	return func(m *Manager) { m.introPath = path }
}

// WithSampleRate sets the rate of the empty clip returned by Speak when
// synthesis fails. Default: 16000.
func WithSampleRate(rate int) Option {
	return func(m *Manager) { m.sampleRate = rate }
}

// WithObserver adds a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithClock injects the time source used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces UUIDv4 call ids.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New creates a Manager.
func New(store session.Store, transcriber stt.Transcriber, generator Generator, speaker Synthesizer, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		transcriber: transcriber,
		generator:   generator,
		speaker:     speaker,
		policy:      dialogue.TurnCountPolicy{},
		introPath:   "prompts/initial_prompt.txt",
		sampleRate:  16000,
		stats:       &LatencyStats{},
		locks:       newCallLocks(),
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "agent")
	return m
}

// Start opens a call and produces the greeting. The greeting is generated
// at the introduction stage from the rendered intro template and stored as
// the first assistant turn.
func (m *Manager) Start(ctx context.Context, phoneNumber, customerName string) (string, string, error) {
	prompt, err := dialogue.RenderIntro(m.introPath, dialogue.IntroData{
		CustomerName: customerName,
		PhoneNumber:  phoneNumber,
	})
	if err != nil {
		return "", "", err
	}

	var reply strings.Builder
	err = m.generator.Generate(ctx, prompt, nil, dialogue.StageIntroduction, func(fragment string) error {
		reply.WriteString(fragment)
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("generate greeting: %w", err)
	}
	greeting := dialogue.StripThinking(reply.String())
	if greeting == "" {
		if err := ctx.Err(); err != nil {
			return "", "", fmt.Errorf("generate greeting: %w", err)
		}
		return "", "", errors.New("generate greeting: empty reply")
	}

	call := session.Call{
		ID:           m.newID(),
		PhoneNumber:  phoneNumber,
		CustomerName: customerName,
	}
	if err := m.store.Create(ctx, call); err != nil {
		return "", "", fmt.Errorf("create call: %w", err)
	}
	turn := session.Turn{Role: session.RoleAssistant, Content: greeting}
	if err := m.store.Append(ctx, call.ID, turn); err != nil {
		return "", "", fmt.Errorf("store greeting: %w", err)
	}

	m.logger.Info("call started", "call_id", call.ID, "customer", customerName)
	for _, o := range m.observers {
		o.CallStarted(ctx, call)
		o.TurnAppended(ctx, call.ID, turn, dialogue.StageIntroduction)
	}
	return call.ID, greeting, nil
}

// SubmitAudio answers a recorded caller turn. Text fragments and their
// synthesized audio are emitted in generation order. When no speech is
// recognized a single ChunkNotice carrying the clarification prompt is
// emitted and history is left untouched.
func (m *Manager) SubmitAudio(ctx context.Context, callID string, audio []byte, emit func(Chunk) error) error {
	unlock := m.locks.lock(callID)
	defer unlock()

	turns, err := m.turns(ctx, callID)
	if err != nil {
		return err
	}

	timer := newTurnTimer(m.now)
	result, err := m.transcriber.Transcribe(ctx, audio)
	timer.markTranscript()

	if err == nil && strings.TrimSpace(result.Text) == "" {
		err = stt.ErrNoSpeech
	}
	if err != nil {
		reason := ReasonNoSpeech
		if !errors.Is(err, stt.ErrNoSpeech) && !errors.Is(err, stt.ErrEmptyAudio) {
			reason = ReasonTranscriptionFailed
			m.logger.Error("transcription failed", "call_id", callID, "error", err)
			m.failed(ctx, FailureTranscription, err)
		} else {
			m.logger.Debug("no speech recognized", "call_id", callID)
		}
		return emit(Chunk{Kind: ChunkNotice, Text: dialogue.ClarificationPrompt, Reason: reason})
	}

	m.logger.Debug("transcribed", "call_id", callID, "text", result.Text, "confidence", result.Confidence)
	return m.respond(ctx, callID, turns, strings.TrimSpace(result.Text), timer, true, emit)
}

// SubmitText answers a typed caller turn, emitting only ChunkText.
func (m *Manager) SubmitText(ctx context.Context, callID, message string, emit func(Chunk) error) error {
	unlock := m.locks.lock(callID)
	defer unlock()

	turns, err := m.turns(ctx, callID)
	if err != nil {
		return err
	}
	return m.respond(ctx, callID, turns, message, newTurnTimer(m.now), false, emit)
}

// respond appends the caller turn, streams the reply and appends it once
// the stream ends. The assistant turn is stored even when emit fails or
// ctx ends, so history keeps alternating. Caller holds the call lock.
func (m *Manager) respond(ctx context.Context, callID string, turns []session.Turn, message string, timer *turnTimer, speak bool, emit func(Chunk) error) error {
	userTurn := session.Turn{Role: session.RoleUser, Content: message}
	if err := m.store.Append(ctx, callID, userTurn); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return invalidCall(callID, err)
		}
		return fmt.Errorf("store caller turn: %w", err)
	}

	history := messages(turns)
	stage := m.policy.Stage(append(history, inference.NewUserMessage(message)))
	for _, o := range m.observers {
		o.TurnAppended(ctx, callID, userTurn, stage)
	}

	var reply strings.Builder
	genErr := m.generator.Generate(ctx, message, history, stage, func(fragment string) error {
		timer.markFragment()
		reply.WriteString(fragment)
		if err := emit(Chunk{Kind: ChunkText, Text: fragment}); err != nil {
			return err
		}
		if !speak {
			return nil
		}
		return m.synthesize(ctx, fragment, timer, emit)
	})

	// Record the reply even if the caller went away mid-stream.
	storeCtx := context.WithoutCancel(ctx)
	botTurn := session.Turn{Role: session.RoleAssistant, Content: strings.TrimSpace(reply.String())}
	if err := m.store.Append(storeCtx, callID, botTurn); err != nil {
		m.logger.Error("failed to store reply", "call_id", callID, "error", err)
		if genErr == nil {
			genErr = fmt.Errorf("store reply: %w", err)
		}
	}

	latency := timer.done()
	m.stats.Record(latency)
	m.logger.Info("turn complete", "call_id", callID, "stage", stage, "latency", latency.String())
	for _, o := range m.observers {
		o.TurnAppended(storeCtx, callID, botTurn, stage)
		o.TurnCompleted(storeCtx, callID, latency)
	}
	return genErr
}

// synthesize streams text as mono PCM16, one ChunkAudio per provider chunk.
// A failure before any audio arrives yields a single empty chunk, so every
// spoken fragment has audio. Only emit errors are returned.
func (m *Manager) synthesize(ctx context.Context, text string, timer *turnTimer, emit func(Chunk) error) error {
	var sent int
	var emitErr error
	err := m.speaker.Stream(ctx, text, func(pcm []byte, rate int) error {
		sent++
		timer.markAudio(len(pcm))
		emitErr = emit(Chunk{Kind: ChunkAudio, Audio: pcm, SampleRate: rate})
		return emitErr
	})
	if emitErr != nil {
		return emitErr
	}
	if err != nil && ctx.Err() == nil {
		m.logger.Error("synthesis failed", "sent_chunks", sent, "error", err)
		m.failed(ctx, FailureSynthesis, err)
	}
	if sent == 0 {
		return emit(Chunk{Kind: ChunkAudio, SampleRate: m.sampleRate})
	}
	return nil
}

// Speak synthesizes text as one WAV clip. Synthesis failures yield a valid
// clip with no samples.
func (m *Manager) Speak(ctx context.Context, text string) ([]byte, error) {
	clip, err := m.speaker.Clip(ctx, text)
	if err == nil {
		return clip, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.logger.Error("synthesis failed", "error", err)
	m.failed(ctx, FailureSynthesis, err)
	return audioio.EncodeWAV(nil, m.sampleRate, 1)
}

// History returns the call's turns in order.
func (m *Manager) History(ctx context.Context, callID string) ([]session.Turn, error) {
	return m.turns(ctx, callID)
}

// Stage returns the stage the next reply would be generated at, given the
// history so far.
func (m *Manager) Stage(ctx context.Context, callID string) (dialogue.Stage, error) {
	turns, err := m.turns(ctx, callID)
	if err != nil {
		return "", err
	}
	return m.policy.Stage(messages(turns)), nil
}

// ShouldEnd reports whether a reply suggests wrapping up the call.
func (m *Manager) ShouldEnd(reply string) bool {
	return dialogue.ShouldEnd(reply)
}

// End closes a call and forgets its history.
func (m *Manager) End(ctx context.Context, callID string) error {
	unlock := m.locks.lock(callID)
	defer unlock()

	if err := m.store.Delete(ctx, callID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return invalidCall(callID, err)
		}
		return fmt.Errorf("end call: %w", err)
	}
	m.logger.Info("call ended", "call_id", callID)
	for _, o := range m.observers {
		o.CallEnded(ctx, callID)
	}
	return nil
}

// CallExpired tells observers that the store dropped callID on its own,
// by idle TTL or the size bound. Stores call it from inside their own
// locks, so observers are notified on a separate goroutine.
func (m *Manager) CallExpired(callID string) {
	m.logger.Info("call expired", "call_id", callID)
	go func() {
		ctx := context.Background()
		for _, o := range m.observers {
			o.CallEnded(ctx, callID)
		}
	}()
}

// Stats returns turn latency statistics.
func (m *Manager) Stats() *LatencyStats {
	return m.stats
}

// ActiveCalls returns the number of live calls in the store.
func (m *Manager) ActiveCalls(ctx context.Context) (int, error) {
	return m.store.Len(ctx)
}

// Health checks the session store and every adapter concurrently. The
// result has one entry per component, nil when healthy.
func (m *Manager) Health(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{
		ComponentStore: func(ctx context.Context) error {
			_, err := m.store.Len(ctx)
			return err
		},
		ComponentLLM: m.generator.Health,
		ComponentTTS: m.speaker.Health,
		ComponentSTT: m.transcriber.Health,
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make(map[string]error, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := check(ctx)
			if err != nil {
				m.logger.Warn("health check failed", "component", name, "error", err)
			}
			mu.Lock()
			out[name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// ReportFailure lets adapters that absorb their own errors (the generator
// substitutes an apology) surface them to observers.
func (m *Manager) ReportFailure(ctx context.Context, kind string, err error) {
	m.failed(ctx, kind, err)
}

func (m *Manager) failed(ctx context.Context, kind string, err error) {
	for _, o := range m.observers {
		o.AdapterFailed(ctx, kind, err)
	}
}

func (m *Manager) turns(ctx context.Context, callID string) ([]session.Turn, error) {
	turns, err := m.store.Turns(ctx, callID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, invalidCall(callID, err)
		}
		return nil, fmt.Errorf("load history: %w", err)
	}
	return turns, nil
}

// messages maps stored turns to chat messages.
func messages(turns []session.Turn) []inference.Message {
	out := make([]inference.Message, 0, len(turns)+1)
	for _, t := range turns {
		if t.Role == session.RoleUser {
			out = append(out, inference.NewUserMessage(t.Content))
		} else {
			out = append(out, inference.NewAssistantMessage(t.Content))
		}
	}
	return out
}
