// Package agent runs sales calls: it owns the call lifecycle and sequences
// transcription, staged reply generation and speech synthesis for every
// caller turn.
//
// Example usage:
//
//	mgr := agent.New(store, transcriber, generator, speaker,
//	    agent.WithPolicy(dialogue.TurnCountPolicy{}),
//	    agent.WithIntroTemplate("prompts/initial_prompt.txt"),
//	)
//	callID, greeting, _ := mgr.Start(ctx, "+15551234567", "Alex")
//	err := mgr.SubmitText(ctx, callID, "Tell me about pricing", func(c agent.Chunk) error {
//	    fmt.Print(c.Text)
//	    return nil
//	})
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/teslashibe/go-salescall/pkg/dialogue"
	"github.com/teslashibe/go-salescall/pkg/inference"
	"github.com/teslashibe/go-salescall/pkg/session"
	"github.com/teslashibe/go-salescall/pkg/tts"
)

// ErrInvalidCall is returned for unknown or expired call ids. It also
// matches session.ErrNotFound.
var ErrInvalidCall = errors.New("agent: invalid call id")

func invalidCall(id string, err error) error {
	return fmt.Errorf("%w %q: %w", ErrInvalidCall, id, err)
}

// ChunkKind tags a piece of a streamed reply.
type ChunkKind int

const (
	// ChunkText is a fragment of the generated reply.
	ChunkText ChunkKind = iota

	// ChunkAudio is synthesized speech for the preceding text fragment:
	// mono PCM16 at SampleRate. A fragment is followed by one ChunkAudio
	// per streamed piece, or by a single empty one when synthesis failed.
	ChunkAudio

	// ChunkNotice replaces the reply when the caller could not be
	// understood. Text holds the clarification prompt.
	ChunkNotice
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkAudio:
		return "audio"
	case ChunkNotice:
		return "notice"
	default:
		return fmt.Sprintf("ChunkKind(%d)", int(k))
	}
}

// Notice reasons.
const (
	ReasonNoSpeech            = "no_speech"
	ReasonTranscriptionFailed = "transcription_failed"
)

// Chunk is one emission of a streamed reply.
type Chunk struct {
	Kind       ChunkKind
	Text       string
	Audio      []byte
	SampleRate int
	Reason     string
}

// Adapter failure kinds reported to observers.
const (
	FailureTranscription = "transcription"
	FailureGeneration    = "generation"
	FailureSynthesis     = "synthesis"
)

// Generator streams a staged reply. dialogue.Generator implements it.
type Generator interface {
	Generate(ctx context.Context, message string, history []inference.Message, stage dialogue.Stage, emit func(string) error) error
	Health(ctx context.Context) error
}

// Synthesizer turns reply text into speech. tts.Speaker implements it.
type Synthesizer interface {
	Stream(ctx context.Context, text string, emit func(pcm []byte, sampleRate int) error) error
	Clip(ctx context.Context, text string) ([]byte, error)
	Health(ctx context.Context) error
}

// Health components reported by Manager.Health.
const (
	ComponentStore = "store"
	ComponentLLM   = "llm"
	ComponentTTS   = "tts"
	ComponentSTT   = "stt"
)

// Observer receives call lifecycle notifications. Calls are synchronous
// and made from the goroutine serving the call; implementations must not
// block for long and must not call back into the Manager.
type Observer interface {
	CallStarted(ctx context.Context, call session.Call)
	TurnAppended(ctx context.Context, callID string, turn session.Turn, stage dialogue.Stage)
	TurnCompleted(ctx context.Context, callID string, latency Latency)
	CallEnded(ctx context.Context, callID string)
	AdapterFailed(ctx context.Context, kind string, err error)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the notifications you need.
type NopObserver struct{}

func (NopObserver) CallStarted(context.Context, session.Call) {}
func (NopObserver) TurnAppended(context.Context, string, session.Turn, dialogue.Stage) {}
func (NopObserver) TurnCompleted(context.Context, string, Latency) {}
func (NopObserver) CallEnded(context.Context, string) {}
func (NopObserver) AdapterFailed(context.Context, string, error) {}

var _ Observer = NopObserver{}

var (
	_ Generator   = (*dialogue.Generator)(nil)
	_ Synthesizer = (*tts.Speaker)(nil)
)
