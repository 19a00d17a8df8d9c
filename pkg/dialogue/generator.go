package dialogue

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/teslashibe/go-salescall/pkg/inference"
)

// Retriever supplies knowledge snippets relevant to a query.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]string, error)
}

// Generator streams sales-agent replies from a language model.
type Generator struct {
	provider       inference.Provider
	prompts        Prompts
	retriever      Retriever
	retrievalStage Stage
	topK           int
	model          string
	temperature    float64
	maxTokens      int
	onFailure      func(error)
	logger         *slog.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithPrompts replaces the stage instructions.
func WithPrompts(p Prompts) GeneratorOption {
	return func(g *Generator) { g.prompts = p }
}

// WithRetriever injects up to k knowledge snippets ahead of the stage
// instruction whenever a reply is generated at stage.
func WithRetriever(r Retriever, stage Stage, k int) GeneratorOption {
	return func(g *Generator) {
		g.retriever = r
		g.retrievalStage = stage
		g.topK = k
	}
}

// WithModel overrides the provider's default model.
func WithModel(model string) GeneratorOption {
	return func(g *Generator) { g.model = model }
}

// WithTemperature sets the sampling temperature. Zero is sent explicitly.
func WithTemperature(t float64) GeneratorOption {
	return func(g *Generator) { g.temperature = t }
}

// WithMaxTokens caps reply length.
func WithMaxTokens(n int) GeneratorOption {
	return func(g *Generator) { g.maxTokens = n }
}

// WithFailureHook is called with every model error the generator absorbs,
// except those caused by ctx ending.
func WithFailureHook(fn func(error)) GeneratorOption {
	return func(g *Generator) { g.onFailure = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = logger }
}

// NewGenerator creates a Generator over provider.
func NewGenerator(provider inference.Provider, opts ...GeneratorOption) *Generator {
	g := &Generator{
		provider:       provider,
		prompts:        DefaultPrompts(),
		retrievalStage: StagePitch,
		topK:           2,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "dialogue.generator")
	return g
}

// Generate streams a reply to message given prior turns and the stage.
// Each non-empty text fragment is passed to emit as it arrives. Model
// failures are not returned: the caller hears the Apology instead. The
// only error returned is one from emit, which stops the stream.
func (g *Generator) Generate(ctx context.Context, message string, history []inference.Message, stage Stage, emit func(string) error) error {
	req := &inference.ChatRequest{
		Messages:    g.Messages(ctx, message, history, stage),
		Model:       g.model,
		MaxTokens:   g.maxTokens,
		Temperature: inference.Float(g.temperature),
	}

	if !g.provider.Capabilities().Streaming {
		return g.complete(ctx, req, stage, emit)
	}

	start := time.Now()
	stream, err := g.provider.Stream(ctx, req)
	if err != nil {
		g.fail(ctx, "open stream", err)
		if ctx.Err() != nil {
			return nil
		}
		return emit(Apology)
	}
	defer stream.Close()

	var filter thinkFilter
	var fragments int
	for {
		chunk, err := stream.Recv()
		if err != nil {
			g.fail(ctx, "receive", err)
			if ctx.Err() != nil {
				return nil
			}
			return emit(Apology)
		}

		if text := filter.push(chunk.Delta); text != "" {
			if fragments == 0 {
				g.logger.Debug("first token", "stage", stage, "latency_ms", time.Since(start).Milliseconds())
			}
			fragments++
			if err := emit(text); err != nil {
				return err
			}
		}
		if chunk.Done {
			break
		}
	}

	if text := filter.flush(); strings.TrimSpace(text) != "" {
		if err := emit(text); err != nil {
			return err
		}
	}
	g.logger.Debug("reply complete", "stage", stage, "fragments", fragments, "latency_ms", time.Since(start).Milliseconds())
	return nil
}

// complete answers in a single fragment for providers that cannot stream.
func (g *Generator) complete(ctx context.Context, req *inference.ChatRequest, stage Stage, emit func(string) error) error {
	start := time.Now()
	resp, err := g.provider.Chat(ctx, req)
	if err != nil {
		g.fail(ctx, "chat", err)
		if ctx.Err() != nil {
			return nil
		}
		return emit(Apology)
	}

	var filter thinkFilter
	text := filter.push(resp.Message.Content) + filter.flush()
	g.logger.Debug("reply complete", "stage", stage, "fragments", 1, "latency_ms", time.Since(start).Milliseconds())
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return emit(text)
}

// Health checks the model provider.
func (g *Generator) Health(ctx context.Context) error {
	return g.provider.Health(ctx)
}

// Messages builds the chat request: the stage instruction (with retrieved
// knowledge at the retrieval stage), prior turns, then message.
func (g *Generator) Messages(ctx context.Context, message string, history []inference.Message, stage Stage) []inference.Message {
	system := g.prompts.For(stage)
	if g.retriever != nil && stage == g.retrievalStage {
		if snippets := g.retrieve(ctx, message); len(snippets) > 0 {
			system = "Relevant product information:\n" + strings.Join(snippets, "\n\n") + "\n\n" + system
		}
	}

	messages := make([]inference.Message, 0, len(history)+2)
	messages = append(messages, inference.NewSystemMessage(system))
	for _, m := range history {
		if m.Role == inference.RoleUser {
			messages = append(messages, inference.NewUserMessage(m.Content))
		} else {
			messages = append(messages, inference.NewAssistantMessage(m.Content))
		}
	}
	return append(messages, inference.NewUserMessage(message))
}

func (g *Generator) retrieve(ctx context.Context, query string) []string {
	snippets, err := g.retriever.Search(ctx, query, g.topK)
	if err != nil {
		g.logger.Warn("retrieval failed", "error", err)
		return nil
	}
	return snippets
}

func (g *Generator) fail(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		g.logger.Debug("generation cancelled", "op", op, "error", err)
	} else {
		g.logger.Error("generation failed", "op", op, "error", err)
	}
	if g.onFailure != nil && ctx.Err() == nil {
		g.onFailure(err)
	}
}
