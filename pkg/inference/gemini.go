package inference

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

const providerGemini = "gemini"

// Gemini implements Provider on Google's Gemini API.
type Gemini struct {
	client *genai.Client
	config *Config
	logger *slog.Logger
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, opts ...Option) (*Gemini, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = ""
	cfg.Model = "gemini-2.0-flash"
	cfg.EmbedModel = "text-embedding-004"
	cfg.Apply(opts...)

	if cfg.APIKey == "" {
		return nil, WrapError(providerGemini, ErrNoAPIKey)
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapError(providerGemini, err)
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, WrapError(providerGemini, fmt.Errorf("create client: %w", err))
	}

	return &Gemini{
		client: client,
		config: cfg,
		logger: cfg.Logger.With("component", "inference.gemini"),
	}, nil
}

// Chat generates a complete response.
func (g *Gemini) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	contents, cfg := g.convert(req)
	resp, err := g.client.Models.GenerateContent(ctx, g.model(req), contents, cfg)
	if err != nil {
		return nil, WrapError(providerGemini, err)
	}

	out := &ChatResponse{
		Message:   NewAssistantMessage(resp.Text()),
		Model:     g.model(req),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// Stream generates a response incrementally.
func (g *Gemini) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	contents, cfg := g.convert(req)
	seq := g.client.Models.GenerateContentStream(ctx, g.model(req), contents, cfg)
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}, nil
}

// Embed generates text embeddings.
func (g *Gemini) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = g.config.EmbedModel
	}
	if model == "" {
		return nil, WrapError(providerGemini, ErrEmbeddingsNotSupported)
	}

	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := g.client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, WrapError(providerGemini, err)
	}

	embeddings := make([][]float64, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		vec := make([]float64, len(e.Values))
		for j, v := range e.Values {
			vec[j] = float64(v)
		}
		embeddings[i] = vec
	}
	return &EmbedResponse{Embeddings: embeddings, LatencyMs: time.Since(start).Milliseconds()}, nil
}

// Capabilities returns what Gemini supports.
func (g *Gemini) Capabilities() Capabilities {
	return Capabilities{Chat: true, Streaming: !g.config.DisableStreaming, Embeddings: g.config.EmbedModel != ""}
}

// Health lists models to verify the API key.
func (g *Gemini) Health(ctx context.Context) error {
	if _, err := g.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return WrapError(providerGemini, fmt.Errorf("health check: %w", err))
	}
	return nil
}

// Close is a no-op; the genai client holds no closable resources.
func (g *Gemini) Close() error {
	return nil
}

func (g *Gemini) model(req *ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return g.config.Model
}

// convert maps chat messages onto Gemini contents. System messages become
// the system instruction; assistant turns use the model role.
func (g *Gemini) convert(req *ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	temp := g.config.Temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.config.MaxTokens
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(temp)),
		MaxOutputTokens: int32(maxTokens),
		StopSequences:   req.Stop,
	}

	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	return contents, cfg
}

// geminiStream adapts the SDK's push iterator to Stream.
type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	done bool
}

func (s *geminiStream) Recv() (*StreamChunk, error) {
	if s.done {
		return &StreamChunk{Done: true}, nil
	}
	resp, err, ok := s.next()
	if !ok {
		s.done = true
		return &StreamChunk{Done: true, FinishReason: "stop"}, nil
	}
	if err != nil {
		s.done = true
		return nil, WrapError(providerGemini, err)
	}
	return &StreamChunk{Delta: resp.Text()}, nil
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

var _ Provider = (*Gemini)(nil)
