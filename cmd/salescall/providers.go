package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-salescall/internal/config"
	"github.com/teslashibe/go-salescall/pkg/inference"
	"github.com/teslashibe/go-salescall/pkg/retrieval"
	"github.com/teslashibe/go-salescall/pkg/session"
	"github.com/teslashibe/go-salescall/pkg/stt"
	"github.com/teslashibe/go-salescall/pkg/tts"
)

// newLLM builds the chat provider, wrapped in a fallback chain when a
// second provider is configured.
func newLLM(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (inference.Provider, error) {
	primary, err := newLLMProvider(ctx, cfg.Provider, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == "" || cfg.Fallback == cfg.Provider {
		return primary, nil
	}
	fallback, err := newLLMProvider(ctx, cfg.Fallback, cfg, logger)
	if err != nil {
		primary.Close()
		return nil, err
	}
	return inference.NewChainWithLogger(logger, primary, fallback)
}

func newLLMProvider(ctx context.Context, name string, cfg config.LLMConfig, logger *slog.Logger) (inference.Provider, error) {
	common := []inference.Option{
		inference.WithMaxTokens(cfg.MaxTokens),
		inference.WithTemperature(cfg.Temperature),
		inference.WithTimeout(cfg.Timeout()),
		inference.WithStreaming(!cfg.DisableStreaming),
		inference.WithLogger(logger),
	}
	switch name {
	case "openai":
		opts := append(common,
			inference.WithBaseURL(cfg.BaseURL),
			inference.WithAPIKey(cfg.APIKey),
			inference.WithModel(cfg.Model),
			inference.WithEmbedModel(cfg.EmbedModel),
			inference.WithKeepAlive(time.Duration(cfg.KeepAlive)*time.Minute),
		)
		if cfg.Seed != nil {
			opts = append(opts, inference.WithSeed(*cfg.Seed))
		}
		return inference.NewClient(opts...)
	case "gemini":
		return inference.NewGemini(ctx, append(common,
			inference.WithAPIKey(cfg.GeminiAPIKey),
			inference.WithModel(cfg.GeminiModel),
		)...)
	case "mock":
		return inference.NewStreamingMock("Thanks for your time! ", "Could you tell me a bit about your goals?"), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}

// newTranscriber builds the speech-to-text backend, gated on silence when
// a threshold is configured.
func newTranscriber(ctx context.Context, cfg config.Config, logger *slog.Logger) (stt.Transcriber, error) {
	opts := []stt.Option{
		stt.WithLanguage(cfg.STT.Language),
		stt.WithSampleRate(cfg.STT.SampleRate),
		stt.WithLogger(logger),
	}
	if cfg.STT.Model != "" {
		opts = append(opts, stt.WithModel(cfg.STT.Model))
	}

	var (
		t   stt.Transcriber
		err error
	)
	switch cfg.STT.Provider {
	case "huggingface":
		t, err = stt.NewHuggingFace(append(opts,
			stt.WithBaseURL(orDefault(cfg.STT.BaseURL, cfg.HuggingFace.BaseURL)),
			stt.WithAPIKey(orDefault(cfg.STT.APIKey, cfg.HuggingFace.Token)),
		)...)
	case "openai":
		t, err = stt.NewOpenAI(append(opts,
			stt.WithBaseURL(cfg.STT.BaseURL),
			stt.WithAPIKey(cfg.STT.APIKey),
		)...)
	case "google":
		t, err = stt.NewGoogle(ctx, append(opts,
			stt.WithCredentialsFile(cfg.STT.CredentialsFile),
			stt.WithAccessToken(cfg.STT.AccessToken),
		)...)
	case "mock":
		t = stt.NewMock("Tell me about the program")
	default:
		err = fmt.Errorf("unknown stt provider %q", cfg.STT.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.STT.SilenceRMS > 0 {
		t = stt.NewSilenceGate(t, cfg.STT.SilenceRMS)
	}
	return t, nil
}

// newSpeaker builds the synthesis provider (with fallback) behind the
// shared speaker profile.
func newSpeaker(cfg config.Config, logger *slog.Logger) (*tts.Speaker, error) {
	profile := tts.DefaultSpeakerProfile()
	if cfg.TTS.SpeakerProfile != "" {
		p, err := tts.LoadSpeakerProfile(cfg.TTS.SpeakerProfile)
		if err != nil {
			return nil, err
		}
		profile = p
	}

	primary, err := newTTSProvider(cfg.TTS.Provider, cfg, profile, logger)
	if err != nil {
		return nil, err
	}
	provider := primary
	if cfg.TTS.Fallback != "" && cfg.TTS.Fallback != cfg.TTS.Provider {
		fallback, err := newTTSProvider(cfg.TTS.Fallback, cfg, profile, logger)
		if err != nil {
			primary.Close()
			return nil, err
		}
		if provider, err = tts.NewChainWithLogger(logger, primary, fallback); err != nil {
			return nil, err
		}
	}
	return tts.NewSpeaker(provider, profile, cfg.TTS.SampleRate), nil
}

func newTTSProvider(name string, cfg config.Config, profile tts.SpeakerProfile, logger *slog.Logger) (tts.Provider, error) {
	opts := []tts.Option{
		tts.WithProfile(profile),
		tts.WithLogger(logger),
	}
	if cfg.TTS.Voice != "" {
		opts = append(opts, tts.WithVoice(cfg.TTS.Voice))
	}
	switch name {
	case "huggingface":
		return tts.NewHuggingFace(append(opts,
			tts.WithModel(cfg.TTS.Model),
			tts.WithBaseURL(orDefault(cfg.TTS.BaseURL, cfg.HuggingFace.BaseURL)),
			tts.WithAPIKey(orDefault(cfg.TTS.APIKey, cfg.HuggingFace.Token)),
		)...)
	case "openai":
		return tts.NewOpenAI(append(opts,
			tts.WithBaseURL(cfg.TTS.BaseURL),
			tts.WithAPIKey(cfg.TTS.APIKey),
		)...)
	case "elevenlabs":
		return tts.NewElevenLabs(append(opts,
			tts.WithBaseURL(cfg.TTS.BaseURL),
			tts.WithAPIKey(cfg.TTS.APIKey),
		)...)
	case "mock":
		return tts.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", name)
	}
}

// newKnowledge embeds the knowledge file. A missing embedding model
// disables retrieval.
func newKnowledge(ctx context.Context, cfg config.Config, llm inference.Provider, logger *slog.Logger) (*retrieval.Index, error) {
	if cfg.LLM.EmbedModel == "" || cfg.Dialogue.KnowledgeFile == "" {
		return nil, nil
	}
	docs, err := retrieval.LoadDocuments(cfg.Dialogue.KnowledgeFile)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return retrieval.NewIndex(ctx, llm, docs, retrieval.WithLogger(logger))
}

// newStore opens the configured session store. onEvict hears about calls
// the memory store drops by TTL or size; Redis expires keys on its own.
func newStore(ctx context.Context, cfg config.SessionConfig, onEvict func(id string), logger *slog.Logger) (session.Store, error) {
	switch cfg.Backend {
	case "redis":
		return session.NewRedisStore(ctx, session.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL(),
			Logger:   logger,
		})
	default:
		return session.NewMemoryStore(
			session.WithMaxCalls(cfg.MaxCalls),
			session.WithTTL(cfg.TTL()),
			session.WithEvictHook(onEvict),
			session.WithLogger(logger),
		)
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
