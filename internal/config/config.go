// Package config loads service configuration from an optional YAML file
// layered under environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	BodyLimitMB int    `yaml:"body_limit_mb"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai, gemini, mock
	Fallback    string  `yaml:"fallback"` // optional second provider
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	EmbedModel  string  `yaml:"embed_model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSec  int     `yaml:"timeout_sec"`
	Seed        *int    `yaml:"seed"`           // optional sampling seed
	KeepAlive   int     `yaml:"keep_alive_min"` // minutes Ollama keeps the model loaded, 0 leaves the server default

	// DisableStreaming answers each turn with one blocking completion,
	// for servers or proxies that cannot stream.
	DisableStreaming bool `yaml:"disable_streaming"`

	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`
}

type HuggingFaceConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type STTConfig struct {
	Provider   string `yaml:"provider"` // huggingface, openai, google, mock
	Model      string `yaml:"model"`    // empty uses the provider's default
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`

	// Google Cloud Speech credentials. Application Default Credentials
	// are used when both are empty.
	CredentialsFile string `yaml:"credentials_file"`
	AccessToken     string `yaml:"access_token"`

	// SilenceRMS short-circuits recordings quieter than this level (0..1)
	// as no-speech without calling the backend. Zero disables the gate.
	SilenceRMS float64 `yaml:"silence_rms"`
}

type TTSConfig struct {
	Provider       string `yaml:"provider"` // huggingface, openai, elevenlabs, mock
	Fallback       string `yaml:"fallback"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Voice          string `yaml:"voice"`
	SampleRate     int    `yaml:"sample_rate"`
	SpeakerProfile string `yaml:"speaker_profile"`
}

type SessionConfig struct {
	Backend       string `yaml:"backend"` // memory, redis
	TTLMinutes    int    `yaml:"ttl_minutes"`
	MaxCalls      int    `yaml:"max_calls"`
	SweepSeconds  int    `yaml:"sweep_seconds"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type DialogueConfig struct {
	Policy        string `yaml:"policy"` // turn_count, signal
	InitialPrompt string `yaml:"initial_prompt"`
	KnowledgeFile string `yaml:"knowledge_file"`
	RetrievalTopK int    `yaml:"retrieval_top_k"`
}

type ArchiveConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
}

type EventsConfig struct {
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type Config struct {
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
	LLM         LLMConfig         `yaml:"llm"`
	HuggingFace HuggingFaceConfig `yaml:"huggingface"`
	STT         STTConfig         `yaml:"stt"`
	TTS         TTSConfig         `yaml:"tts"`
	Session     SessionConfig     `yaml:"session"`
	Dialogue    DialogueConfig    `yaml:"dialogue"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Events      EventsConfig      `yaml:"events"`
}

func Default() Config {
	return Config{
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        8000,
			BodyLimitMB: 16,
		},
		Log: LogConfig{Level: "info"},
		LLM: LLMConfig{
			Provider:    "openai",
			BaseURL:     "http://localhost:11434/v1",
			Model:       "qwen3:14b",
			Temperature: 0.0,
			MaxTokens:   512,
			TimeoutSec:  30,
			GeminiModel: "gemini-2.0-flash",
		},
		HuggingFace: HuggingFaceConfig{
			BaseURL: "https://api-inference.huggingface.co/models",
		},
		STT: STTConfig{
			Provider:   "huggingface",
			Language:   "en-US",
			SampleRate: 16000,
		},
		TTS: TTSConfig{
			Provider:   "huggingface",
			Model:      "microsoft/speecht5_tts",
			SampleRate: 16000,
		},
		Session: SessionConfig{
			Backend:      "memory",
			TTLMinutes:   30,
			MaxCalls:     10000,
			SweepSeconds: 60,
			RedisAddr:    "localhost:6379",
		},
		Dialogue: DialogueConfig{
			Policy:        "turn_count",
			InitialPrompt: "prompts/initial_prompt.txt",
			KnowledgeFile: "prompts/knowledge.yaml",
			RetrievalTopK: 2,
		},
		Archive: ArchiveConfig{
			Path:          "./data/salescall.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
		},
		Events: EventsConfig{
			ConnectTimeout: 2000,
			SubjectPrefix:  "salescall",
		},
	}
}

// Load reads path (when non-empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Environment, "SALESCALL_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SALESCALL_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideInt(&cfg.HTTP.Port, "SALESCALL_HTTP_PORT")
	overrideInt(&cfg.HTTP.BodyLimitMB, "SALESCALL_HTTP_BODY_LIMIT_MB")
	overrideString(&cfg.Log.Level, "SALESCALL_LOG_LEVEL")

	// Names shared with the Ollama/Hugging Face deployment scripts.
	if overrideString(&cfg.LLM.BaseURL, "OLLAMA_BASE_URL") {
		cfg.LLM.BaseURL = openAICompatible(cfg.LLM.BaseURL)
	}
	overrideString(&cfg.LLM.Model, "OLLAMA_LLM_NAME")
	overrideFloat(&cfg.LLM.Temperature, "OLLAMA_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Model, "HF_SPEECH_T5_NAME")
	overrideString(&cfg.HuggingFace.Token, "HF_TOKEN")

	overrideString(&cfg.LLM.Provider, "SALESCALL_LLM_PROVIDER")
	overrideString(&cfg.LLM.Fallback, "SALESCALL_LLM_FALLBACK")
	overrideString(&cfg.LLM.BaseURL, "SALESCALL_LLM_BASE_URL")
	overrideString(&cfg.LLM.APIKey, "SALESCALL_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "SALESCALL_LLM_MODEL")
	overrideString(&cfg.LLM.EmbedModel, "SALESCALL_LLM_EMBED_MODEL")
	overrideFloat(&cfg.LLM.Temperature, "SALESCALL_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.MaxTokens, "SALESCALL_LLM_MAX_TOKENS")
	overrideInt(&cfg.LLM.TimeoutSec, "SALESCALL_LLM_TIMEOUT_SEC")
	overrideInt(&cfg.LLM.KeepAlive, "OLLAMA_KEEP_ALIVE_MIN")
	overrideBool(&cfg.LLM.DisableStreaming, "SALESCALL_LLM_DISABLE_STREAMING")
	overrideString(&cfg.LLM.GeminiAPIKey, "GEMINI_API_KEY")
	overrideString(&cfg.LLM.GeminiModel, "SALESCALL_LLM_GEMINI_MODEL")
	overrideString(&cfg.HuggingFace.BaseURL, "SALESCALL_HF_BASE_URL")

	overrideString(&cfg.STT.Provider, "SALESCALL_STT_PROVIDER")
	if cfg.STT.Provider == "huggingface" {
		overrideString(&cfg.STT.Model, "HF_WHISPER_MODEL")
	}
	overrideString(&cfg.STT.Model, "SALESCALL_STT_MODEL")
	overrideString(&cfg.STT.BaseURL, "SALESCALL_STT_BASE_URL")
	overrideString(&cfg.STT.APIKey, "SALESCALL_STT_API_KEY")
	overrideString(&cfg.STT.Language, "SALESCALL_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "SALESCALL_STT_SAMPLE_RATE")
	overrideString(&cfg.STT.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	overrideString(&cfg.STT.AccessToken, "SALESCALL_STT_ACCESS_TOKEN")
	overrideFloat(&cfg.STT.SilenceRMS, "SALESCALL_STT_SILENCE_RMS")

	overrideString(&cfg.TTS.Provider, "SALESCALL_TTS_PROVIDER")
	overrideString(&cfg.TTS.Fallback, "SALESCALL_TTS_FALLBACK")
	overrideString(&cfg.TTS.BaseURL, "SALESCALL_TTS_BASE_URL")
	overrideString(&cfg.TTS.APIKey, "SALESCALL_TTS_API_KEY")
	overrideString(&cfg.TTS.Voice, "SALESCALL_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "SALESCALL_TTS_SAMPLE_RATE")
	overrideString(&cfg.TTS.SpeakerProfile, "SALESCALL_TTS_SPEAKER_PROFILE")

	overrideString(&cfg.Session.Backend, "SALESCALL_SESSION_BACKEND")
	overrideInt(&cfg.Session.TTLMinutes, "SALESCALL_SESSION_TTL_MINUTES")
	overrideInt(&cfg.Session.MaxCalls, "SALESCALL_SESSION_MAX_CALLS")
	overrideInt(&cfg.Session.SweepSeconds, "SALESCALL_SESSION_SWEEP_SECONDS")
	overrideString(&cfg.Session.RedisAddr, "SALESCALL_REDIS_ADDR")
	overrideString(&cfg.Session.RedisPassword, "SALESCALL_REDIS_PASSWORD")
	overrideInt(&cfg.Session.RedisDB, "SALESCALL_REDIS_DB")

	overrideString(&cfg.Dialogue.Policy, "SALESCALL_DIALOGUE_POLICY")
	overrideString(&cfg.Dialogue.InitialPrompt, "SALESCALL_INITIAL_PROMPT")
	overrideString(&cfg.Dialogue.KnowledgeFile, "SALESCALL_KNOWLEDGE_FILE")
	overrideInt(&cfg.Dialogue.RetrievalTopK, "SALESCALL_RETRIEVAL_TOP_K")

	overrideString(&cfg.Archive.Path, "SALESCALL_ARCHIVE_PATH")
	overrideString(&cfg.Archive.RetentionMode, "SALESCALL_ARCHIVE_RETENTION_MODE")
	overrideInt(&cfg.Archive.RetentionDays, "SALESCALL_ARCHIVE_RETENTION_DAYS")

	overrideStringSlice(&cfg.Events.Servers, "SALESCALL_EVENTS_SERVERS")
	overrideString(&cfg.Events.Username, "SALESCALL_EVENTS_USERNAME")
	overrideString(&cfg.Events.Password, "SALESCALL_EVENTS_PASSWORD")
	overrideString(&cfg.Events.Token, "SALESCALL_EVENTS_TOKEN")
	overrideInt(&cfg.Events.ConnectTimeout, "SALESCALL_EVENTS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Events.SubjectPrefix, "SALESCALL_EVENTS_SUBJECT_PREFIX")
}

// openAICompatible turns a bare Ollama address into its /v1 endpoint.
func openAICompatible(base string) string {
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func overrideString(target *string, envKey string) bool {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
		return true
	}
	return false
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func validate(cfg Config) error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.BodyLimitMB <= 0 {
		return errors.New("http.body_limit_mb must be positive")
	}
	if !oneOf(cfg.LLM.Provider, "openai", "gemini", "mock") {
		return errors.New("llm.provider must be one of openai|gemini|mock")
	}
	if cfg.LLM.Fallback != "" && !oneOf(cfg.LLM.Fallback, "openai", "gemini") {
		return errors.New("llm.fallback must be one of openai|gemini")
	}
	if cfg.LLM.Model == "" {
		return errors.New("llm.model must not be empty")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return errors.New("llm.temperature must be between 0 and 2")
	}
	if (cfg.LLM.Provider == "gemini" || cfg.LLM.Fallback == "gemini") && cfg.LLM.GeminiAPIKey == "" {
		return errors.New("llm.gemini_api_key must be set when gemini is used")
	}
	if !oneOf(cfg.STT.Provider, "huggingface", "openai", "google", "mock") {
		return errors.New("stt.provider must be one of huggingface|openai|google|mock")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.SilenceRMS < 0 || cfg.STT.SilenceRMS >= 1 {
		return errors.New("stt.silence_rms must be in [0, 1)")
	}
	if !oneOf(cfg.TTS.Provider, "huggingface", "openai", "elevenlabs", "mock") {
		return errors.New("tts.provider must be one of huggingface|openai|elevenlabs|mock")
	}
	if cfg.TTS.Fallback != "" && !oneOf(cfg.TTS.Fallback, "huggingface", "openai", "elevenlabs") {
		return errors.New("tts.fallback must be one of huggingface|openai|elevenlabs")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	switch cfg.Session.Backend {
	case "memory":
		if cfg.Session.MaxCalls <= 0 {
			return errors.New("session.max_calls must be positive")
		}
	case "redis":
		if cfg.Session.RedisAddr == "" {
			return errors.New("session.redis_addr must be set when backend=redis")
		}
	default:
		return errors.New("session.backend must be one of memory|redis")
	}
	if cfg.Session.TTLMinutes <= 0 {
		return errors.New("session.ttl_minutes must be positive")
	}
	if !oneOf(cfg.Dialogue.Policy, "turn_count", "signal") {
		return errors.New("dialogue.policy must be one of turn_count|signal")
	}
	if cfg.Dialogue.InitialPrompt == "" {
		return errors.New("dialogue.initial_prompt must not be empty")
	}
	if !oneOf(cfg.Archive.RetentionMode, "ephemeral", "persistent") {
		return errors.New("archive.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Archive.RetentionMode == "persistent" && cfg.Archive.Path == "" {
		return errors.New("archive.path must be set when retention_mode=persistent")
	}
	if cfg.Archive.RetentionDays < 0 {
		return errors.New("archive.retention_days must be >= 0")
	}
	return nil
}

// Addr returns the listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// TTL returns the session idle timeout.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// SweepInterval returns how often expired sessions are swept.
func (c SessionConfig) SweepInterval() time.Duration {
	if c.SweepSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.SweepSeconds) * time.Second
}

// Timeout returns the per-request model timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ConnectTimeoutDuration returns the NATS connect timeout.
func (c EventsConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}
