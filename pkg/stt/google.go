package stt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/teslashibe/go-salescall/pkg/audioio"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

const providerGoogle = "google"

// recognizeFunc is the single RPC the backend needs from the client.
type recognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

// Google transcribes with Google Cloud Speech-to-Text (synchronous
// Recognize, LINEAR16).
type Google struct {
	config    *Config
	client    *speech.Client
	recognize recognizeFunc
}

// NewGoogle dials the Speech API. Credentials come from, in order: an
// access token, a service account file, an API key, or Application
// Default Credentials.
func NewGoogle(ctx context.Context, opts ...Option) (*Google, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	clientOpts, err := googleClientOptions(ctx, cfg)
	if err != nil {
		return nil, WrapError(providerGoogle, err)
	}

	client, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, WrapError(providerGoogle, fmt.Errorf("create speech client: %w", err))
	}

	return &Google{
		config: cfg,
		client: client,
		recognize: func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
			return client.Recognize(ctx, req)
		},
	}, nil
}

func googleClientOptions(ctx context.Context, cfg *Config) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	switch {
	case cfg.AccessToken != "":
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.AccessToken,
			TokenType:   "Bearer",
		})))
	case cfg.CredentialsFile != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, speech.DefaultAuthScopes()...)
		if err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
		opts = append(opts, option.WithCredentials(creds))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	return opts, nil
}

// Transcribe sends the recording as one synchronous request. WAV input is
// decoded and downmixed; raw input is taken as PCM16 at the configured rate.
func (g *Google) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	if len(audio) == 0 {
		return Result{}, ErrEmptyAudio
	}
	start := time.Now()

	pcm, rate := audio, g.config.SampleRate
	if audioio.IsWAV(audio) {
		clip, err := audioio.DecodeWAV(audio)
		if err != nil {
			return Result{}, WrapError(providerGoogle, err)
		}
		clip = clip.Mono()
		pcm, rate = clip.PCM, clip.SampleRate
	}

	resp, err := g.recognize(ctx, g.request(pcm, rate))
	if err != nil {
		return Result{}, WrapError(providerGoogle, err)
	}

	var parts []string
	var confidence float64
	var scored int
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		parts = append(parts, strings.TrimSpace(alts[0].GetTranscript()))
		if c := alts[0].GetConfidence(); c > 0 {
			confidence += float64(c)
			scored++
		}
	}
	if scored > 0 {
		confidence /= float64(scored)
	}
	return result(strings.Join(parts, " "), confidence, time.Since(start).Milliseconds())
}

func (g *Google) request(pcm []byte, rate int) *speechpb.RecognizeRequest {
	return &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(rate),
			AudioChannelCount:          1,
			LanguageCode:               g.config.Language,
			Model:                      g.config.Model,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	}
}

// Health recognizes 100ms of silence to verify credentials and the
// configured model.
func (g *Google) Health(ctx context.Context) error {
	rate := g.config.SampleRate
	if _, err := g.recognize(ctx, g.request(make([]byte, rate/10*2), rate)); err != nil {
		return WrapError(providerGoogle, fmt.Errorf("health check: %w", err))
	}
	return nil
}

// Close closes the gRPC connection.
func (g *Google) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

var _ Transcriber = (*Google)(nil)
