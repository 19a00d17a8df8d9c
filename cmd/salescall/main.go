// salescall: voice-driven sales-call assistant
// Serves call start, audio/text replies and a duplex WebSocket channel
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-salescall/internal/config"
	"github.com/teslashibe/go-salescall/internal/log"
	"github.com/teslashibe/go-salescall/pkg/agent"
	"github.com/teslashibe/go-salescall/pkg/archive"
	"github.com/teslashibe/go-salescall/pkg/callhub"
	"github.com/teslashibe/go-salescall/pkg/dialogue"
	"github.com/teslashibe/go-salescall/pkg/events"
	"github.com/teslashibe/go-salescall/pkg/hub"
	"github.com/teslashibe/go-salescall/pkg/telemetry"
	"github.com/teslashibe/go-salescall/pkg/web"
)

var (
	version    = "1.0.0"
	configPath = flag.String("config", "", "Path to config.yaml (optional)")
	debug      = flag.Bool("debug", false, "Enable request logging and debug level")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if *debug {
		level = "debug"
	}
	log.Init(level)
	logger := log.L()
	logger.Info("starting salescall", "version", version, "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Providers
	llm, err := newLLM(ctx, cfg.LLM, log.Component("inference"))
	if err != nil {
		return err
	}
	defer llm.Close()

	transcriber, err := newTranscriber(ctx, cfg, log.Component("stt"))
	if err != nil {
		return err
	}
	defer transcriber.Close()

	speaker, err := newSpeaker(cfg, log.Component("tts"))
	if err != nil {
		return err
	}
	defer speaker.Provider().Close()

	policy, err := dialogue.NewPolicy(cfg.Dialogue.Policy)
	if err != nil {
		return err
	}

	// State. Evictions are reported once the manager exists; the sweeper
	// and request handlers only start after that.
	var mgr *agent.Manager
	store, err := newStore(ctx, cfg.Session, func(id string) { mgr.CallExpired(id) }, log.Component("session"))
	if err != nil {
		return err
	}
	defer store.Close()

	journal, err := archive.Open(ctx, cfg.Archive, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	tel, err := telemetry.Setup(ctx, "salescall", cfg.Environment, logger)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	monitorHub := hub.New("monitor", logger)
	go monitorHub.Run(ctx)
	monitor := hub.NewMonitor(monitorHub)

	observers := []agent.Option{
		agent.WithObserver(tel),
		agent.WithObserver(monitor),
	}
	if journal.Enabled() {
		observers = append(observers, agent.WithObserver(journal))
		go prune(ctx, journal, logger)
	}
	if len(cfg.Events.Servers) > 0 {
		publisher, err := events.Connect(ctx, cfg.Events, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		observers = append(observers, agent.WithObserver(publisher))
	}

	// The generator absorbs model failures; report them through the manager
	// so observers count them.
	genOpts := []dialogue.GeneratorOption{
		dialogue.WithModel(cfg.LLM.Model),
		dialogue.WithTemperature(cfg.LLM.Temperature),
		dialogue.WithMaxTokens(cfg.LLM.MaxTokens),
		dialogue.WithLogger(log.Component("dialogue")),
		dialogue.WithFailureHook(func(err error) {
			mgr.ReportFailure(context.Background(), agent.FailureGeneration, err)
		}),
	}
	knowledge, err := newKnowledge(ctx, cfg, llm, log.Component("retrieval"))
	if err != nil {
		return err
	}
	if knowledge != nil {
		genOpts = append(genOpts, dialogue.WithRetriever(knowledge, dialogue.StagePitch, cfg.Dialogue.RetrievalTopK))
		logger.Info("knowledge index ready", "documents", knowledge.Len())
	}

	mgr = agent.New(store, transcriber, dialogue.NewGenerator(llm, genOpts...), speaker,
		append(observers,
			agent.WithPolicy(policy),
			agent.WithIntroTemplate(cfg.Dialogue.InitialPrompt),
			agent.WithSampleRate(cfg.TTS.SampleRate),
			agent.WithLogger(logger),
		)...,
	)
	if sweeper, ok := store.(interface {
		RunSweeper(context.Context, time.Duration)
	}); ok {
		go sweeper.RunSweeper(ctx, cfg.Session.SweepInterval())
	}

	// Transport
	server := web.NewServer(mgr, web.Options{
		Name:       "salescall",
		Version:    version,
		BodyLimit:  cfg.HTTP.BodyLimitMB << 20,
		SampleRate: cfg.TTS.SampleRate,
		RequestLog: *debug,
		Metrics:    tel.Handler(),
		Calls:      callhub.NewHub(mgr, logger),
		Monitor:    monitor,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(cfg.HTTP.Addr())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	return nil
}

// prune trims the archive to its retention window once at start and then
// daily.
func prune(ctx context.Context, journal *archive.Archive, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := journal.Prune(ctx); err != nil {
			logger.Warn("archive prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
