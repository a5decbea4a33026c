package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/relay-ai/relay/internal/admission"
	"github.com/relay-ai/relay/internal/channels"
	"github.com/relay-ai/relay/internal/channels/telegram"
	"github.com/relay-ai/relay/internal/channels/webhook"
	"github.com/relay-ai/relay/internal/commands"
	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/mcp"
	"github.com/relay-ai/relay/internal/memory"
	"github.com/relay-ai/relay/internal/observability"
	"github.com/relay-ai/relay/internal/ports"
	openaiprovider "github.com/relay-ai/relay/internal/providers/openai"
	"github.com/relay-ai/relay/internal/sessions"
	"github.com/relay-ai/relay/internal/skills"
	"github.com/relay-ai/relay/internal/storage"
	"github.com/relay-ai/relay/internal/tools"
	"github.com/relay-ai/relay/internal/turn"
	"github.com/relay-ai/relay/internal/usage"
	"github.com/relay-ai/relay/pkg/models"
)

const (
	channelStopTimeout = 15 * time.Second
	turnDrainTimeout   = 30 * time.Second
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay assistant",
		Long: `Start the assistant with all configured channels.

The server loads the configuration file, starts the enabled channel
adapters, and routes every inbound message through the turn pipeline.
Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	mgr, err := config.Load(configPath, nil)
	if err != nil {
		return configError(fmt.Errorf("load config: %w", err))
	}
	snap := mgr.Snapshot()

	logCfg := observability.LogConfig{Level: snap.Logging.Level, Format: snap.Logging.Format}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version,
		"config", configPath,
		"data_dir", snap.DataDir)

	store, err := storage.NewFSStore(snap.DataDir)
	if err != nil {
		return startupError(fmt.Errorf("open data dir: %w", err))
	}

	tracker := usage.NewTracker(store, logger, usage.Options{
		Enabled:   snap.Usage.Enabled,
		Dir:       snap.Usage.Dir,
		Retention: snap.Usage.Retention,
	})
	if err := tracker.Load(ctx); err != nil {
		logger.Warn("usage history not loaded", "error", err)
	}
	prometheus.MustRegister(usage.NewCollector(tracker))

	sessionStore := sessions.NewStore(store, logger, snap.Session.HistoryLimit)
	memStore := memory.NewStore(store, logger)

	skillsDir := snap.SkillsDir
	if skillsDir == "" {
		skillsDir = "skills"
	}
	skillSvc := skills.NewService(skillsDir, logger)
	if err := skillSvc.Load(); err != nil {
		logger.Warn("skills not loaded", "dir", skillsDir, "error", err)
	}

	pool := mcp.NewPool(mgr, logger)

	llm, err := buildLLM(snap)
	if err != nil {
		return err
	}
	logger.Info("llm provider configured", "provider", llm.Name())

	registry := channels.NewRegistry()
	gates := map[models.ChannelType]*admission.Gate{}
	if snap.Telegram.Enabled {
		if !snap.Telegram.Token.Present() {
			return configError(errors.New("telegram is enabled but no token is configured"))
		}
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:     snap.Telegram.Token.Reveal(),
			MaxLength: snap.Telegram.MaxLength,
			Logger:    logger,
		})
		if err != nil {
			return startupError(fmt.Errorf("telegram adapter: %w", err))
		}
		registry.Register(adapter)
		gates[models.ChannelTelegram] = admission.NewGate(models.ChannelTelegram, mgr, store, logger)
	}
	if len(snap.Webhooks) > 0 {
		registry.Register(webhook.NewSource(webhookMappings(snap), logger))
	}
	if len(registry.All()) == 0 {
		return configError(errors.New("no channels are enabled"))
	}

	nativeTools := []tools.Tool{
		&tools.TimeTool{},
		&tools.MemorySearchTool{Store: memStore, Scope: tools.ConversationScope},
	}

	pipeline := turn.NewPipeline(turn.Deps{
		LLM:         llm,
		Skills:      skillSvc,
		MCP:         pool,
		Memory:      memStore,
		Usage:       tracker,
		Channels:    registry,
		NativeTools: nativeTools,
		Logger:      logger,
	})
	coordinator := turn.NewCoordinator(turn.CoordinatorOptions{
		Config:   mgr,
		Pipeline: pipeline,
		Sessions: sessionStore,
		Channels: registry,
		Commands: commands.NewRegistry(sessionStore, tracker, skillSvc, logger),
		Gates:    gates,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registry.StartAll(ctx); err != nil {
		return startupError(fmt.Errorf("start channels: %w", err))
	}
	logger.Info("channels started", "count", len(registry.All()))

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go pool.Run(workerCtx)
	go tracker.Run(workerCtx)
	go func() {
		if err := mgr.Watch(workerCtx); err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
	}()

	turnsDone := make(chan struct{})
	go func() {
		coordinator.Run(workerCtx)
		close(turnsDone)
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Channels first so no new events arrive.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), channelStopTimeout)
	defer cancelStop()
	if err := registry.StopAll(stopCtx); err != nil {
		logger.Warn("channel shutdown incomplete", "error", err)
	}

	// Then the workers; in-flight turns observe the cancellation and record
	// terminated turns.
	cancelWorkers()
	select {
	case <-turnsDone:
	case <-time.After(turnDrainTimeout):
		logger.Warn("turns did not drain before the timeout")
	}

	pool.StopAll()
	tracker.Evict(stopCtx)
	logger.Info("shutdown complete")
	return nil
}

// buildLLM picks the configured provider. Every provider speaks the
// OpenAI-compatible API; the base URL points the client at the right service.
func buildLLM(snap *config.Snapshot) (ports.LLM, error) {
	if len(snap.Providers) == 0 {
		return nil, configError(errors.New("no llm providers configured"))
	}
	names := make([]string, 0, len(snap.Providers))
	for name := range snap.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pc := snap.Providers[name]
		if !pc.APIKey.Present() {
			continue
		}
		return openaiprovider.New(openaiprovider.Options{
			Name:    name,
			APIKey:  pc.APIKey.Reveal(),
			BaseURL: pc.BaseURL,
		}), nil
	}
	return nil, configError(errors.New("no llm provider has an api key"))
}

func webhookMappings(snap *config.Snapshot) map[string]webhook.Mapping {
	out := make(map[string]webhook.Mapping, len(snap.Webhooks))
	for name, m := range snap.Webhooks {
		out[name] = webhook.Mapping{
			Secret:   m.Secret.Reveal(),
			Template: m.Template,
			ChatID:   m.ChatID,
		}
	}
	return out
}
