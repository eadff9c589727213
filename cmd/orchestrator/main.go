// Package main is the entry point for the herd orchestrator daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/api"
	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/common/tracing"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/events/bus"
	gw "github.com/herdctl/herdctl/internal/gateway/websocket"
	"github.com/herdctl/herdctl/internal/lifecycle"
	"github.com/herdctl/herdctl/internal/notify"
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/plugins"
	"github.com/herdctl/herdctl/internal/session/service"
	"github.com/herdctl/herdctl/internal/session/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	dataDir, err := cfg.ExpandedDataDir()
	if err != nil {
		log.Fatal("failed to resolve data dir", zap.Error(err))
	}
	st, err := store.New(dataDir, log)
	if err != nil {
		log.Fatal("failed to open session store", zap.Error(err))
	}
	eventLog, err := store.OpenEventLog(dataDir, log, eventBus)
	if err != nil {
		log.Fatal("failed to open event log", zap.Error(err))
	}
	defer eventLog.Close()

	registry := plugin.NewRegistry(log)
	registry.LoadBuiltins(plugins.Builtins())
	if err := registry.LoadFromConfig(cfg, plugins.Builtins()); err != nil {
		log.Fatal("plugin configuration invalid", zap.Error(err))
	}

	sessions := service.New(cfg, st, eventLog, registry, log)
	manager := lifecycle.NewManager(cfg, st, eventLog, registry, sessions, log)

	router := notify.NewRouter(cfg, registry, eventLog, log)
	if err := router.Start(ctx, eventBus); err != nil {
		log.Fatal("failed to start notification router", zap.Error(err))
	}

	hub := gw.NewHub(eventBus, log)
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error("event feed hub failed", zap.Error(err))
		}
	}()

	manager.Start(ctx)

	server := api.NewServer(&cfg.Server, sessions, eventLog, registry, gw.NewHandler(hub, log), log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	if err := eventLog.Emit(ctx, events.New(events.OrchestratorStarted, events.PriorityInfo,
		"orchestrator started")); err != nil {
		log.Warn("failed to record start event", zap.Error(err))
	}

	// SIGHUP reloads project and notifier configuration in place; SIGINT
	// and SIGTERM shut down.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range signals {
		if sig == syscall.SIGHUP {
			reloadConfig(cfg, *configPath, registry, log)
			continue
		}
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		break
	}

	if err := eventLog.Emit(context.Background(), events.New(events.OrchestratorStopped, events.PriorityInfo,
		"orchestrator stopping")); err != nil {
		log.Warn("failed to record stop event", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	manager.Stop()
	router.Stop()
	cancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
	log.Info("orchestrator stopped")
}

// reloadConfig rereads the config file and applies the sections that are
// safe to swap at runtime: projects, reactions, routing, and notifier
// instances. Server, store, and bus settings need a restart.
func reloadConfig(live *config.Config, configPath string, registry *plugin.Registry, log *logger.Logger) {
	fresh, err := config.LoadWithPath(configPath)
	if err != nil {
		log.Error("config reload failed, keeping previous configuration", zap.Error(err))
		return
	}
	if err := registry.LoadFromConfig(fresh, plugins.Builtins()); err != nil {
		log.Error("config reload failed, keeping previous configuration", zap.Error(err))
		return
	}

	// Swap under the config lock; lifecycle workers, the notification
	// router, and API handlers read these sections concurrently.
	live.ApplyDynamic(fresh)
	log.Info("configuration reloaded", zap.Int("projects", len(fresh.Projects)))
}
