package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/hooks"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store/file"
	"github.com/nextlevelbuilder/clawgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawgate/internal/telemetry"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.TelemetrySnapshot())
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without export", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(flushCtx)
	}()

	storage := cfg.StoragePath()
	transcripts, err := file.NewTranscriptStore(storage)
	if err != nil {
		slog.Error("failed to open transcript store", "path", storage, "error", err)
		os.Exit(1)
	}
	index, err := sqlite.NewIndexStore(filepath.Join(storage, "index.db"))
	if err != nil {
		slog.Error("failed to open session index", "error", err)
		os.Exit(1)
	}
	defer index.Close()

	sessMgr := sessions.NewManager(cfg, transcripts, index)
	msgBus := bus.New()

	agents := agent.NewRegistry()
	for _, a := range cfg.AgentsSnapshot() {
		if len(a.Command) > 0 {
			agents.Register(a.ID, agent.NewCommandExecutor(a.Command))
			slog.Info("agent registered", "id", a.ID, "command", a.Command[0])
		}
	}
	if agents.DefaultID() == "" {
		slog.Warn("no agent commands configured; runs will fail until an executor is registered")
	}

	sched := scheduler.NewScheduler(cfg, makeRunFunc(agents, sessMgr))
	defer sched.Stop()

	resolver := routing.NewResolver(cfg)

	channelMgr := channels.NewManager(msgBus, cfg)
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		channelMgr.StopAll(stopCtx)
	}()

	cronSvc := cron.NewService(cfg, sched, msgBus)

	mux := http.NewServeMux()
	hooks.NewHandler(cfg, sched, msgBus).RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, Version)
	})

	addr := cfg.ListenAddr()
	httpServer := &http.Server{Addr: addr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		consumeInbound(gctx, msgBus, cfg, resolver, sessMgr, sched)
		return nil
	})

	g.Go(func() error {
		return cronSvc.Run(gctx)
	})

	g.Go(func() error {
		return config.Watch(gctx, cfgPath, cfg, nil)
	})

	g.Go(func() error {
		slog.Info("gateway listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway stopped with error", "error", err)
		return
	}
	slog.Info("gateway stopped")
}
