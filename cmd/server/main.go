package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/OpenElevo/ElevoSandbox/internal/agentapi"
	"github.com/OpenElevo/ElevoSandbox/internal/config"
	"github.com/OpenElevo/ElevoSandbox/internal/container/docker"
	"github.com/OpenElevo/ElevoSandbox/internal/database"
	"github.com/OpenElevo/ElevoSandbox/internal/handler"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
	"github.com/OpenElevo/ElevoSandbox/internal/nfs"
	"github.com/OpenElevo/ElevoSandbox/internal/service"
	"github.com/OpenElevo/ElevoSandbox/internal/store"
	"github.com/OpenElevo/ElevoSandbox/internal/version"
)

// shutdownGrace bounds how long in-flight requests may settle once a
// termination signal arrives.
const shutdownGrace = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Close() }()

	log.Info("starting elevo server", "version", version.Get())

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(); err != nil {
		log.Fatal("failed to run migrations", "error", err)
	}

	s := store.New(db.DB)

	runtime, err := docker.NewProvider(cfg.DockerHost, log)
	if err != nil {
		log.Fatal("failed to initialize docker runtime", "error", err)
	}
	defer func() { _ = runtime.Close() }()
	log.Info("docker runtime initialized", "image", cfg.BaseImage)

	if err := os.MkdirAll(cfg.WorkspaceDir, 0755); err != nil {
		log.Fatal("failed to create workspace root", "dir", cfg.WorkspaceDir, "error", err)
	}

	exporter := nfs.NewLocalExporter(cfg.NFSHost, cfg.NFSPort, cfg.WorkspaceDir, log)

	matcher := agentapi.NewMatcher(log)
	registry := agentapi.NewRegistry(matcher, log)
	ptyBroker := agentapi.NewPtyBroker(log)

	workspaceSvc := service.NewWorkspaceService(s, exporter, cfg.WorkspaceDir, log)
	sandboxSvc := service.NewSandboxService(s, runtime, registry, workspaceSvc, cfg, log)
	processSvc := service.NewProcessService(s, registry, matcher, log)
	ptySvc := service.NewPtyService(s, registry, matcher, log)

	h := handler.New(s, registry, matcher, ptyBroker, sandboxSvc, workspaceSvc, processSvc, ptySvc, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sandboxSvc.RunExpirySweep(ctx, cfg.ExpiryInterval)

	// Surface agents that stopped heartbeating; the connection itself is
	// torn down by the stream's read loop, this is observability only.
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatMaxIdle)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range registry.Stale(cfg.HeartbeatMaxIdle) {
					log.Warn("agent heartbeat stale", "sandbox_id", id)
				}
			}
		}
	}()

	apiServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Handler: h.Routes(cfg.CORSOrigins),
	}
	agentServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.AgentPort),
		Handler: h.AgentRoutes(),
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http api listening", "addr", apiServer.Addr)
		errCh <- apiServer.ListenAndServe()
	}()
	go func() {
		log.Info("agent stream listening", "addr", agentServer.Addr)
		errCh <- agentServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
		}
	}

	// Stop accepting new connections, let in-flight settle, then abort.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("api server shutdown incomplete", "error", err)
	}
	if err := agentServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("agent server shutdown incomplete", "error", err)
	}

	log.Info("server stopped")
}
