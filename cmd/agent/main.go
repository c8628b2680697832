// The agent runs inside each sandbox container. It dials the server's
// stream endpoint, executes commands, and manages the sandbox's PTYs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/OpenElevo/ElevoSandbox/internal/agent"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
	"github.com/OpenElevo/ElevoSandbox/internal/version"
)

func main() {
	_ = godotenv.Load()

	cfg, err := agent.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "elevo-agent: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	defer func() { _ = log.Close() }()

	log.Info("starting elevo agent",
		"version", version.Get(),
		"sandbox_id", cfg.SandboxID,
		"server", cfg.ServerAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := agent.NewRunner(cfg, log)
	if err := runner.Run(ctx); err != nil {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}
