// Command bridge is the in-sandbox process mediating between the coding
// agent CLI and the control plane. One instance runs per sandbox, launched
// by the provider adapter when the sandbox starts.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/bridgeserver"
	"github.com/sandboxctl/backend/internal/logger"
)

func main() {
	port := flag.Int("port", 8765, "port the bridge listens on")
	projectDir := flag.String("project-dir", "", "absolute path of the project working directory")
	agentCmd := flag.String("agent-cmd", os.Getenv("SANDBOX_AGENT_CMD"), "agent CLI binary (default: claude)")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		os.Exit(1)
	}

	dir := *projectDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal("cannot determine home directory", zap.Error(err))
		}
		dir = filepath.Join(home, "project")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatal("cannot create project directory", zap.String("dir", dir), zap.Error(err))
	}

	srv := bridgeserver.New(bridgeserver.Config{
		Port:       *port,
		ProjectDir: dir,
		AgentCmd:   *agentCmd,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatal("bridge server failed", zap.Error(err))
	}
}
