package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moonmehedi/subchat/pkg/logging"
	"github.com/moonmehedi/subchat/services/orchestrator"
	"github.com/moonmehedi/subchat/services/orchestrator/config"
)

// runServe starts the orchestrator and blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) {
	settings, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if servePort != 0 {
		settings.Port = servePort
	}

	level, err := logging.ParseLevel(settings.LogLevel)
	if err != nil {
		log.Printf("Warning: %v, using info", err)
	}
	logging.Install(logging.Config{Level: level, Service: "subchat-orchestrator"})

	svc, err := orchestrator.New(settings, configFile)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
	slog.Info("Orchestrator stopped")
}

// version is stamped by the release build via -ldflags.
var version = "dev"

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("subchat %s\n", version)
}
