// ABOUTME: Entry point for the gatewise on-premise connector.
// ABOUTME: Holds the outbound relay connection and reaches LAN devices.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/gatewise/gatewise/internal/config"
	"github.com/gatewise/gatewise/internal/connector"
	"github.com/gatewise/gatewise/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _                  _
  __ _  __ _| |_ _____      __ (_)___  ___
 / _' |/ _' | __/ _ \ \ /\ / / | / __|/ _ \
| (_| | (_| | ||  __/\ V  V /  | \__ \  __/
 \__, |\__,_|\__\___| \_/\_/   |_|___/\___|   connector
 |___/
`

func configPath() string {
	if envPath := os.Getenv("GATEWISE_CONFIG"); envPath != "" {
		return envPath
	}
	return "connector.yaml"
}

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		fmt.Println("Usage: gatewise-connector run")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	path := configPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadConnector(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Relay:  %s\n", cfg.Relay.URL)
	fmt.Println()

	logger.Info("starting gatewise-connector", "config", path, "relay_url", cfg.Relay.URL)

	agent := connector.NewAgent(cfg.Relay, logger)
	return agent.Run(ctx)
}
