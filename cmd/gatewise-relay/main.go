// ABOUTME: Entry point for the gatewise relay router.
// ABOUTME: Authenticates connector agents and edge proxies and multiplexes traffic.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/gatewise/gatewise/internal/auth"
	"github.com/gatewise/gatewise/internal/config"
	"github.com/gatewise/gatewise/internal/logging"
	"github.com/gatewise/gatewise/internal/relay"
	"github.com/gatewise/gatewise/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _                  _
  __ _  __ _| |_ _____      __ (_)___  ___
 / _' |/ _' | __/ _ \ \ /\ / / | / __|/ _ \
| (_| | (_| | ||  __/\ V  V /  | \__ \  __/
 \__, |\__,_|\__\___| \_/\_/   |_|___/\___|   relay
 |___/
`

func configPath() string {
	if envPath := os.Getenv("GATEWISE_CONFIG"); envPath != "" {
		return envPath
	}
	return "relay.yaml"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: gatewise-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                              Start the relay router")
		fmt.Println("  add-connector --tenant T --name N  Register a connector and mint its token")
		fmt.Println("  add-device --tenant T --name N --host H  Register a device")
		fmt.Println("  health                             Check relay health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "add-connector":
		err = runAddConnector(ctx, os.Args[2:])
	case "add-device":
		err = runAddDevice(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	path := configPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadRelay(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting gatewise-relay",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	srv, err := relay.NewServer(cfg, st, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	return srv.Run(ctx)
}

func runAddConnector(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-connector", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id the connector serves")
	name := fs.String("name", "", "human-readable connector name")
	owner := fs.String("owner", "", "owner principal id (optional)")
	ttl := fs.Duration("ttl", 365*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenant == "" || *name == "" {
		return fmt.Errorf("--tenant and --name are required")
	}

	cfg, err := config.LoadRelay(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	rec := &store.Connector{
		ID:       uuid.New().String(),
		TenantID: *tenant,
		OwnerID:  *owner,
		Name:     *name,
	}
	if err := st.CreateConnector(ctx, rec); err != nil {
		return fmt.Errorf("creating connector: %w", err)
	}

	verifier, err := auth.NewVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.GenerateAgentToken(rec.ID, rec.TenantID, rec.OwnerID, *ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	fmt.Printf("Connector ID: %s\n", rec.ID)
	fmt.Printf("Token:        %s\n", token)
	return nil
}

func runAddDevice(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-device", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id that owns the device")
	name := fs.String("name", "", "human-readable device name")
	host := fs.String("host", "", "primary host, e.g. 192.168.1.50")
	addr := fs.String("address", "", "registered device address (fallback)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenant == "" || *name == "" {
		return fmt.Errorf("--tenant and --name are required")
	}

	cfg, err := config.LoadRelay(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	dev := &store.Device{
		ID:          uuid.New().String(),
		TenantID:    *tenant,
		Name:        *name,
		PrimaryHost: *host,
		Address:     *addr,
	}
	if err := st.CreateDevice(ctx, dev); err != nil {
		return fmt.Errorf("creating device: %w", err)
	}

	fmt.Printf("Device ID: %s\n", dev.ID)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.LoadRelay(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
