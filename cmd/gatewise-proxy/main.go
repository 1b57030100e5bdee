// ABOUTME: Entry point for the gatewise edge proxy.
// ABOUTME: Terminates browser HTTP and tunnels device traffic through the relay.

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

	"github.com/gatewise/gatewise/internal/config"
	"github.com/gatewise/gatewise/internal/logging"
	"github.com/gatewise/gatewise/internal/proxy"
	"github.com/gatewise/gatewise/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _                  _
  __ _  __ _| |_ _____      __ (_)___  ___
 / _' |/ _' | __/ _ \ \ /\ / / | / __|/ _ \
| (_| | (_| | ||  __/\ V  V /  | \__ \  __/
 \__, |\__,_|\__\___| \_/\_/   |_|___/\___|   proxy
 |___/
`

func configPath() string {
	if envPath := os.Getenv("GATEWISE_CONFIG"); envPath != "" {
		return envPath
	}
	return "proxy.yaml"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: gatewise-proxy <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                                Start the edge proxy")
		fmt.Println("  add-session --tenant T --device D    Create a proxy session")
		fmt.Println("  health                               Check proxy health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "add-session":
		err = runAddSession(ctx, os.Args[2:])
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

	cfg, err := config.LoadProxy(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Relay:     %s\n", cfg.Relay.URL)
	if cfg.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Sessions:  ")
		yellow.Printf("redis %s\n", cfg.Redis.Addr)
	}
	fmt.Println()

	logger.Info("starting gatewise-proxy",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
		"relay_url", cfg.Relay.URL,
	)

	sessions, devices, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	bridge := proxy.NewBridge(cfg.Relay, logger)
	if err := bridge.Start(ctx); err != nil {
		// First dial failed; the bridge keeps retrying in the background,
		// so the front door still comes up and fails requests fast.
		logger.Warn("initial relay connection failed", "error", err)
	}

	srv := proxy.NewServer(cfg, bridge, sessions, devices, logger)
	return srv.Run(ctx)
}

// openStores wires the session store (Redis when enabled, SQLite otherwise)
// and the device store, which always lives in SQLite.
func openStores(ctx context.Context, cfg *config.Proxy) (store.SessionStore, store.DeviceStore, func(), error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening store: %w", err)
	}

	if !cfg.Redis.Enabled {
		return st, st, func() { st.Close() }, nil
	}

	rs, err := store.NewRedisSessionStore(ctx, cfg.Redis.Addr, cfg.Redis.Username, cfg.Redis.Password)
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	cleanup := func() {
		rs.Close()
		st.Close()
	}
	return rs, st, cleanup, nil
}

func runAddSession(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-session", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	device := fs.String("device", "", "device id to proxy")
	target := fs.String("target", "", "explicit target base URL (overrides device config)")
	ttl := fs.Duration("ttl", time.Hour, "session lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenant == "" || *device == "" {
		return fmt.Errorf("--tenant and --device are required")
	}

	cfg, err := config.LoadProxy(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sessions, _, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	sess := &store.Session{
		ID:             uuid.New().String(),
		TenantID:       *tenant,
		DeviceID:       *device,
		TargetOverride: *target,
		Status:         store.SessionStatusActive,
		ExpiresAt:      time.Now().Add(*ttl),
		CreatedAt:      time.Now(),
	}
	if err := sessions.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	fmt.Printf("Session ID: %s\n", sess.ID)
	fmt.Printf("URL path:   /remote/s/%s/\n", sess.ID)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.LoadProxy(configPath())
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
