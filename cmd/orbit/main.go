// ABOUTME: Entry point for the orbit-backend agent orchestration server
// ABOUTME: Subcommands to serve, write a starter config, mint dev tokens and probe health

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/robertvill8/orbit-backend/internal/auth"
	"github.com/robertvill8/orbit-backend/internal/config"
	"github.com/robertvill8/orbit-backend/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
            _     _ _
  ___  _ __| |__ (_) |_
 / _ \| '__| '_ \| | __|
| (_) | |  | |_) | | |_
 \___/|_|  |_.__/|_|\__|
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the config file.
// Priority: ORBIT_CONFIG env var > XDG_CONFIG_HOME/orbit/config.yaml > ~/.config/orbit/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ORBIT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "orbit", "config.yaml")
}

// getDataPath returns the orbit data directory.
// Priority: XDG_DATA_HOME/orbit > ~/.local/share/orbit
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "orbit")
}

// loadDotEnv reads .env from the working directory when present.
func loadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: orbit <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Start the server")
	fmt.Fprintln(w, "  init                        Write a starter config with a random JWT secret")
	fmt.Fprintln(w, "  token <user-id> [--ttl D]   Mint a bearer token for a user")
	fmt.Fprintln(w, "  health                      Check server liveness")
	fmt.Fprintln(w, "  ready                       Check server readiness")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	if err := loadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(getConfigPath(), getDataPath(), os.Stdout)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "help", "-h", "--help":
		usage(os.Stdout)
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
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("LLM:       %s ", cfg.LLM.Provider)
	gray.Println(cfg.LLM.Model)
	green.Print("    ▶ ")
	fmt.Printf("Workflows: %s\n", cfg.Workflows.BaseURL)
	if cfg.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     %s\n", cfg.Redis.Addr)
	}
	if cfg.AMQP.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("AMQP:      %s\n", cfg.AMQP.Exchange)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Printf("Auth:      disabled (trusting %s)\n", auth.UserIDHeader)
	}
	fmt.Println()

	logger.Info("starting orbit-backend",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runToken mints a bearer token signed with auth.jwt_secret.
// Supports both "--ttl value" and "--ttl=value".
func runToken(args []string, out io.Writer) error {
	userID, ttl, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}

func parseTokenArgs(args []string) (string, time.Duration, error) {
	var userID, rawTTL string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--ttl":
			if i+1 >= len(args) {
				return "", 0, errors.New("--ttl requires a value")
			}
			rawTTL = args[i+1]
			i++
		case strings.HasPrefix(arg, "--ttl="):
			rawTTL = strings.TrimPrefix(arg, "--ttl=")
		case strings.HasPrefix(arg, "-"):
			return "", 0, fmt.Errorf("unknown flag: %s", arg)
		case userID != "":
			return "", 0, fmt.Errorf("unexpected argument: %s", arg)
		default:
			userID = strings.TrimSpace(arg)
		}
	}

	if userID == "" {
		return "", 0, errors.New("usage: orbit token <user-id> [--ttl 720h]")
	}

	ttl := defaultTokenTTL
	if rawTTL != "" {
		d, err := time.ParseDuration(rawTTL)
		if err != nil || d <= 0 {
			return "", 0, fmt.Errorf("invalid --ttl %q", rawTTL)
		}
		ttl = d
	}
	return userID, ttl, nil
}

// runInit writes a starter config. An existing file is never overwritten.
func runInit(configPath, dataPath string, out io.Writer) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "orbit.db")
	if err := os.WriteFile(configPath, []byte(starterConfig(dbPath, jwtSecret)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Fprintf(out, "  ✓ Created config: %s\n", configPath)
	green.Fprintf(out, "  ✓ Database:       %s\n", dbPath)
	fmt.Fprintln(out)
	yellow.Fprintln(out, "  Next:")
	fmt.Fprintln(out, "    export ANTHROPIC_API_KEY=...   # referenced from the config")
	fmt.Fprintln(out, "    orbit token <user-id>          # mint a bearer token")
	fmt.Fprintln(out, "    orbit serve                    # start the server")
	return nil
}

func starterConfig(dbPath, jwtSecret string) string {
	return fmt.Sprintf(`# orbit-backend configuration
# Generated by orbit init

server:
  http_addr: "127.0.0.1:8080"

database:
  path: %q

auth:
  jwt_secret: %q

llm:
  provider: "anthropic"
  api_key: "${ANTHROPIC_API_KEY}"
  timeout: "60s"

orchestrator:
  history_window: 20
  max_rounds: 5
  lock_timeout: "30s"

workflows:
  base_url: "${N8N_BASE_URL}"
  api_key: "${N8N_API_KEY}"
  max_retries: 3
  timeout: "30s"

rate_limit:
  enabled: true
  requests_per_minute: 100
  burst: 20

retention:
  enabled: true
  schedule: "0 3 * * *"
  max_age: "720h"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)
}

// runProbe requests a health endpoint on the configured address.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
