// ABOUTME: Entry point for relay-gateway, the chat network to dashboard relay
// ABOUTME: Provides serve, health, token, keygen and seal commands

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/accounts"
	"github.com/2389/relay-gateway/internal/api"
	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
          _
 _ __ ___| | __ _ _   _
| '__/ _ \ |/ _' | | | |
| | |  __/ | (_| | |_| |
|_|  \___|_|\__,_|\__, |
                  |___/
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

func usage() {
	fmt.Println("Usage: relay-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  health                         Check gateway health")
	fmt.Println("  token --subject NAME [--ttl D] Issue a dashboard API token")
	fmt.Println("  keygen                         Generate an account sealing key")
	fmt.Println("  seal                           Seal a session token read from stdin")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "keygen":
		err = runKeygen(os.Stdout)
	case "seal":
		err = runSeal(os.Stdin, os.Stdout)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Accounts:  %s", cfg.Accounts.Source)
	if cfg.Accounts.SealingKey != "" {
		gray.Print(" (sealed)")
	}
	fmt.Println()
	if cfg.Export.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Export:    ")
		cyan.Println(cfg.Export.Exchange)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API authentication disabled")
	}
	fmt.Println()

	logger.Info("starting relay-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"accounts_source", cfg.Accounts.Source,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/api/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Printf("status:   %s\n", health.Status)
	fmt.Printf("database: %s\n", health.Database)
	fmt.Printf("accounts: %d connected %v\n", health.ConnectedClients, health.Accounts)
	fmt.Printf("viewers:  %d\n", health.Viewers)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// runToken issues a dashboard token signed with auth.jwt_secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "operator name recorded in the token")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name := strings.TrimSpace(*subject)
	if name == "" {
		return errors.New("--subject is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func runKeygen(out io.Writer) error {
	key, err := accounts.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	fmt.Fprintln(out, key)
	return nil
}

// runSeal reads one session token per line and prints each sealed with
// accounts.sealing_key, ready to paste into the accounts file.
func runSeal(in io.Reader, out io.Writer) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Accounts.SealingKey == "" {
		return errors.New("accounts.sealing_key is not configured")
	}
	sealer, err := accounts.NewSealerFromBase64(cfg.Accounts.SealingKey)
	if err != nil {
		return err
	}
	return sealLines(sealer, in, out)
}

func sealLines(sealer *accounts.Sealer, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			continue
		}
		sealed, err := sealer.Seal(token)
		if err != nil {
			return fmt.Errorf("sealing token: %w", err)
		}
		fmt.Fprintln(out, sealed)
	}
	return scanner.Err()
}
