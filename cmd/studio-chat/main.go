// ABOUTME: Entry point for the studio-chat conversation server
// ABOUTME: Subcommands to serve, check health and readiness, and mint participant tokens

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/studio-chat/internal/auth"
	"github.com/2389/studio-chat/internal/config"
	"github.com/2389/studio-chat/internal/gateway"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const banner = `
     _             _ _                  _           _
 ___| |_ _   _  __| (_) ___         ___| |__   __ _| |_
/ __| __| | | |/ _' | |/ _ \ _____ / __| '_ \ / _' | __|
\__ \ |_| |_| | (_| | | (_) |_____| (__| | | | (_| | |_
|___/\__|\__,_|\__,_|_|\___/       \___|_| |_|\__,_|\__|
`

const defaultTokenTTL = 30 * 24 * time.Hour

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: studio-chat <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                          Start the chat server")
	fmt.Fprintln(w, "  health                         Check server liveness")
	fmt.Fprintln(w, "  ready                          Check server readiness and session count")
	fmt.Fprintln(w, "  token --participant ID [--ttl] Mint a participant access token")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Config is read from %s (override with -config or $%s).\n", config.DefaultPath(), config.EnvConfigPath)
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	// .env values never override the real environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: loading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "health":
		err = runHealthCheck(ctx, args, "/health")
	case "ready":
		err = runHealthCheck(ctx, args, "/health/ready")
	case "token":
		err = runToken(args, os.Stdout)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses the shared -config flag and loads the file it names
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	configPath := fs.String("config", config.DefaultPath(), "path to the config file")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if fs.NArg() > 0 {
		return nil, "", fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, *configPath, nil
}

func runServe(ctx context.Context, args []string) error {
	cfg, configPath, err := loadConfig(flag.NewFlagSet("serve", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Auth:      ")
	if cfg.Auth.Disabled {
		yellow.Printf("disabled (trusting %s)\n", auth.ParticipantHeader)
	} else {
		fmt.Println("bearer token")
	}
	if cfg.Booking.BaseURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Bookings:  %s\n", cfg.Booking.BaseURL)
	}
	fmt.Println()

	logger.Info("starting studio-chat",
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

// runHealthCheck requests a health path on the configured server and prints the body
func runHealthCheck(ctx context.Context, args []string, path string) error {
	cfg, _, err := loadConfig(flag.NewFlagSet(strings.TrimPrefix(path, "/"), flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(string(body))
	return nil
}

// tokenArgs are the parsed flags of the token command
type tokenArgs struct {
	configPath  string
	participant string
	ttl         time.Duration
}

func parseTokenArgs(args []string) (tokenArgs, error) {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var ta tokenArgs
	fs.StringVar(&ta.configPath, "config", config.DefaultPath(), "path to the config file")
	fs.StringVar(&ta.participant, "participant", "", "participant id the token identifies")
	fs.DurationVar(&ta.ttl, "ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return tokenArgs{}, err
	}
	if fs.NArg() > 0 {
		return tokenArgs{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	ta.participant = strings.TrimSpace(ta.participant)
	if ta.participant == "" {
		return tokenArgs{}, errors.New("--participant is required")
	}
	if ta.ttl <= 0 {
		return tokenArgs{}, errors.New("--ttl must be positive")
	}
	return ta, nil
}

// runToken mints a bearer token signed with the configured secret
func runToken(args []string, out io.Writer) error {
	ta, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(ta.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.Disabled {
		return fmt.Errorf("auth is disabled in %s; tokens would be ignored", ta.configPath)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	token, err := verifier.Generate(ta.participant, ta.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}
