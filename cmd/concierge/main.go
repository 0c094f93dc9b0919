// ABOUTME: Entry point for the concierge WhatsApp conversation service
// ABOUTME: Provides serve, health, and check-config commands

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/concierge/internal/app"
	"github.com/2389/concierge/internal/config"
)

// Version is set at build time.
var version = "dev"

const banner = `
                           _
  ___ ___  _ __   ___ (_) ___ _ __ __ _  ___
 / __/ _ \| '_ \ / __|| |/ _ \ '__/ _' |/ _ \
| (_| (_) | | | | (__ | |  __/ | | (_| |  __/
 \___\___/|_| |_|\___||_|\___|_|  \__, |\___|
                                  |___/
`

// getConfigPath returns the path to the config file.
// Priority: CONCIERGE_CONFIG env var > XDG_CONFIG_HOME/concierge/config.yaml > ~/.config/concierge/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONCIERGE_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "concierge", "config.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "concierge",
		Short:         "WhatsApp conversation orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", getConfigPath(), "Config file path (YAML, or TOML by extension)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newCheckConfigCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and health servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	ctx := cmd.Context()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(cmd)
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
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("Stores:    idempotency=%s lock=%s session=%s\n",
		cfg.Idempotency.Backend, cfg.Lock.Backend, cfg.Session.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Reasoner:  %s", cfg.Reasoner.Provider)
	if cfg.Reasoner.Model != "" {
		gray.Printf(" (%s)", cfg.Reasoner.Model)
	}
	fmt.Println()
	if cfg.Idempotency.OnUnavailable == "fail_open" {
		yellow.Println("    ! idempotency store outages fail open: duplicates possible")
	}
	if cfg.Webhook.Secret == "" {
		yellow.Println("    ! webhook signature verification disabled")
	}
	fmt.Println()

	logger.Info("starting concierge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building service: %w", err)
	}
	return a.Run(ctx)
}

func newHealthCmd() *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), cfg.Server.HTTPAddr, ready)
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "Query /health/ready and print the dependency report")
	return cmd
}

func runHealth(ctx context.Context, out io.Writer, addr string, ready bool) error {
	path := "/health"
	if ready {
		path = "/health/ready"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if ready {
		fmt.Fprintln(out, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Fprintln(out, "healthy")
	return nil
}

func newCheckConfigCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and optionally probe the stores",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", path)
			if !probe {
				return nil
			}
			return runProbe(cmd.Context(), out, cfg)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Connect to the configured stores and report their health")
	return cmd
}

func runProbe(ctx context.Context, out io.Writer, cfg *config.Config) error {
	a, err := app.New(ctx, cfg, setupLogger(config.LoggingConfig{Level: "error", Format: "text"}))
	if err != nil {
		return fmt.Errorf("building service: %w", err)
	}
	defer a.Close()

	report := a.Probe(ctx)
	names := make([]string, 0, len(report.Stores))
	for name := range report.Stores {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		status := report.Stores[name]
		if status == "ok" {
			fmt.Fprintf(out, "  %s %-12s %s\n", color.GreenString("✓"), name, status)
		} else {
			fmt.Fprintf(out, "  %s %-12s %s\n", color.RedString("✗"), name, status)
		}
	}
	if !report.Ready() {
		return fmt.Errorf("one or more stores are unreachable")
	}
	return nil
}
