package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/courier/internal/app"
	"github.com/foxzi/courier/internal/config"
	"github.com/foxzi/courier/internal/queue"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - email delivery workers",
	Long: `Courier delivers queued emails through SMTP relay servers.

Workers claim emails from a shared store, send them recipient by recipient
and retry failures until the try limit is reached.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delivery workers",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("courier version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: environment only)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStorage opens the configured store for the management commands
func openStorage() (queue.Storage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	return storage, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Storage:       %s (%s)\n", cfg.Storage.Path, cfg.Storage.Driver)
	fmt.Printf("  Workers:       %d\n", cfg.Pool.Workers)
	fmt.Printf("  Poll interval: %s\n", cfg.Pool.PollInterval)
	fmt.Printf("  Claim timeout: %s\n", cfg.Pool.ClaimTimeout)
	fmt.Printf("  Max tries:     %d\n", cfg.Pool.MaxTries)
	fmt.Printf("  Relay servers: %d\n", len(cfg.Relay.Servers))
	if cfg.Relay.DKIM.Enabled {
		fmt.Printf("  DKIM:          %s (selector %s)\n", cfg.Relay.DKIM.Domain, cfg.Relay.DKIM.Selector)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:       %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}
