package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailfleet/mailfleet/internal/app"
	"github.com/mailfleet/mailfleet/internal/config"
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
	Use:   "mailfleet",
	Short: "Mailfleet - multi-account outbound email dispatch",
	Long:  `Mailfleet dispatches outreach email across a pool of sender accounts with daily quotas and an at-most-once delivery ledger.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch engine",
	Long:  `Run the dispatch engine with the scheduler, feedback monitor, control API and metrics.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailfleet version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, cfgFile, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Accounts: %d\n", len(cfg.Accounts))
	fmt.Printf("  Storage: %s\n", cfg.ResolvePath(cfg.Storage.Path))
	if cfg.Control.Enabled {
		fmt.Printf("  Control API: %s\n", cfg.Control.ListenAddr)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s\n", cfg.Metrics.ListenAddr)
	}
	if cfg.Auto.Enabled {
		fmt.Printf("  Auto-send: daily at %s (%s)\n", cfg.Auto.Time, cfg.Auto.Timezone)
	}

	return nil
}
