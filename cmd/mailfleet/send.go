package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailfleet/mailfleet/internal/app"
)

var (
	sendCSV   string
	sendLimit int
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Run one manual dispatch and exit",
	Long:  `Load recipients, filter them against the ledger and lists, and dispatch across all available accounts using the shared-pool policy.`,
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendCSV, "csv", "", "recipients CSV (default from config)")
	sendCmd.Flags().IntVar(&sendLimit, "limit", 0, "cap on recipients this run, 0 = no cap")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, cfgFile, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Shutdown(context.Background())

	summary, err := application.RunOnce(cmd.Context(), sendCSV, sendLimit)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s finished in %s\n", summary.RunID, summary.Finished.Sub(summary.Started).Round(time.Second))
	fmt.Printf("  Eligible: %d\n", summary.Eligible)
	fmt.Printf("  Sent:     %d\n", summary.Sent)
	fmt.Printf("  Skipped:  %d\n", summary.Skipped)
	fmt.Printf("  Failed:   %d\n", summary.Failed)
	for id, st := range summary.PerIdentity {
		fmt.Printf("  %-16s sent=%d failed=%d\n", id, st.Sent, st.Failed)
	}
	if len(summary.SuspendedIdentities) > 0 {
		fmt.Printf("  Suspended: %v\n", summary.SuspendedIdentities)
	}

	return nil
}
