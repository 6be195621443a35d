package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailfleet/mailfleet/internal/ledger"
	"github.com/mailfleet/mailfleet/internal/mailaddr"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the delivery ledger",
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger totals and today's per-account counts",
	RunE:  runLedgerStats,
}

var ledgerLookupCmd = &cobra.Command{
	Use:   "lookup <address>",
	Short: "Show the ledger entry for one address",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerLookup,
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump all ledger entries as JSON lines to stdout",
	RunE:  runLedgerExport,
}

func init() {
	ledgerCmd.AddCommand(ledgerStatsCmd, ledgerLookupCmd, ledgerExportCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func openStore() (*ledger.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(cfg.ResolvePath(cfg.Storage.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return store, nil
}

func runLedgerStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}

	day := ledger.Day(time.Now())
	today, err := store.DayTotals(day)
	if err != nil {
		return err
	}

	fmt.Printf("Recipients: %d\n", stats.Recipients)
	fmt.Printf("Total sends: %d\n", stats.TotalSends)
	fmt.Printf("Today (%s):\n", day)
	if len(today) == 0 {
		fmt.Println("  no sends yet")
	}
	for id, count := range today {
		fmt.Printf("  %-16s %d\n", id, count)
	}

	return nil
}

func runLedgerLookup(cmd *cobra.Command, args []string) error {
	addr := mailaddr.Normalize(args[0])
	if !mailaddr.Valid(addr) {
		return fmt.Errorf("invalid email address: %s", args[0])
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := store.Entry(addr)
	if err != nil {
		return err
	}
	if entry == nil {
		fmt.Printf("%s: not in ledger\n", addr)
		return nil
	}

	fmt.Printf("Address:    %s\n", entry.Address)
	if entry.Name != "" {
		fmt.Printf("Name:       %s\n", entry.Name)
	}
	fmt.Printf("First sent: %s\n", entry.FirstSent)
	fmt.Printf("Last sent:  %s\n", entry.LastSent)
	fmt.Printf("Sends:      %d\n", entry.SendCount)
	fmt.Printf("Accounts:   %v\n", entry.Identities)

	return nil
}

func runLedgerExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Export(os.Stdout)
}
