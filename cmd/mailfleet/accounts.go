package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailfleet/mailfleet/internal/identity"
	"github.com/mailfleet/mailfleet/internal/ledger"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect and manage sender accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with today's usage and suspension state",
	RunE:  runAccountsList,
}

var accountsUnsuspendCmd = &cobra.Command{
	Use:   "unsuspend <id>",
	Short: "Clear an account's suspension",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsUnsuspend,
}

func init() {
	accountsCmd.AddCommand(accountsListCmd, accountsUnsuspendCmd)
	rootCmd.AddCommand(accountsCmd)
}

func openPool() (*identity.Pool, *ledger.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := ledger.Open(cfg.ResolvePath(cfg.Storage.Path))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool, err := identity.NewPool(cfg.Accounts, store, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return pool, store, nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	pool, store, err := openPool()
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	day := ledger.Day(now)

	fmt.Printf("%-16s %-28s %-6s %8s  %s\n", "ID", "EMAIL", "QUOTA", "TODAY", "STATE")
	for _, ident := range pool.List() {
		count, err := store.DailyCount(ident.ID, day)
		if err != nil {
			return err
		}

		state := "active"
		switch {
		case !ident.Enabled:
			state = "disabled"
		case pool.IsSuspended(ident.ID, now):
			until, reason, _ := pool.SuspendedUntil(ident.ID)
			state = fmt.Sprintf("suspended until %s (%s)", until.Format("2006-01-02 15:04"), reason)
		}

		fmt.Printf("%-16s %-28s %-6d %8d  %s\n", ident.ID, ident.Email, ident.Quota, count, state)
	}

	return nil
}

func runAccountsUnsuspend(cmd *cobra.Command, args []string) error {
	pool, store, err := openPool()
	if err != nil {
		return err
	}
	defer store.Close()

	id := args[0]
	if err := pool.Unsuspend(id); err != nil {
		return err
	}

	fmt.Printf("Account %s unsuspended\n", id)
	return nil
}
