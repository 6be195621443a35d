package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mailfleet/mailfleet/internal/dnscheck"
	"github.com/mailfleet/mailfleet/internal/mailaddr"
)

var checkSelector string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Deliverability preflight checks",
}

var checkDomainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "Check DNS records for all configured sender domains",
	Long:  `Looks up MX, SPF, DKIM and DMARC records for every domain used by a configured account.`,
	RunE:  runCheckDomains,
}

var checkIPCmd = &cobra.Command{
	Use:   "ip <address>",
	Short: "Check an IP address against DNS blocklists",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckIP,
}

func init() {
	checkDomainsCmd.Flags().StringVar(&checkSelector, "selector", "", "DKIM selector to probe (default from config)")
	checkCmd.AddCommand(checkDomainsCmd, checkIPCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckDomains(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	selector := checkSelector
	if selector == "" && cfg.DKIM.Enabled {
		selector = cfg.DKIM.Selector
	}

	seen := make(map[string]bool)
	var domains []string
	for _, acct := range cfg.Accounts {
		domain := mailaddr.ExtractDomain(acct.Email)
		if domain == "" || seen[domain] {
			continue
		}
		seen[domain] = true
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	if len(domains) == 0 {
		fmt.Println("No accounts configured")
		return nil
	}

	for _, domain := range domains {
		report, err := dnscheck.CheckDomain(cmd.Context(), domain, selector)
		if err != nil {
			return fmt.Errorf("check failed for %s: %w", domain, err)
		}

		fmt.Printf("Domain: %s\n", domain)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, r := range report.Results {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", r.Type, r.Status, r.Message)
		}
		w.Flush()
		fmt.Printf("  ok=%d warnings=%d errors=%d missing=%d\n\n",
			report.Summary.OK, report.Summary.Warnings, report.Summary.Errors, report.Summary.NotFound)
	}

	return nil
}

func runCheckIP(cmd *cobra.Command, args []string) error {
	report, err := dnscheck.CheckIP(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BLOCKLIST\tSTATUS\tDETAIL")
	for _, r := range report.Results {
		status := "clean"
		detail := ""
		switch {
		case r.Error != "":
			status = "error"
			detail = r.Error
		case r.Listed:
			status = "LISTED"
			detail = fmt.Sprintf("codes: %v", r.ReturnCodes)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.DNSBL.Name, status, detail)
	}
	w.Flush()

	fmt.Printf("\n%s: clean=%d listed=%d errors=%d\n", report.IP, report.Clean, report.Listed, report.Errors)
	if report.Listed > 0 {
		os.Exit(1)
	}
	return nil
}
