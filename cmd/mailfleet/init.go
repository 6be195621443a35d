package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	initOutput string
	initForce  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long: `Write a starter configuration file plus a sample templates file
and recipients CSV next to it.

Examples:
  mailfleet init
  mailfleet init -o /etc/mailfleet/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

const sampleConfig = `storage:
  path: mailfleet.db

logging:
  level: info
  format: text

accounts:
  - id: primary
    email: sender@example.com
    name: "Ada Sender"
    transport: smtp
    quota: 10
    enabled: true
    secret_file: secrets/primary.pass

sending:
  delay_min: 30s
  delay_max: 90s
  max_retries: 2
  rate_per_minute: 0
  recipients_csv: recipients.csv

smtp:
  host: smtp.gmail.com
  port: 587
  timeout: 30s

auto:
  enabled: false
  time: "09:30"
  timezone: "UTC"
  target_min: 3
  target_max: 7

feedback:
  enabled: false
  poll_interval: 5m
  lookback: 24h
  cooldown: 24h

lists:
  blacklist: []
  whitelist: []

templates:
  file: templates.yaml

# Optional header rewriting before submission (and DKIM signing).
headers:
  default:
    - action: remove
      headers: [X-Mailer, X-Originating-IP]

control:
  enabled: false
  listen_addr: "127.0.0.1:8080"
  auth_token_hash: ""
  # allowed_ips: ["127.0.0.1", "10.0.0.0/8"]

metrics:
  enabled: false
  listen_addr: "127.0.0.1:9090"
  path: /metrics
  # allowed_ips: ["127.0.0.1"]
`

const sampleTemplates = `variants:
  - subject: "Question about {{.PaperTitle}}"
    body: |
      Dear {{.Name}},

      I recently read your paper "{{.PaperTitle}}" on {{.Venue}} and
      found it very relevant to my own work.

      Best regards
  - subject: "Regarding your work on {{.PaperTitle}}"
    body: |
      Hello {{.Name}},

      Your paper "{{.PaperTitle}}" ({{.Venue}}) caught my attention.

      Kind regards
`

const sampleRecipients = `email,name,title,venue
jane.doe@example.org,Jane Doe,An Example Paper,arXiv
`

func runInit(cmd *cobra.Command, args []string) error {
	dir := filepath.Dir(initOutput)

	files := []struct {
		path    string
		content string
	}{
		{initOutput, sampleConfig},
		{filepath.Join(dir, "templates.yaml"), sampleTemplates},
		{filepath.Join(dir, "recipients.csv"), sampleRecipients},
	}

	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", f.path)
		}
	}

	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	for _, f := range files {
		if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", f.path)
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit the accounts section with your sender addresses")
	fmt.Println("  2. Put each account's app password in its secret_file")
	fmt.Printf("  3. Validate: mailfleet config validate -c %s\n", initOutput)
	fmt.Printf("  4. Dispatch: mailfleet send -c %s\n", initOutput)

	return nil
}
