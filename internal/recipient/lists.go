package recipient

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mailfleet/mailfleet/internal/mailaddr"
)

// Lists holds the blacklist and whitelist-override sets. Lookups are
// normalized, so membership is case-insensitive.
type Lists struct {
	blacklist map[string]bool
	whitelist map[string]bool
}

// NewLists builds the list sets from inline addresses plus optional
// one-address-per-line files. Blank lines and '#' comments are ignored.
func NewLists(blacklist, whitelist []string, blacklistFile, whitelistFile string) (*Lists, error) {
	l := &Lists{
		blacklist: make(map[string]bool),
		whitelist: make(map[string]bool),
	}

	for _, addr := range blacklist {
		l.blacklist[mailaddr.Normalize(addr)] = true
	}
	for _, addr := range whitelist {
		l.whitelist[mailaddr.Normalize(addr)] = true
	}

	if blacklistFile != "" {
		if err := loadListFile(blacklistFile, l.blacklist); err != nil {
			return nil, fmt.Errorf("failed to load blacklist: %w", err)
		}
	}
	if whitelistFile != "" {
		if err := loadListFile(whitelistFile, l.whitelist); err != nil {
			return nil, fmt.Errorf("failed to load whitelist: %w", err)
		}
	}

	return l, nil
}

// Blacklisted reports whether addr must never receive mail. The
// blacklist wins over everything, including the whitelist.
func (l *Lists) Blacklisted(addr string) bool {
	return l.blacklist[mailaddr.Normalize(addr)]
}

// Whitelisted reports whether addr bypasses the already-sent check
// (test/always-allow addresses).
func (l *Lists) Whitelisted(addr string) bool {
	return l.whitelist[mailaddr.Normalize(addr)]
}

func loadListFile(path string, set map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[mailaddr.Normalize(line)] = true
	}
	return scanner.Err()
}
