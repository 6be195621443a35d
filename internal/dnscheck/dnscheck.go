// Package dnscheck runs deliverability preflight lookups for sender
// domains: MX, SPF, DKIM and DMARC records, plus DNSBL listings for
// the submission host IP.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrInvalidDomain    = errors.New("invalid domain name")
	ErrInvalidIP        = errors.New("invalid IP address")
	ErrIPv6NotSupported = errors.New("IPv6 addresses are not supported for DNSBL checks")
)

// domainRegex validates domain name format (RFC 1035)
var domainRegex = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// ValidateDomain checks if a domain name is well formed.
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// Status classifies a single check outcome.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusError    Status = "error"
	StatusNotFound Status = "not_found"
)

// CheckResult is one record lookup outcome.
type CheckResult struct {
	Type    string `json:"type"`
	Status  Status `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// DomainReport aggregates the record checks for one sender domain.
type DomainReport struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
	Summary Summary       `json:"summary"`
}

// Summary counts check outcomes by status.
type Summary struct {
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	NotFound int `json:"not_found"`
}

// CheckDomain runs the MX, SPF, DKIM and DMARC lookups for a sender
// domain. selector is the DKIM selector to probe, empty means
// "mailfleet".
func CheckDomain(ctx context.Context, domain, selector string) (*DomainReport, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if selector == "" {
		selector = "mailfleet"
	}

	report := &DomainReport{
		Domain: domain,
		Results: []CheckResult{
			CheckMX(ctx, domain),
			CheckSPF(ctx, domain),
			CheckDKIM(ctx, domain, selector),
			CheckDMARC(ctx, domain),
		},
	}

	for _, r := range report.Results {
		switch r.Status {
		case StatusOK:
			report.Summary.OK++
		case StatusWarning:
			report.Summary.Warnings++
		case StatusError:
			report.Summary.Errors++
		case StatusNotFound:
			report.Summary.NotFound++
		}
	}

	return report, nil
}

// CheckMX looks up the domain's MX records.
func CheckMX(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "MX Records"}

	mxRecords, err := net.DefaultResolver.LookupMX(ctx, domain)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = "No MX records found"
			return result
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("Lookup failed: %v", err)
		return result
	}
	if len(mxRecords) == 0 {
		result.Status = StatusNotFound
		result.Message = "No MX records found"
		return result
	}

	var values []string
	for _, mx := range mxRecords {
		values = append(values, fmt.Sprintf("%s (priority %d)", mx.Host, mx.Pref))
	}
	result.Status = StatusOK
	result.Value = strings.Join(values, ", ")
	result.Message = fmt.Sprintf("%d MX record(s) found", len(mxRecords))
	return result
}

// CheckSPF looks for an SPF TXT record and flags weak policies.
func CheckSPF(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "SPF Record"}

	txtRecords, err := net.DefaultResolver.LookupTXT(ctx, domain)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = "No SPF record found (recommended to add)"
			return result
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("Lookup failed: %v", err)
		return result
	}

	for _, txt := range txtRecords {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		result.Status = StatusOK
		result.Value = txt
		switch {
		case strings.Contains(txt, "+all"):
			result.Status = StatusWarning
			result.Message = "SPF uses +all (allows any sender), consider ~all or -all"
		case strings.Contains(txt, "-all"):
			result.Message = "SPF configured with strict policy (-all)"
		case strings.Contains(txt, "~all"):
			result.Message = "SPF configured with soft fail (~all)"
		}
		return result
	}

	result.Status = StatusNotFound
	result.Message = "No SPF record found (recommended to add)"
	return result
}

// CheckDKIM looks up the DKIM key record at selector._domainkey.
func CheckDKIM(ctx context.Context, domain, selector string) CheckResult {
	result := CheckResult{Type: fmt.Sprintf("DKIM Record (%s._domainkey)", selector)}

	txtRecords, err := net.DefaultResolver.LookupTXT(ctx, fmt.Sprintf("%s._domainkey.%s", selector, domain))
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = fmt.Sprintf("No DKIM record found for selector %q", selector)
			return result
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("Lookup failed: %v", err)
		return result
	}

	// Long keys are split across TXT strings.
	fullRecord := strings.Join(txtRecords, "")

	if !strings.Contains(fullRecord, "v=DKIM1") {
		result.Status = StatusWarning
		result.Value = truncate(fullRecord, 100)
		result.Message = "TXT record found but does not look like a DKIM record"
		return result
	}

	result.Status = StatusOK
	result.Value = truncate(fullRecord, 100)
	if strings.Contains(fullRecord, "k=ed25519") {
		result.Message = "DKIM configured with Ed25519 key"
	} else {
		result.Message = "DKIM configured with RSA key"
	}
	if !strings.Contains(fullRecord, "p=") {
		result.Status = StatusWarning
		result.Message = "DKIM record missing public key (p=)"
	}
	return result
}

// CheckDMARC looks up the _dmarc policy record.
func CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC Record"}

	txtRecords, err := net.DefaultResolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = "No DMARC record found (recommended to add)"
			return result
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("Lookup failed: %v", err)
		return result
	}

	fullRecord := strings.Join(txtRecords, "")

	if !strings.HasPrefix(fullRecord, "v=DMARC1") {
		result.Status = StatusWarning
		result.Value = fullRecord
		result.Message = "TXT record found but does not look like a DMARC record"
		return result
	}

	result.Status = StatusOK
	result.Value = fullRecord
	switch {
	case strings.Contains(fullRecord, "p=reject"):
		result.Message = "DMARC configured with reject policy (strict)"
	case strings.Contains(fullRecord, "p=quarantine"):
		result.Message = "DMARC configured with quarantine policy"
	case strings.Contains(fullRecord, "p=none"):
		result.Status = StatusWarning
		result.Message = "DMARC configured with none policy (monitoring only)"
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// DNSBLInfo identifies a DNS blocklist zone.
type DNSBLInfo struct {
	Name string `json:"name"`
	Zone string `json:"zone"`
}

// DNSBLResult is the listing state on one blocklist.
type DNSBLResult struct {
	DNSBL       DNSBLInfo `json:"dnsbl"`
	Listed      bool      `json:"listed"`
	ReturnCodes []string  `json:"return_codes,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// ReputationReport aggregates DNSBL results for a submission host IP.
type ReputationReport struct {
	IP      string        `json:"ip"`
	Results []DNSBLResult `json:"results"`
	Clean   int           `json:"clean"`
	Listed  int           `json:"listed"`
	Errors  int           `json:"errors"`
}

// DefaultDNSBLs lists the blocklists consulted by CheckIP.
var DefaultDNSBLs = []DNSBLInfo{
	{Name: "Spamhaus ZEN", Zone: "zen.spamhaus.org"},
	{Name: "Barracuda", Zone: "b.barracudacentral.org"},
	{Name: "SpamCop", Zone: "bl.spamcop.net"},
	{Name: "SORBS", Zone: "dnsbl.sorbs.net"},
	{Name: "UCEPROTECT L1", Zone: "dnsbl-1.uceprotect.net"},
	{Name: "PSBL", Zone: "psbl.surriel.com"},
	{Name: "Mailspike", Zone: "bl.mailspike.net"},
}

// CheckIP queries every default DNSBL for the given IPv4 address. The
// lookups run concurrently.
func CheckIP(ctx context.Context, ipStr string) (*ReputationReport, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, ErrInvalidIP
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, ErrIPv6NotSupported
	}

	reversed := fmt.Sprintf("%d.%d.%d.%d", ip4[3], ip4[2], ip4[1], ip4[0])

	report := &ReputationReport{
		IP:      ipStr,
		Results: make([]DNSBLResult, len(DefaultDNSBLs)),
	}

	var wg sync.WaitGroup
	for i, bl := range DefaultDNSBLs {
		wg.Add(1)
		go func(idx int, dnsbl DNSBLInfo) {
			defer wg.Done()
			report.Results[idx] = queryDNSBL(ctx, reversed, dnsbl)
		}(i, bl)
	}
	wg.Wait()

	for _, r := range report.Results {
		switch {
		case r.Error != "":
			report.Errors++
		case r.Listed:
			report.Listed++
		default:
			report.Clean++
		}
	}

	return report, nil
}

func queryDNSBL(ctx context.Context, reversedIP string, dnsbl DNSBLInfo) DNSBLResult {
	result := DNSBLResult{DNSBL: dnsbl}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", reversedIP+"."+dnsbl.Zone)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok {
			if dnsErr.IsNotFound || strings.Contains(dnsErr.Error(), "no such host") {
				// Not listed.
				return result
			}
			if dnsErr.IsTimeout {
				result.Error = "timeout"
				return result
			}
		}
		result.Error = fmt.Sprintf("lookup error: %v", err)
		return result
	}

	if len(ips) > 0 {
		result.Listed = true
		for _, ip := range ips {
			result.ReturnCodes = append(result.ReturnCodes, ip.String())
		}
	}
	return result
}
