package dnscheck

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		domain string
		valid  bool
	}{
		{"example.com", true},
		{"sub.example.com", true},
		{"example", true},
		{"ex-ample.com", true},
		{"", false},
		{"-example.com", false},
		{"example-.com", false},
		{"exa mple.com", false},
		{strings.Repeat("a", 254), false},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			err := ValidateDomain(tt.domain)
			if tt.valid && err != nil {
				t.Errorf("ValidateDomain(%q) = %v, want nil", tt.domain, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateDomain(%q) = nil, want error", tt.domain)
			}
		})
	}
}

func TestCheckDomainRejectsInvalidDomain(t *testing.T) {
	_, err := CheckDomain(context.Background(), "not a domain", "")
	if !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("err = %v, want ErrInvalidDomain", err)
	}
}

func TestCheckIPRejectsBadInput(t *testing.T) {
	if _, err := CheckIP(context.Background(), "not-an-ip"); !errors.Is(err, ErrInvalidIP) {
		t.Errorf("err = %v, want ErrInvalidIP", err)
	}
	if _, err := CheckIP(context.Background(), "2001:db8::1"); !errors.Is(err, ErrIPv6NotSupported) {
		t.Errorf("err = %v, want ErrIPv6NotSupported", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	long := strings.Repeat("x", 120)
	got := truncate(long, 100)
	if len(got) != 100 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate long = %q (len %d)", got, len(got))
	}
}
