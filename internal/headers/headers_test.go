package headers

import (
	"strings"
	"testing"
)

const sampleMessage = "From: alice@example.com\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: Quarterly notes\r\n" +
	"X-Mailer: Mailfleet/1.0\r\n" +
	"X-Originating-IP: 192.0.2.10\r\n" +
	"\r\n" +
	"Hello Bob"

func TestApplyRemove(t *testing.T) {
	rules := &Rules{
		Default: []Rule{
			{Action: ActionRemove, Headers: []string{"X-Mailer", "X-Originating-IP"}},
		},
	}

	out := string(rules.Apply([]byte(sampleMessage), "example.com"))

	if strings.Contains(out, "X-Mailer") {
		t.Error("X-Mailer should be removed")
	}
	if strings.Contains(out, "X-Originating-IP") {
		t.Error("X-Originating-IP should be removed")
	}
	if !strings.Contains(out, "From: alice@example.com") {
		t.Error("From should be preserved")
	}
	if !strings.Contains(out, "Hello Bob") {
		t.Error("body should be preserved")
	}
}

func TestApplyReplaceAndAdd(t *testing.T) {
	rules := &Rules{
		Default: []Rule{
			{Action: ActionReplace, Header: "X-Mailer", Value: "Fleet/2"},
			{Action: ActionAdd, Header: "List-Unsubscribe", Value: "<mailto:stop@example.com>"},
		},
	}

	out := string(rules.Apply([]byte(sampleMessage), "example.com"))

	if !strings.Contains(out, "X-Mailer: Fleet/2") {
		t.Errorf("X-Mailer not replaced: %q", out)
	}
	if strings.Contains(out, "Mailfleet/1.0") {
		t.Error("old X-Mailer value still present")
	}
	if !strings.Contains(out, "List-Unsubscribe: <mailto:stop@example.com>") {
		t.Error("added header missing")
	}
}

func TestApplyReplaceMissingHeaderAppends(t *testing.T) {
	rules := &Rules{
		Default: []Rule{{Action: ActionReplace, Header: "X-Campaign", Value: "outreach"}},
	}

	out := string(rules.Apply([]byte(sampleMessage), "example.com"))
	if !strings.Contains(out, "X-Campaign: outreach") {
		t.Error("replace on absent header should append it")
	}
}

func TestDomainRulesRunAfterDefaults(t *testing.T) {
	rules := &Rules{
		Default: []Rule{{Action: ActionAdd, Header: "X-Tag", Value: "default"}},
		Domains: map[string][]Rule{
			"example.com": {{Action: ActionReplace, Header: "X-Tag", Value: "scoped"}},
		},
	}

	out := string(rules.Apply([]byte(sampleMessage), "Example.COM"))
	if !strings.Contains(out, "X-Tag: scoped") {
		t.Errorf("domain rule should override default: %q", out)
	}

	other := string(rules.Apply([]byte(sampleMessage), "other.net"))
	if !strings.Contains(other, "X-Tag: default") {
		t.Error("default rule should apply to other domains")
	}
}

func TestApplyPreservesFoldedHeaders(t *testing.T) {
	msg := "Subject: long\r\n\tfolded line\r\n" +
		"X-Drop: yes\r\n" +
		"\r\n" +
		"body"
	rules := &Rules{Default: []Rule{{Action: ActionRemove, Headers: []string{"X-Drop"}}}}

	out := string(rules.Apply([]byte(msg), "example.com"))
	if !strings.Contains(out, "Subject: long\r\n\tfolded line") {
		t.Errorf("folded header mangled: %q", out)
	}
	if strings.Contains(out, "X-Drop") {
		t.Error("X-Drop should be removed")
	}
}

func TestApplyNoRulesReturnsInput(t *testing.T) {
	var rules *Rules
	out := rules.Apply([]byte(sampleMessage), "example.com")
	if string(out) != sampleMessage {
		t.Error("nil rules must not modify the message")
	}
	if !rules.Empty() {
		t.Error("nil rules should report empty")
	}
}
