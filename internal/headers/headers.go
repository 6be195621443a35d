// Package headers rewrites message headers before submission. Providers
// differ in which trace and client headers they tolerate, so rules can
// be scoped to a sender domain on top of a shared default set.
package headers

import (
	"bytes"
	"strings"
)

// Action is the kind of manipulation a rule performs.
type Action string

const (
	ActionRemove  Action = "remove"
	ActionReplace Action = "replace"
	ActionAdd     Action = "add"
)

// Rule describes one header manipulation.
type Rule struct {
	Action  Action   `yaml:"action"`
	Headers []string `yaml:"headers,omitempty"` // remove
	Header  string   `yaml:"header,omitempty"`  // replace/add
	Value   string   `yaml:"value,omitempty"`   // replace/add
}

// Rules holds the default rule set plus per-sender-domain overrides.
// Domain rules run after the defaults.
type Rules struct {
	Default []Rule            `yaml:"default,omitempty"`
	Domains map[string][]Rule `yaml:"domains,omitempty"`
}

// Empty reports whether no rules are configured at all.
func (r *Rules) Empty() bool {
	if r == nil {
		return true
	}
	if len(r.Default) > 0 {
		return false
	}
	for _, rules := range r.Domains {
		if len(rules) > 0 {
			return false
		}
	}
	return true
}

// For returns the rules that apply to messages sent from domain.
func (r *Rules) For(domain string) []Rule {
	if r == nil {
		return nil
	}
	rules := append([]Rule(nil), r.Default...)
	if domainRules, ok := r.Domains[strings.ToLower(domain)]; ok {
		rules = append(rules, domainRules...)
	}
	return rules
}

// Apply runs the rules for domain over a raw RFC 5322 message and
// returns the rewritten message. With no matching rules the input is
// returned unchanged.
func (r *Rules) Apply(data []byte, domain string) []byte {
	rules := r.For(domain)
	if len(rules) == 0 {
		return data
	}

	rawHeaders, body := splitMessage(data)
	fields := parseFields(rawHeaders)
	for _, rule := range rules {
		fields = applyRule(fields, rule)
	}
	return rebuild(fields, body)
}

type field struct {
	name  string
	value string
}

// splitMessage separates the header block from the body at the first
// empty line, accepting both CRLF and bare LF input.
func splitMessage(data []byte) ([]byte, []byte) {
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx != -1 {
		return data[:idx], data[idx+4:]
	}
	if idx := bytes.Index(data, []byte("\n\n")); idx != -1 {
		return data[:idx], data[idx+2:]
	}
	return data, nil
}

func parseFields(raw []byte) []field {
	var fields []field
	var current *field

	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			continue
		}

		// Folded continuation line.
		if line[0] == ' ' || line[0] == '\t' {
			if current != nil {
				current.value += "\r\n" + string(line)
			}
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		fields = append(fields, field{
			name:  string(bytes.TrimSpace(line[:colon])),
			value: string(bytes.TrimSpace(line[colon+1:])),
		})
		current = &fields[len(fields)-1]
	}

	return fields
}

func applyRule(fields []field, rule Rule) []field {
	switch rule.Action {
	case ActionRemove:
		return removeFields(fields, rule.Headers)
	case ActionReplace:
		return replaceField(fields, rule.Header, rule.Value)
	case ActionAdd:
		if rule.Header == "" {
			return fields
		}
		return append(fields, field{name: rule.Header, value: rule.Value})
	}
	return fields
}

func removeFields(fields []field, names []string) []field {
	if len(names) == 0 {
		return fields
	}
	drop := make(map[string]bool, len(names))
	for _, name := range names {
		drop[strings.ToLower(name)] = true
	}

	kept := fields[:0]
	for _, f := range fields {
		if !drop[strings.ToLower(f.name)] {
			kept = append(kept, f)
		}
	}
	return kept
}

// replaceField rewrites the first occurrence of name, appending the
// field when the message does not carry it yet.
func replaceField(fields []field, name, value string) []field {
	if name == "" {
		return fields
	}
	for i := range fields {
		if strings.EqualFold(fields[i].name, name) {
			fields[i].value = value
			return fields
		}
	}
	return append(fields, field{name: name, value: value})
}

func rebuild(fields []field, body []byte) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		buf.WriteString(f.name)
		buf.WriteString(": ")
		buf.WriteString(f.value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}
