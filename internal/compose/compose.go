// Package compose renders outbound message content. A run picks one of
// the configured subject/body variants at random per send, renders it
// with the recipient's personalization fields, and derives an HTML
// alternative from the plain text.
package compose

import (
	"bytes"
	"fmt"
	"html"
	"math/rand"
	"os"
	"strings"
	"sync"
	textTemplate "text/template"

	"gopkg.in/yaml.v3"

	"github.com/mailfleet/mailfleet/internal/recipient"
)

// Message is a rendered subject plus plain-text and HTML bodies.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Fields is the data available to variant templates.
type Fields struct {
	Name       string
	PaperTitle string
	Venue      string
}

type variantSpec struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type variantsFile struct {
	Variants []variantSpec `yaml:"variants"`
}

type variant struct {
	subject *textTemplate.Template
	body    *textTemplate.Template
}

// Composer renders messages from a parsed variant set.
type Composer struct {
	variants []variant

	mu  sync.Mutex
	rng *rand.Rand
}

// LoadComposer parses the variants YAML file at path.
func LoadComposer(path string, rng *rand.Rand) (*Composer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}
	return NewComposer(data, rng)
}

// NewComposer parses variants from YAML data.
func NewComposer(data []byte, rng *rand.Rand) (*Composer, error) {
	var file variantsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates file: %w", err)
	}
	if len(file.Variants) == 0 {
		return nil, fmt.Errorf("templates file has no variants")
	}

	c := &Composer{rng: rng}
	for i, spec := range file.Variants {
		if strings.TrimSpace(spec.Subject) == "" {
			return nil, fmt.Errorf("variant %d: subject is empty", i)
		}
		if strings.TrimSpace(spec.Body) == "" {
			return nil, fmt.Errorf("variant %d: body is empty", i)
		}

		subject, err := textTemplate.New(fmt.Sprintf("subject-%d", i)).Parse(spec.Subject)
		if err != nil {
			return nil, fmt.Errorf("variant %d: invalid subject template: %w", i, err)
		}
		body, err := textTemplate.New(fmt.Sprintf("body-%d", i)).Parse(spec.Body)
		if err != nil {
			return nil, fmt.Errorf("variant %d: invalid body template: %w", i, err)
		}
		c.variants = append(c.variants, variant{subject: subject, body: body})
	}

	return c, nil
}

// Variants returns the number of loaded variants.
func (c *Composer) Variants() int {
	return len(c.variants)
}

// Compose renders a randomly chosen variant for the recipient.
func (c *Composer) Compose(r recipient.Recipient) (Message, error) {
	c.mu.Lock()
	v := c.variants[c.rng.Intn(len(c.variants))]
	c.mu.Unlock()

	fields := Fields{
		Name:       r.Name,
		PaperTitle: r.PaperTitle,
		Venue:      r.Venue,
	}
	if fields.Venue == "" {
		fields.Venue = "arXiv"
	}

	var subject bytes.Buffer
	if err := v.subject.Execute(&subject, fields); err != nil {
		return Message{}, fmt.Errorf("failed to render subject: %w", err)
	}
	var body bytes.Buffer
	if err := v.body.Execute(&body, fields); err != nil {
		return Message{}, fmt.Errorf("failed to render body: %w", err)
	}

	text := body.String()
	return Message{
		Subject: strings.TrimSpace(subject.String()),
		Text:    text,
		HTML:    HTMLFromText(text),
	}, nil
}

// HTMLFromText wraps plain text in a minimal HTML document, preserving
// line breaks, the way normal mail clients render full-width text.
func HTMLFromText(text string) string {
	escaped := html.EscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"UTF-8\">\n</head>\n")
	b.WriteString("<body style=\"font-family: Arial, Helvetica, sans-serif; font-size: 14px; line-height: 1.6; color: #000000;\">\n")
	b.WriteString(escaped)
	b.WriteString("\n</body>\n</html>")
	return b.String()
}
