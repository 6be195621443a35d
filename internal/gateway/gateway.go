// Package gateway abstracts the outbound transport. Two interchangeable
// backends conform to the same send/result contract: an SMTP submission
// client authenticating with a per-identity app password, and an HTTP
// API client authenticating with a per-identity session token. The
// scheduler is agnostic to which one an identity uses.
package gateway

import (
	"context"
	"strings"

	"github.com/mailfleet/mailfleet/internal/identity"
)

// Class categorizes a send outcome for the scheduler.
type Class string

const (
	ClassOK        Class = "ok"
	ClassTransient Class = "transient" // network error, provider 5xx-equivalent
	ClassPermanent Class = "permanent" // bad recipient, rejected content
	ClassThrottle  Class = "throttle"  // synchronous quota/rate signal
	ClassAuth      Class = "auth"      // credential/session failure
)

// Outbound is one message to one recipient.
type Outbound struct {
	To      string
	ToName  string
	Subject string
	Text    string
	HTML    string
}

// Result is the uniform send outcome.
type Result struct {
	ProviderMessageID string
	Class             Class
}

// Gateway sends one message on behalf of an identity.
type Gateway interface {
	// Send attempts delivery. A non-nil error always carries a
	// classification via AsDeliveryError/Classify.
	Send(ctx context.Context, ident identity.Identity, out Outbound) (*Result, error)

	// Kind returns the transport kind this gateway serves.
	Kind() string
}

// DeliveryError is a classified send failure.
type DeliveryError struct {
	Class   Class
	Message string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// Classify extracts the class from err, defaulting to transient for
// unclassified errors (network failures and the like are worth a retry).
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}
	if de, ok := err.(*DeliveryError); ok {
		return de.Class
	}
	return ClassTransient
}

// throttlePhrases are the synchronous provider responses that mean the
// identity has hit a sending limit rather than the message being bad.
var throttlePhrases = []string{
	"reached a limit for sending mail",
	"daily sending quota",
	"quota exceeded",
	"rate limit",
	"too many requests",
	"sending limit",
}

func isThrottleText(s string) bool {
	s = strings.ToLower(s)
	for _, phrase := range throttlePhrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}
