package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/mailfleet/mailfleet/internal/config"
	"github.com/mailfleet/mailfleet/internal/dkim"
	"github.com/mailfleet/mailfleet/internal/headers"
	"github.com/mailfleet/mailfleet/internal/identity"
	"github.com/mailfleet/mailfleet/internal/mailaddr"
)

// SubmissionGateway delivers through the provider's SMTP submission
// endpoint using the identity's app password.
type SubmissionGateway struct {
	host    string
	port    int
	timeout time.Duration
	signer  *dkim.Signer
	rules   *headers.Rules
	secrets *secretCache
	logger  *slog.Logger
}

// NewSubmissionGateway creates the SMTP-submission backend. resolvePath
// maps relative credential paths to the config directory; signer may be
// nil to send unsigned, rules nil to skip header rewriting.
func NewSubmissionGateway(cfg config.SMTPConfig, signer *dkim.Signer, rules *headers.Rules, resolvePath func(string) string, logger *slog.Logger) *SubmissionGateway {
	return &SubmissionGateway{
		host:    cfg.Host,
		port:    cfg.Port,
		timeout: cfg.Timeout,
		signer:  signer,
		rules:   rules,
		secrets: newSecretCache(resolvePath),
		logger:  logger,
	}
}

// Kind implements Gateway.
func (g *SubmissionGateway) Kind() string {
	return config.TransportSMTP
}

// Send implements Gateway.
func (g *SubmissionGateway) Send(ctx context.Context, ident identity.Identity, out Outbound) (*Result, error) {
	password, err := g.secrets.load(ident.SecretFile)
	if err != nil {
		return nil, err
	}

	data, err := BuildMessage(ident.Name, ident.Email, out, time.Now())
	if err != nil {
		return nil, &DeliveryError{Class: ClassPermanent, Message: fmt.Sprintf("failed to build message: %v", err)}
	}

	// Header rules run before signing so rewritten fields end up
	// covered by the DKIM signature.
	data = g.rules.Apply(data, mailaddr.ExtractDomain(ident.Email))

	if g.signer != nil {
		signed, err := g.signer.Sign(data)
		if err != nil {
			g.logger.Warn("DKIM signing failed, sending unsigned",
				"identity", ident.ID,
				"error", err,
			)
		} else {
			data = signed
		}
	}

	addr := net.JoinHostPort(g.host, strconv.Itoa(g.port))
	client, err := gosmtp.DialStartTLS(addr, &tls.Config{
		ServerName: g.host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, &DeliveryError{Class: ClassTransient, Message: fmt.Sprintf("connection to %s failed: %v", addr, err)}
	}
	defer client.Close()
	client.CommandTimeout = g.timeout
	client.SubmissionTimeout = g.timeout

	if err := client.Auth(sasl.NewPlainClient("", ident.Email, password)); err != nil {
		return nil, classifySMTPError(err, "AUTH", true)
	}

	if err := ctx.Err(); err != nil {
		return nil, &DeliveryError{Class: ClassTransient, Message: fmt.Sprintf("send canceled: %v", err)}
	}

	if err := client.Mail(ident.Email, nil); err != nil {
		return nil, classifySMTPError(err, "MAIL FROM", false)
	}
	if err := client.Rcpt(out.To, nil); err != nil {
		return nil, classifySMTPError(err, "RCPT TO", false)
	}

	wc, err := client.Data()
	if err != nil {
		return nil, classifySMTPError(err, "DATA", false)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return nil, &DeliveryError{Class: ClassTransient, Message: fmt.Sprintf("failed to write message data: %v", err)}
	}
	if err := wc.Close(); err != nil {
		return nil, classifySMTPError(err, "DATA close", false)
	}

	client.Quit()

	g.logger.Debug("message submitted",
		"identity", ident.ID,
		"to", out.To,
	)

	// Submission does not return a provider id; synthesize one so the
	// result contract is uniform across backends.
	return &Result{ProviderMessageID: uuid.NewString(), Class: ClassOK}, nil
}

// classifySMTPError maps SMTP reply codes (and throttle phrasing) onto
// the gateway error taxonomy.
func classifySMTPError(err error, stage string, authStage bool) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch {
		case authStage || smtpErr.Code == 535 || smtpErr.Code == 530:
			return &DeliveryError{Class: ClassAuth, Message: msg}
		case isThrottleText(smtpErr.Message) || smtpErr.Code == 421 || smtpErr.Code == 450 || smtpErr.Code == 452:
			return &DeliveryError{Class: ClassThrottle, Message: msg}
		case smtpErr.Code >= 400 && smtpErr.Code < 500:
			return &DeliveryError{Class: ClassTransient, Message: msg}
		default:
			return &DeliveryError{Class: ClassPermanent, Message: msg}
		}
	}

	if authStage {
		return &DeliveryError{Class: ClassAuth, Message: msg}
	}
	if isThrottleText(err.Error()) {
		return &DeliveryError{Class: ClassThrottle, Message: msg}
	}
	return &DeliveryError{Class: ClassTransient, Message: msg}
}
