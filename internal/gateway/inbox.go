package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mailfleet/mailfleet/internal/config"
	"github.com/mailfleet/mailfleet/internal/feedback"
	"github.com/mailfleet/mailfleet/internal/identity"
)

// HTTPInbox polls the provider's mailbox listing endpoint for recent
// inbound messages, authenticating with the identity's session token.
// It implements feedback.Inbox.
type HTTPInbox struct {
	endpoint string
	client   *http.Client
	tokens   *secretCache
	logger   *slog.Logger
}

type inboxMessage struct {
	From       string `json:"from"`
	Subject    string `json:"subject"`
	Snippet    string `json:"snippet"`
	ReceivedMS int64  `json:"internal_date"` // epoch milliseconds
}

type inboxResponse struct {
	Messages []inboxMessage `json:"messages"`
}

// NewHTTPInbox creates the inbound poll client.
func NewHTTPInbox(cfg config.APISendConfig, resolvePath func(string) string, logger *slog.Logger) *HTTPInbox {
	return &HTTPInbox{
		endpoint: cfg.InboxEndpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		tokens:   newSecretCache(resolvePath),
		logger:   logger,
	}
}

// ListRecent implements feedback.Inbox. The since parameter is passed to
// the provider as a filter, but callers must not trust it alone: the
// returned timestamps are authoritative.
func (in *HTTPInbox) ListRecent(ctx context.Context, ident identity.Identity, since time.Time) ([]feedback.Message, error) {
	token, err := in.tokens.load(ident.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("inbox auth for %s: %w", ident.ID, err)
	}

	u, err := url.Parse(in.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid inbox endpoint: %w", err)
	}
	q := u.Query()
	q.Set("after", strconv.FormatInt(since.UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build inbox request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := in.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inbox poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("inbox poll for %s returned status %d: %s", ident.ID, resp.StatusCode, body)
	}

	var ir inboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("failed to decode inbox response: %w", err)
	}

	out := make([]feedback.Message, 0, len(ir.Messages))
	for _, m := range ir.Messages {
		out = append(out, feedback.Message{
			From:     m.From,
			Subject:  m.Subject,
			Snippet:  m.Snippet,
			Received: time.UnixMilli(m.ReceivedMS),
		})
	}
	return out, nil
}
