package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mailfleet/mailfleet/internal/config"
	"github.com/mailfleet/mailfleet/internal/identity"
)

// APIGateway delivers through the provider's HTTP send endpoint using
// the identity's session token. The raw RFC 5322 message is base64url
// encoded into a JSON body, the shape the provider's messages.send API
// expects.
type APIGateway struct {
	endpoint string
	client   *http.Client
	tokens   *secretCache
	logger   *slog.Logger
}

type sendRequest struct {
	Raw string `json:"raw"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAPIGateway creates the HTTP-API backend.
func NewAPIGateway(cfg config.APISendConfig, resolvePath func(string) string, logger *slog.Logger) *APIGateway {
	return &APIGateway{
		endpoint: cfg.SendEndpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		tokens:   newSecretCache(resolvePath),
		logger:   logger,
	}
}

// Kind implements Gateway.
func (g *APIGateway) Kind() string {
	return config.TransportAPI
}

// Send implements Gateway.
func (g *APIGateway) Send(ctx context.Context, ident identity.Identity, out Outbound) (*Result, error) {
	token, err := g.tokens.load(ident.TokenFile)
	if err != nil {
		return nil, err
	}

	data, err := BuildMessage(ident.Name, ident.Email, out, time.Now())
	if err != nil {
		return nil, &DeliveryError{Class: ClassPermanent, Message: fmt.Sprintf("failed to build message: %v", err)}
	}

	body, err := json.Marshal(sendRequest{Raw: base64.URLEncoding.EncodeToString(data)})
	if err != nil {
		return nil, &DeliveryError{Class: ClassPermanent, Message: fmt.Sprintf("failed to encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &DeliveryError{Class: ClassPermanent, Message: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &DeliveryError{Class: ClassTransient, Message: fmt.Sprintf("send request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var sr sendResponse
		if err := json.Unmarshal(respBody, &sr); err != nil || sr.ID == "" {
			sr.ID = uuid.NewString()
		}
		g.logger.Debug("message accepted by API",
			"identity", ident.ID,
			"to", out.To,
			"provider_id", sr.ID,
		)
		return &Result{ProviderMessageID: sr.ID, Class: ClassOK}, nil
	}

	return nil, classifyHTTPStatus(resp.StatusCode, respBody)
}

// classifyHTTPStatus maps provider HTTP statuses onto the gateway error
// taxonomy.
func classifyHTTPStatus(status int, body []byte) *DeliveryError {
	detail := httpErrorDetail(status, body)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &DeliveryError{Class: ClassAuth, Message: detail}
	case status == http.StatusTooManyRequests:
		return &DeliveryError{Class: ClassThrottle, Message: detail}
	case status >= 500:
		return &DeliveryError{Class: ClassTransient, Message: detail}
	case isThrottleText(string(body)):
		return &DeliveryError{Class: ClassThrottle, Message: detail}
	default:
		return &DeliveryError{Class: ClassPermanent, Message: detail}
	}
}

func httpErrorDetail(status int, body []byte) string {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Message != "" {
		return fmt.Sprintf("send failed with status %d: %s", status, ae.Error.Message)
	}
	return fmt.Sprintf("send failed with status %d", status)
}
