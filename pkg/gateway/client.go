/**
 * @description
 * This package provides a client for the mobile-money payment gateway. It
 * initiates charges against a member's phone and verifies the HMAC signature
 * the gateway attaches to its asynchronous status callbacks.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, crypto/sha256, encoding/json, net/http: Standard Go libraries.
 */
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnavailable covers network failures, timeouts and 5xx responses. The
	// charge may or may not have been accepted; the callback settles it.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrInvalidPhoneNumber is returned when the gateway rejects the payer's number.
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	// ErrRejected is returned for any other 4xx response.
	ErrRejected = errors.New("charge rejected by gateway")
)

// SignatureHeader is the header carrying the callback signature.
const SignatureHeader = "X-Gateway-Signature"

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Currency      string
	HTTPClient    *http.Client
}

// NewClient creates a new gateway client.
func NewClient(baseURL, apiKey, webhookSecret, currency string) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:        strings.TrimSpace(apiKey),
		WebhookSecret: webhookSecret,
		Currency:      currency,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ChargeRequest asks the gateway to collect Amount from PhoneNumber.
type ChargeRequest struct {
	PhoneNumber string `json:"phone_number"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
	CallbackURL string `json:"callback_url"`
}

// ChargeResponse is the gateway's acceptance of a charge.
type ChargeResponse struct {
	Data struct {
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		RedirectURL   string `json:"redirect_url,omitempty"`
	} `json:"data"`
}

// ErrorResponse represents an error from the gateway API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Code == "" && e.Message == "" {
		return "unknown gateway error"
	}
	return fmt.Sprintf("gateway error: %s - %s", e.Code, e.Message)
}

// InitiateCharge sends a charge request. The caller owns the deadline via ctx.
func (c *Client) InitiateCharge(ctx context.Context, charge ChargeRequest) (*ChargeResponse, error) {
	if charge.Currency == "" {
		charge.Currency = c.Currency
	}
	body, err := json.Marshal(charge)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", charge.Reference)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read charge response: %w", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyFailure(resp.StatusCode, bodyBytes, charge.Reference)
	}

	var charged ChargeResponse
	if err := json.Unmarshal(bodyBytes, &charged); err != nil {
		return nil, fmt.Errorf("failed to decode charge response: %w", err)
	}
	return &charged, nil
}

func classifyFailure(status int, body []byte, reference string) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		slog.Warn("non-2xx gateway response with unparsable body", "component", "gateway_client", "status", status, "reference", reference)
	} else {
		slog.Warn("gateway rejected charge", "component", "gateway_client", "status", status, "reference", reference, "code", errResp.Code, "message", errResp.Message)
	}

	switch {
	case status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	case strings.Contains(strings.ToLower(errResp.Code), "phone"):
		return fmt.Errorf("%w: %w", ErrInvalidPhoneNumber, &errResp)
	default:
		return fmt.Errorf("%w: status %d: %w", ErrRejected, status, &errResp)
	}
}

// IsTimeout reports whether err came from a deadline rather than a refusal.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Sign returns the hex HMAC-SHA256 of body under the webhook secret.
func (c *Client) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.WebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback signature against the raw body. Both bare
// hex and "sha256=<hex>" forms are accepted. An unset secret rejects everything.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	if c.WebhookSecret == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
