package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"crowdfund-service/internal/util"
)

// ErrDeclined marks an authoritative provider rejection. Callers drive a
// terminal pledge transition on it; every other error is transient and the
// pledge is left untouched for retry.
var ErrDeclined = errors.New("payment declined by provider")

// PaymentGateway wraps the external payment processor primitives.
// Capture, Cancel and Refund act on a previously authorized payment.
type PaymentGateway interface {
	Authorize(ctx context.Context, backerID, amount int64) (string, error)
	Capture(ctx context.Context, paymentRef string) error
	Cancel(ctx context.Context, paymentRef string) error
	Refund(ctx context.Context, paymentRef string) error
}

// HTTPGateway talks to the provider's REST API. Every call is bounded by a
// timeout; a timeout is an unknown outcome and surfaces as a transient error.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway creates a gateway client for the provider API
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type authorizeRequest struct {
	BackerID int64 `json:"backer_id"`
	Amount   int64 `json:"amount"`
}

type authorizeResponse struct {
	PaymentRef string `json:"payment_ref"`
}

// Authorize places a hold on the backer's payment method and returns the
// provider's payment reference.
func (g *HTTPGateway) Authorize(ctx context.Context, backerID, amount int64) (string, error) {
	body, err := json.Marshal(authorizeRequest{BackerID: backerID, Amount: amount})
	if err != nil {
		return "", err
	}

	resp, err := g.do(ctx, http.MethodPost, "/v1/payments", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := classifyStatus("authorize", resp.StatusCode); err != nil {
		return "", err
	}

	var out authorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode authorize response: %w", err)
	}
	return out.PaymentRef, nil
}

// Capture converts an authorized payment into a charge
func (g *HTTPGateway) Capture(ctx context.Context, paymentRef string) error {
	return g.act(ctx, paymentRef, "capture")
}

// Cancel releases an authorized-but-uncaptured payment
func (g *HTTPGateway) Cancel(ctx context.Context, paymentRef string) error {
	return g.act(ctx, paymentRef, "cancel")
}

// Refund returns a captured payment to the backer
func (g *HTTPGateway) Refund(ctx context.Context, paymentRef string) error {
	return g.act(ctx, paymentRef, "refund")
}

func (g *HTTPGateway) act(ctx context.Context, paymentRef, action string) error {
	start := time.Now()
	resp, err := g.do(ctx, http.MethodPost,
		fmt.Sprintf("/v1/payments/%s/%s", paymentRef, action), nil)
	if err != nil {
		util.GatewayCallsTotal.WithLabelValues(action, "transient_error").Inc()
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	util.GatewayCallLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())

	if err := classifyStatus(action, resp.StatusCode); err != nil {
		if errors.Is(err, ErrDeclined) {
			util.GatewayCallsTotal.WithLabelValues(action, "declined").Inc()
		} else {
			util.GatewayCallsTotal.WithLabelValues(action, "transient_error").Inc()
		}
		return err
	}

	util.GatewayCallsTotal.WithLabelValues(action, "ok").Inc()
	return nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	return resp, nil
}

// classifyStatus separates authoritative declines from transient failures.
// 4xx (except rate limiting and auth) means the provider decided; 5xx and
// 429 mean try again later.
func classifyStatus(action string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusUnauthorized:
		return fmt.Errorf("gateway %s returned status %d", action, status)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: %s returned status %d", ErrDeclined, action, status)
	default:
		return fmt.Errorf("gateway %s returned status %d", action, status)
	}
}
