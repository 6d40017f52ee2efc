package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPGateway talks to a Stripe compatible REST API.
type HTTPGateway struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

var _ Gateway = (*HTTPGateway)(nil)

func NewHTTPGateway(baseURL, secretKey string, timeout time.Duration) *HTTPGateway {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &HTTPGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type listResponse[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

func (g *HTTPGateway) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := g.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, "", &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (g *HTTPGateway) CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := g.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/capture", url.Values{}, idempotencyKey, &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (g *HTTPGateway) CancelPaymentIntent(ctx context.Context, id, idempotencyKey string) (*PaymentIntent, error) {
	var pi PaymentIntent
	form := url.Values{"cancellation_reason": {"abandoned"}}
	if err := g.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/cancel", form, idempotencyKey, &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (g *HTTPGateway) ListCharges(ctx context.Context, paymentIntentID string) ([]Charge, error) {
	var list listResponse[Charge]
	path := "/v1/charges?" + url.Values{"payment_intent": {paymentIntentID}, "limit": {"100"}}.Encode()
	if err := g.do(ctx, http.MethodGet, path, nil, "", &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

func (g *HTTPGateway) CreateRefund(ctx context.Context, chargeID, idempotencyKey string) (*Refund, error) {
	var refund Refund
	form := url.Values{"charge": {chargeID}, "reason": {"requested_by_customer"}}
	if err := g.do(ctx, http.MethodPost, "/v1/refunds", form, idempotencyKey, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (g *HTTPGateway) ListRefunds(ctx context.Context, chargeID string) ([]Refund, error) {
	var list listResponse[Refund]
	path := "/v1/refunds?" + url.Values{"charge": {chargeID}, "limit": {"100"}}.Encode()
	if err := g.do(ctx, http.MethodGet, path, nil, "", &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call payment processor: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp errorResponse
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr != nil || errResp.Error.Message == "" {
			return &APIError{StatusCode: resp.StatusCode, Message: string(bodyBytes)}
		}
		errResp.Error.StatusCode = resp.StatusCode
		return &errResp.Error
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
