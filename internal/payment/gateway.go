package payment

import (
	"context"
	"errors"
	"fmt"
)

type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
	IntentSucceeded             IntentStatus = "succeeded"
)

// Error codes returned by the processor when the target resource is already
// in a state that makes the request meaningless.
const (
	ErrCodeUnexpectedState       = "payment_intent_unexpected_state"
	ErrCodeChargeAlreadyRefunded = "charge_already_refunded"
	ErrCodeResourceMissing       = "resource_missing"
)

type PaymentIntent struct {
	ID           string       `json:"id"`
	Status       IntentStatus `json:"status"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	LatestCharge string       `json:"latest_charge,omitempty"`
}

// Authorized reports whether the intent holds funds that were never captured.
func (p PaymentIntent) Authorized() bool {
	return p.Status == IntentRequiresCapture
}

// Paid reports whether the customer has committed funds: either held for
// capture or already captured.
func (p PaymentIntent) Paid() bool {
	return p.Status == IntentRequiresCapture || p.Status == IntentSucceeded
}

type Charge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Captured       bool   `json:"captured"`
	Refunded       bool   `json:"refunded"`
	Status         string `json:"status"`
}

func (c Charge) FullyRefunded() bool {
	return c.Refunded || (c.Amount > 0 && c.AmountRefunded >= c.Amount)
}

type Refund struct {
	ID     string `json:"id"`
	Charge string `json:"charge"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// APIError is an error response from the processor.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment processor error (status %d, code %q): %s", e.StatusCode, e.Code, e.Message)
}

// HasCode reports whether err is an APIError carrying code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Gateway is the processor surface used by the pipeline. Mutating calls take
// an idempotency key so a retried request never produces a second effect.
type Gateway interface {
	RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (*PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id, idempotencyKey string) (*PaymentIntent, error)
	ListCharges(ctx context.Context, paymentIntentID string) ([]Charge, error)
	CreateRefund(ctx context.Context, chargeID, idempotencyKey string) (*Refund, error)
	ListRefunds(ctx context.Context, chargeID string) ([]Refund, error)
}
