package payment

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Gateway operation names, used for call accounting and failure injection.
const (
	OpRetrieve    = "retrieve"
	OpCapture     = "capture"
	OpCancel      = "cancel"
	OpListCharges = "list_charges"
	OpRefund      = "refund"
	OpListRefunds = "list_refunds"
)

// MemoryGateway is an in-process processor used for local development and
// tests. It follows the processor's state machine and its "already in the
// target state" error responses, and honours idempotency keys.
type MemoryGateway struct {
	mu       sync.Mutex
	intents  map[string]*PaymentIntent
	charges  map[string]*Charge
	refunds  map[string][]Refund
	replays  map[string]any
	calls    map[string]int
	failures map[string][]error
}

var _ Gateway = (*MemoryGateway)(nil)

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		intents:  map[string]*PaymentIntent{},
		charges:  map[string]*Charge{},
		refunds:  map[string][]Refund{},
		replays:  map[string]any{},
		calls:    map[string]int{},
		failures: map[string][]error{},
	}
}

// Authorize registers an intent holding funds for later capture.
func (m *MemoryGateway) Authorize(id string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[id] = &PaymentIntent{ID: id, Status: IntentRequiresCapture, Amount: amount, Currency: "usd"}
}

// SetStatus forces an intent into status. A succeeded intent gets a captured charge.
func (m *MemoryGateway) SetStatus(id string, status IntentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.intents[id]
	if !ok {
		pi = &PaymentIntent{ID: id, Amount: 1000, Currency: "usd"}
		m.intents[id] = pi
	}
	pi.Status = status
	if status == IntentSucceeded && pi.LatestCharge == "" {
		m.newChargeLocked(pi)
	}
}

// FailNext makes the next call of op return err. Calls queue up.
func (m *MemoryGateway) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Calls returns how many times op was invoked, including failed calls.
func (m *MemoryGateway) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemoryGateway) Intent(id string) (PaymentIntent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.intents[id]
	if !ok {
		return PaymentIntent{}, false
	}
	return *pi, true
}

func (m *MemoryGateway) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpRetrieve); err != nil {
		return nil, err
	}
	pi, err := m.intentLocked(id)
	if err != nil {
		return nil, err
	}
	cp := *pi
	return &cp, nil
}

func (m *MemoryGateway) CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (*PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpCapture); err != nil {
		return nil, err
	}
	if replay, ok := m.replays[idempotencyKey].(PaymentIntent); ok {
		return &replay, nil
	}
	pi, err := m.intentLocked(id)
	if err != nil {
		return nil, err
	}
	if pi.Status != IntentRequiresCapture {
		return nil, unexpectedState(fmt.Sprintf("payment intent %s has status %s and cannot be captured", id, pi.Status))
	}
	pi.Status = IntentSucceeded
	m.newChargeLocked(pi)
	m.remember(idempotencyKey, *pi)
	return pi.copy(), nil
}

func (m *MemoryGateway) CancelPaymentIntent(ctx context.Context, id, idempotencyKey string) (*PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpCancel); err != nil {
		return nil, err
	}
	if replay, ok := m.replays[idempotencyKey].(PaymentIntent); ok {
		return &replay, nil
	}
	pi, err := m.intentLocked(id)
	if err != nil {
		return nil, err
	}
	switch pi.Status {
	case IntentSucceeded, IntentCanceled, IntentProcessing:
		return nil, unexpectedState(fmt.Sprintf("payment intent %s has status %s and cannot be canceled", id, pi.Status))
	}
	pi.Status = IntentCanceled
	m.remember(idempotencyKey, *pi)
	return pi.copy(), nil
}

func (m *MemoryGateway) ListCharges(ctx context.Context, paymentIntentID string) ([]Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpListCharges); err != nil {
		return nil, err
	}
	var charges []Charge
	for _, ch := range m.charges {
		if ch.PaymentIntent == paymentIntentID {
			charges = append(charges, *ch)
		}
	}
	return charges, nil
}

func (m *MemoryGateway) CreateRefund(ctx context.Context, chargeID, idempotencyKey string) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpRefund); err != nil {
		return nil, err
	}
	if replay, ok := m.replays[idempotencyKey].(Refund); ok {
		return &replay, nil
	}
	ch, ok := m.charges[chargeID]
	if !ok {
		return nil, &APIError{StatusCode: http.StatusNotFound, Type: "invalid_request_error", Code: ErrCodeResourceMissing, Message: "no such charge: " + chargeID}
	}
	if ch.FullyRefunded() {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Type: "invalid_request_error", Code: ErrCodeChargeAlreadyRefunded, Message: "charge " + chargeID + " has already been refunded"}
	}
	refund := Refund{ID: "re_" + uuid.NewString(), Charge: chargeID, Amount: ch.Amount - ch.AmountRefunded, Status: "succeeded"}
	ch.AmountRefunded = ch.Amount
	ch.Refunded = true
	m.refunds[chargeID] = append(m.refunds[chargeID], refund)
	m.remember(idempotencyKey, refund)
	return &refund, nil
}

func (m *MemoryGateway) ListRefunds(ctx context.Context, chargeID string) ([]Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpListRefunds); err != nil {
		return nil, err
	}
	return append([]Refund(nil), m.refunds[chargeID]...), nil
}

func (m *MemoryGateway) enterLocked(op string) error {
	m.calls[op]++
	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *MemoryGateway) intentLocked(id string) (*PaymentIntent, error) {
	pi, ok := m.intents[id]
	if !ok {
		return nil, &APIError{StatusCode: http.StatusNotFound, Type: "invalid_request_error", Code: ErrCodeResourceMissing, Message: "no such payment_intent: " + id}
	}
	return pi, nil
}

func (m *MemoryGateway) newChargeLocked(pi *PaymentIntent) {
	ch := &Charge{
		ID:            "ch_" + uuid.NewString(),
		PaymentIntent: pi.ID,
		Amount:        pi.Amount,
		Captured:      true,
		Status:        "succeeded",
	}
	m.charges[ch.ID] = ch
	pi.LatestCharge = ch.ID
}

func (m *MemoryGateway) remember(idempotencyKey string, v any) {
	if idempotencyKey != "" {
		m.replays[idempotencyKey] = v
	}
}

func (p *PaymentIntent) copy() *PaymentIntent {
	cp := *p
	return &cp
}

func unexpectedState(msg string) error {
	return &APIError{StatusCode: http.StatusBadRequest, Type: "invalid_request_error", Code: ErrCodeUnexpectedState, Message: msg}
}
