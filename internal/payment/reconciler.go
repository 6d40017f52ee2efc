package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/natalcast/report-pipeline/pkg/log"
	"github.com/natalcast/report-pipeline/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Action string

const (
	ActionNone      Action = "none"
	ActionCaptured  Action = "captured"
	ActionCancelled Action = "cancelled"
	ActionRefunded  Action = "refunded"
)

// Outcome describes what a reconciliation call left the payment in.
// AlreadyDone is set when the payment was found in the target state.
type Outcome struct {
	Action      Action
	RefundID    string
	AlreadyDone bool
}

var ErrNotCapturable = errors.New("payment intent cannot be captured")

// Reconciler moves a payment intent toward a target state. Every method can be
// called any number of times for the same intent: finding the intent already
// in the target state is a success.
type Reconciler struct {
	gateway Gateway
	tracer  trace.Tracer
}

func NewReconciler(gateway Gateway) *Reconciler {
	return &Reconciler{gateway: gateway, tracer: otel.Tracer("report-pipeline/payment")}
}

func (r *Reconciler) Gateway() Gateway {
	return r.gateway
}

// Capture captures an authorized intent. Capturing an intent that already
// succeeded is a no-op.
func (r *Reconciler) Capture(ctx context.Context, paymentIntentID string) (out Outcome, err error) {
	ctx, span := r.start(ctx, "payment.capture", paymentIntentID)
	defer func() { r.end(span, "capture", out, err) }()

	pi, err := r.gateway.RetrievePaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("retrieving payment intent %s: %w", paymentIntentID, err)
	}

	switch pi.Status {
	case IntentSucceeded:
		return Outcome{Action: ActionCaptured, AlreadyDone: true}, nil
	case IntentRequiresCapture:
	default:
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrNotCapturable, paymentIntentID, pi.Status)
	}

	if _, err := r.gateway.CapturePaymentIntent(ctx, paymentIntentID, "capture-"+paymentIntentID); err != nil {
		if !HasCode(err, ErrCodeUnexpectedState) {
			return Outcome{}, fmt.Errorf("capturing payment intent %s: %w", paymentIntentID, err)
		}
		// lost a race with another capture; trust the processor's current view
		current, rerr := r.gateway.RetrievePaymentIntent(ctx, paymentIntentID)
		if rerr != nil {
			return Outcome{}, fmt.Errorf("retrieving payment intent %s: %w", paymentIntentID, rerr)
		}
		if current.Status == IntentSucceeded {
			return Outcome{Action: ActionCaptured, AlreadyDone: true}, nil
		}
		return Outcome{}, fmt.Errorf("capturing payment intent %s: %w", paymentIntentID, err)
	}
	return Outcome{Action: ActionCaptured}, nil
}

// CancelIfUncaptured voids an intent that has not been captured. It returns
// ActionNone when the funds were already captured and need a refund instead.
func (r *Reconciler) CancelIfUncaptured(ctx context.Context, paymentIntentID string) (out Outcome, err error) {
	ctx, span := r.start(ctx, "payment.cancel_if_uncaptured", paymentIntentID)
	defer func() { r.end(span, "cancel", out, err) }()

	pi, err := r.gateway.RetrievePaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("retrieving payment intent %s: %w", paymentIntentID, err)
	}

	switch pi.Status {
	case IntentCanceled:
		return Outcome{Action: ActionCancelled, AlreadyDone: true}, nil
	case IntentSucceeded:
		return Outcome{Action: ActionNone}, nil
	case IntentProcessing:
		return Outcome{}, fmt.Errorf("payment intent %s is still processing", paymentIntentID)
	}

	if _, err := r.gateway.CancelPaymentIntent(ctx, paymentIntentID, "cancel-"+paymentIntentID); err != nil {
		if !HasCode(err, ErrCodeUnexpectedState) {
			return Outcome{}, fmt.Errorf("cancelling payment intent %s: %w", paymentIntentID, err)
		}
		current, rerr := r.gateway.RetrievePaymentIntent(ctx, paymentIntentID)
		if rerr != nil {
			return Outcome{}, fmt.Errorf("retrieving payment intent %s: %w", paymentIntentID, rerr)
		}
		switch current.Status {
		case IntentCanceled:
			return Outcome{Action: ActionCancelled, AlreadyDone: true}, nil
		case IntentSucceeded:
			return Outcome{Action: ActionNone}, nil
		}
		return Outcome{}, fmt.Errorf("cancelling payment intent %s: %w", paymentIntentID, err)
	}
	return Outcome{Action: ActionCancelled}, nil
}

// RefundIfCaptured refunds the captured charge of an intent. A charge that is
// already refunded yields the existing refund id. ActionNone means nothing was
// captured.
func (r *Reconciler) RefundIfCaptured(ctx context.Context, paymentIntentID string) (out Outcome, err error) {
	ctx, span := r.start(ctx, "payment.refund_if_captured", paymentIntentID)
	defer func() { r.end(span, "refund", out, err) }()

	charges, err := r.gateway.ListCharges(ctx, paymentIntentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing charges of %s: %w", paymentIntentID, err)
	}

	var charge *Charge
	for i := range charges {
		if charges[i].Captured && charges[i].Status == "succeeded" {
			charge = &charges[i]
			break
		}
	}
	if charge == nil {
		return Outcome{Action: ActionNone}, nil
	}

	if charge.FullyRefunded() {
		return r.existingRefund(ctx, charge.ID)
	}

	refund, err := r.gateway.CreateRefund(ctx, charge.ID, "refund-"+charge.ID)
	if err != nil {
		if HasCode(err, ErrCodeChargeAlreadyRefunded) {
			return r.existingRefund(ctx, charge.ID)
		}
		return Outcome{}, fmt.Errorf("refunding charge %s: %w", charge.ID, err)
	}
	return Outcome{Action: ActionRefunded, RefundID: refund.ID}, nil
}

// Unwind returns the customer's money whatever state the intent is in:
// cancel when uncaptured, refund when captured.
func (r *Reconciler) Unwind(ctx context.Context, paymentIntentID string) (Outcome, error) {
	out, err := r.CancelIfUncaptured(ctx, paymentIntentID)
	if err != nil {
		return Outcome{}, err
	}
	if out.Action == ActionCancelled {
		return out, nil
	}
	return r.RefundIfCaptured(ctx, paymentIntentID)
}

func (r *Reconciler) existingRefund(ctx context.Context, chargeID string) (Outcome, error) {
	refunds, err := r.gateway.ListRefunds(ctx, chargeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing refunds of %s: %w", chargeID, err)
	}
	for _, refund := range refunds {
		if refund.Status != "failed" && refund.Status != "canceled" {
			return Outcome{Action: ActionRefunded, RefundID: refund.ID, AlreadyDone: true}, nil
		}
	}
	return Outcome{}, fmt.Errorf("charge %s is refunded but no refund could be read back", chargeID)
}

func (r *Reconciler) start(ctx context.Context, name, paymentIntentID string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("payment_intent_id", paymentIntentID)))
}

func (r *Reconciler) end(span trace.Span, operation string, out Outcome, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.IncreasePaymentOperation(operation, "error")
		log.NewDebugLogger("payment_reconciler").
			Operation(operation).
			Build().
			Error(err).
			Log()
		return
	}
	result := string(out.Action)
	if out.AlreadyDone {
		result = "already_" + result
	}
	span.SetAttributes(attribute.String("payment.result", result))
	metrics.IncreasePaymentOperation(operation, result)
}
