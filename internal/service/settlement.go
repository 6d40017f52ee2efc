package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/natalcast/report-pipeline/internal/events"
	"github.com/natalcast/report-pipeline/internal/payment"
	"github.com/natalcast/report-pipeline/internal/store"
	"github.com/natalcast/report-pipeline/internal/store/model"
	"github.com/natalcast/report-pipeline/pkg/log"
)

// EventPublisher receives lifecycle events. *events.EventProducer implements it.
type EventPublisher interface {
	Publish(ctx context.Context, kind string, ev events.ReportEvent) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, events.ReportEvent) error { return nil }

// CaptureTask asks for the payment of a completed job to be captured.
type CaptureTask struct {
	IdempotencyKey  string `json:"idempotency_key"`
	ReportID        string `json:"report_id"`
	ReportType      string `json:"report_type"`
	PaymentIntentID string `json:"payment_intent_id"`
}

func captureTaskFor(job model.ReportJob) CaptureTask {
	return CaptureTask{
		IdempotencyKey:  job.IdempotencyKey,
		ReportID:        job.ReportID,
		ReportType:      job.ReportType,
		PaymentIntentID: *job.PaymentIntentID,
	}
}

// CaptureDispatcher hands a capture to a background executor. Dispatch must
// not wait for the capture itself.
type CaptureDispatcher interface {
	Dispatch(ctx context.Context, task CaptureTask) error
}

// Settlement moves the payment of a terminal job to its final state and
// records the outcome on the job.
type Settlement struct {
	store      store.Store
	reconciler *payment.Reconciler
	events     EventPublisher
	logger     *log.StructuredLoggerBuilder
}

func NewSettlement(st store.Store, reconciler *payment.Reconciler, publisher EventPublisher) *Settlement {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Settlement{
		store:      st,
		reconciler: reconciler,
		events:     publisher,
		logger:     log.NewDebugLogger("settlement"),
	}
}

func (s *Settlement) Reconciler() *payment.Reconciler {
	return s.reconciler
}

// Capture captures the payment of a completed job. Failures leave the job
// in capture_failed and raise a billing alert; the report stays delivered.
func (s *Settlement) Capture(ctx context.Context, task CaptureTask) error {
	logger := s.logger.WithContext(ctx).
		Operation("capture_payment").
		WithString("report_id", task.ReportID).
		WithString("payment_intent_id", task.PaymentIntentID).
		Build()

	out, err := s.reconciler.Capture(ctx, task.PaymentIntentID)
	if err != nil {
		s.setPaymentState(ctx, task.IdempotencyKey, model.PaymentStateCaptureFailed)
		s.publish(ctx, task.ReportID, task.ReportType, model.PaymentStateCaptureFailed)
		logger.Error(err).WithString("alert", "billing_capture_failed").Log()
		return newErr(CodePaymentReconciliation, fmt.Errorf("capturing payment of report %s: %w", task.ReportID, err))
	}

	s.setPaymentState(ctx, task.IdempotencyKey, model.PaymentStateCaptured)
	s.publish(ctx, task.ReportID, task.ReportType, model.PaymentStateCaptured)
	logger.Success().WithParam("already_captured", out.AlreadyDone).Log()
	return nil
}

// Unwind cancels or refunds the payment of a failed job. It must only be
// called once the failure is durably recorded.
func (s *Settlement) Unwind(ctx context.Context, job model.ReportJob) (payment.Outcome, error) {
	if !job.HasPayment() {
		return payment.Outcome{Action: payment.ActionNone}, nil
	}

	logger := s.logger.WithContext(ctx).
		Operation("unwind_payment").
		WithString("report_id", job.ReportID).
		WithString("payment_intent_id", *job.PaymentIntentID).
		WithString("error_code", job.ErrorCodeString()).
		Build()

	out, err := s.reconciler.Unwind(ctx, *job.PaymentIntentID)
	if err == nil && out.Action == payment.ActionNone {
		err = errors.New("payment intent was captured but no refundable charge was found")
	}
	if err != nil {
		s.setPaymentState(ctx, job.IdempotencyKey, model.PaymentStateUnwindFailed)
		s.publish(ctx, job.ReportID, job.ReportType, model.PaymentStateUnwindFailed)
		logger.Error(err).WithString("alert", "payment_unwind_failed").Log()
		return payment.Outcome{}, newErr(CodePaymentReconciliation, fmt.Errorf("unwinding payment of report %s: %w", job.ReportID, err))
	}

	state := model.PaymentStateCancelled
	if out.Action == payment.ActionRefunded {
		state = model.PaymentStateRefunded
		if _, err := s.store.ReportJob().MarkRefunded(ctx, job.IdempotencyKey, out.RefundID); err != nil {
			// the refund exists at the processor; the next sweep reads it back
			logger.Error(err).WithString("refund_id", out.RefundID).Log()
			return out, NewErrStorage(err)
		}
	} else {
		s.setPaymentState(ctx, job.IdempotencyKey, state)
	}

	s.publish(ctx, job.ReportID, job.ReportType, state)
	logger.Success().
		WithString("action", string(out.Action)).
		WithString("refund_id", out.RefundID).
		WithParam("already_done", out.AlreadyDone).
		Log()
	return out, nil
}

func (s *Settlement) setPaymentState(ctx context.Context, key string, state model.PaymentState) {
	if err := s.store.ReportJob().SetPaymentState(ctx, key, state); err != nil {
		s.logger.WithContext(ctx).
			Operation("set_payment_state").
			WithString("payment_state", string(state)).
			Build().
			Error(err).
			Log()
	}
}

func (s *Settlement) publish(ctx context.Context, reportID, reportType string, state model.PaymentState) {
	_ = s.events.Publish(ctx, events.PaymentKind, events.ReportEvent{
		ReportID:     reportID,
		ReportType:   reportType,
		PaymentState: string(state),
	})
}
