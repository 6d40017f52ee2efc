package jobs

import (
	"context"
	"time"

	"github.com/riverqueue/river"

	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/natalcast/report-pipeline/pkg/log"
)

const (
	JobTimeout = time.Minute
	JobKind    = "capture_payment"
)

// CaptureArgs is stored in river_job.args as JSON.
type CaptureArgs struct {
	IdempotencyKey  string `json:"idempotency_key"`
	ReportID        string `json:"report_id"`
	ReportType      string `json:"report_type"`
	PaymentIntentID string `json:"payment_intent_id"`
}

func (CaptureArgs) Kind() string {
	return JobKind
}

// InsertOpts makes a second dispatch for the same capture a no-op while the
// first one is still queued or running.
func (CaptureArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       DefaultQueue,
		MaxAttempts: MaxJobAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

func (a CaptureArgs) task() service.CaptureTask {
	return service.CaptureTask{
		IdempotencyKey:  a.IdempotencyKey,
		ReportID:        a.ReportID,
		ReportType:      a.ReportType,
		PaymentIntentID: a.PaymentIntentID,
	}
}

// Capturer performs the capture. *service.Settlement implements it.
type Capturer interface {
	Capture(ctx context.Context, task service.CaptureTask) error
}

type CaptureWorker struct {
	river.WorkerDefaults[CaptureArgs]
	capturer Capturer
}

func NewCaptureWorker(capturer Capturer) *CaptureWorker {
	return &CaptureWorker{capturer: capturer}
}

func (w *CaptureWorker) Timeout(job *river.Job[CaptureArgs]) time.Duration {
	return JobTimeout
}

// Work returns the capture error so that river retries it with backoff.
func (w *CaptureWorker) Work(ctx context.Context, job *river.Job[CaptureArgs]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	logger := log.NewDebugLogger("capture_worker").
		WithContext(ctx).
		Operation("capture_payment").
		WithString("report_id", job.Args.ReportID).
		WithString("payment_intent_id", job.Args.PaymentIntentID).
		Build()

	if err := w.capturer.Capture(ctx, job.Args.task()); err != nil {
		logger.Error(err).Log()
		return err
	}
	logger.Success().Log()
	return nil
}
