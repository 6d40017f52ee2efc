package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"github.com/natalcast/report-pipeline/internal/events"
	"github.com/natalcast/report-pipeline/internal/lock"
	"github.com/natalcast/report-pipeline/internal/payment"
	"github.com/natalcast/report-pipeline/internal/store"
	"github.com/natalcast/report-pipeline/internal/store/model"
	"github.com/natalcast/report-pipeline/pkg/log"
	"github.com/natalcast/report-pipeline/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	SweeperLockName          = "reports:sweeper:lock"
	DefaultSweeperThreshold  = 5 * time.Minute
	defaultSweeperConcurrent = 4
)

type SweepError struct {
	ReportID  string    `json:"reportId"`
	ErrorCode ErrorCode `json:"errorCode"`
	Error     string    `json:"error"`
}

// SweepReport summarizes one sweeper run. Failed counts records whose
// handling produced an error; each of them has an entry in Errors.
type SweepReport struct {
	Stale     int          `json:"stale"`
	Processed int          `json:"processed"`
	Cancelled int          `json:"cancelled"`
	Refunded  int          `json:"refunded"`
	Captured  int          `json:"captured"`
	Failed    int          `json:"failed"`
	Errors    []SweepError `json:"errors"`
	Skipped   bool         `json:"skipped"`
}

type SweeperOption func(s *Sweeper)

func WithSweeperLocker(l lock.Locker) SweeperOption {
	return func(s *Sweeper) {
		s.locker = l
	}
}

func WithSweeperConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithStaleAlertThreshold sets how many stale jobs in a single run raise an alert.
func WithStaleAlertThreshold(n int) SweeperOption {
	return func(s *Sweeper) {
		s.alertThreshold = n
	}
}

func WithSweeperEvents(p EventPublisher) SweeperOption {
	return func(s *Sweeper) {
		s.events = p
	}
}

// Sweeper recovers jobs that a crashed or hung orchestrator left behind:
// stale processing jobs are failed and unwound, failed jobs whose unwind did
// not go through are unwound again and completed jobs whose capture did not go
// through are captured again.
type Sweeper struct {
	store          store.Store
	settlement     *Settlement
	locker         lock.Locker
	events         EventPublisher
	concurrency    int
	alertThreshold int
	logger         *log.StructuredLoggerBuilder
}

func NewSweeper(st store.Store, settlement *Settlement, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:          st,
		settlement:     settlement,
		locker:         lock.NewMemoryLocker(),
		events:         noopPublisher{},
		concurrency:    defaultSweeperConcurrent,
		alertThreshold: 10,
		logger:         log.NewDebugLogger("sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) Run(ctx context.Context, threshold time.Duration) (*SweepReport, error) {
	if threshold <= 0 {
		threshold = DefaultSweeperThreshold
	}
	logger := s.logger.WithContext(ctx).
		Operation("sweep").
		WithString("threshold", threshold.String()).
		Build()

	release, err := s.locker.Acquire(ctx, SweeperLockName, 2*threshold)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			logger.Info("sweep_skipped").Log()
			return &SweepReport{Skipped: true, Errors: []SweepError{}}, nil
		}
		logger.Error(err).Log()
		return nil, fmt.Errorf("acquiring sweeper lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Error(err).Log()
		}
	}()

	jobs := s.store.ReportJob()
	stale, err := jobs.FindStale(ctx, threshold)
	if err != nil {
		logger.Error(err).Log()
		return nil, NewErrStorage(err)
	}
	pendingUnwind, err := jobs.ListPendingUnwind(ctx, threshold)
	if err != nil {
		logger.Error(err).Log()
		return nil, NewErrStorage(err)
	}
	pendingCapture, err := jobs.ListPendingCapture(ctx, threshold)
	if err != nil {
		logger.Error(err).Log()
		return nil, NewErrStorage(err)
	}

	rep := &SweepReport{Stale: len(stale), Errors: []SweepError{}}
	metrics.SetSweeperLastRunStale(len(stale))
	if s.alertThreshold > 0 && len(stale) >= s.alertThreshold {
		logger.Warn("stale_jobs_anomaly").
			WithString("alert", "stale_jobs_anomaly").
			WithInt("stale", len(stale)).
			Log()
	}

	var mu sync.Mutex
	record := func(fn func(r *SweepReport)) {
		mu.Lock()
		defer mu.Unlock()
		fn(rep)
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(s.concurrency)
	for _, job := range stale {
		g.Go(func() error {
			s.reapStale(gctx, threshold, job, record)
			return nil
		})
	}
	for _, job := range pendingUnwind {
		g.Go(func() error {
			record(func(r *SweepReport) { r.Processed++ })
			s.unwind(gctx, job, record)
			return nil
		})
	}
	for _, job := range pendingCapture {
		g.Go(func() error {
			record(func(r *SweepReport) { r.Processed++ })
			if err := s.settlement.Capture(gctx, captureTaskFor(job)); err != nil {
				record(failure(job, err))
				return nil
			}
			record(func(r *SweepReport) { r.Captured++ })
			return nil
		})
	}
	_ = g.Wait()

	metrics.IncreaseSweeperRecords("processed", rep.Processed)
	metrics.IncreaseSweeperRecords("cancelled", rep.Cancelled)
	metrics.IncreaseSweeperRecords("refunded", rep.Refunded)
	metrics.IncreaseSweeperRecords("captured", rep.Captured)
	metrics.IncreaseSweeperRecords("failed", rep.Failed)

	logger.Success().
		WithInt("stale", rep.Stale).
		WithInt("processed", rep.Processed).
		WithInt("cancelled", rep.Cancelled).
		WithInt("refunded", rep.Refunded).
		WithInt("captured", rep.Captured).
		WithInt("failed", rep.Failed).
		Log()
	return rep, nil
}

func (s *Sweeper) reapStale(ctx context.Context, threshold time.Duration, job model.ReportJob, record func(func(*SweepReport))) {
	msg := fmt.Sprintf("job made no progress for more than %s", threshold)
	failed, transitioned, err := s.store.ReportJob().MarkFailed(ctx, job.IdempotencyKey, string(CodeStaleProcessing), msg)
	if err != nil {
		record(failure(job, NewErrStorage(err)))
		return
	}
	if !transitioned {
		// finished on its own between the listing and now
		return
	}
	record(func(r *SweepReport) { r.Processed++ })

	metrics.IncreaseJobsFinished(failed.ReportType, string(model.JobStatusFailed), string(CodeStaleProcessing))
	_ = s.events.Publish(ctx, events.ReportFailedKind, events.ReportEvent{
		ReportID:     failed.ReportID,
		ReportType:   failed.ReportType,
		Status:       string(failed.Status),
		ErrorCode:    string(CodeStaleProcessing),
		PaymentState: string(failed.PaymentState),
	})
	s.unwind(ctx, *failed, record)
}

func (s *Sweeper) unwind(ctx context.Context, job model.ReportJob, record func(func(*SweepReport))) {
	if !job.HasPayment() {
		return
	}
	out, err := s.settlement.Unwind(ctx, job)
	if err != nil {
		record(failure(job, err))
		return
	}
	switch out.Action {
	case payment.ActionCancelled:
		record(func(r *SweepReport) { r.Cancelled++ })
	case payment.ActionRefunded:
		record(func(r *SweepReport) { r.Refunded++ })
	}
}

func failure(job model.ReportJob, err error) func(*SweepReport) {
	return func(r *SweepReport) {
		r.Failed++
		r.Errors = append(r.Errors, SweepError{ReportID: job.ReportID, ErrorCode: CodeOf(err), Error: err.Error()})
	}
}

// Start runs the sweeper every interval, with jitter, until ctx is done.
func (s *Sweeper) Start(ctx context.Context, interval, threshold time.Duration) {
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 20})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, threshold); err != nil {
				s.logger.Operation("scheduled_sweep").Build().Error(err).Log()
			}
		}
	}
}
