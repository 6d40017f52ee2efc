package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/natalcast/report-pipeline/internal/store/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SweepBatchSize bounds how many records a single list call returns.
const SweepBatchSize = 500

// ReportJob is the durable job ledger. Every status change is a conditional
// write so that concurrent writers can never move a record backwards.
type ReportJob interface {
	// InsertProcessing inserts job in processing state unless a record with the
	// same idempotency key, or holding the same payment intent, exists. That
	// record is returned instead. The boolean is true when this call created it.
	InsertProcessing(ctx context.Context, job model.ReportJob) (*model.ReportJob, bool, error)
	Get(ctx context.Context, idempotencyKey string) (*model.ReportJob, error)
	GetByReportID(ctx context.Context, reportID string) (*model.ReportJob, error)
	// GetByPaymentIntent returns the one job a payment intent was spent on.
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.ReportJob, error)
	// MarkCompleted is a no-op on a completed record and fails with
	// ErrIllegalTransition on a failed one.
	MarkCompleted(ctx context.Context, idempotencyKey string, content []byte, qualityWarning bool) (*model.ReportJob, error)
	// MarkFailed is a no-op on a terminal record. The boolean reports whether
	// this call performed the transition.
	MarkFailed(ctx context.Context, idempotencyKey, errorCode, errorMessage string) (*model.ReportJob, bool, error)
	MarkRefunded(ctx context.Context, idempotencyKey, refundID string) (*model.ReportJob, error)
	SetPaymentState(ctx context.Context, idempotencyKey string, state model.PaymentState) error
	// Heartbeat returns ErrIllegalTransition once the record left processing.
	Heartbeat(ctx context.Context, idempotencyKey string) error
	FindStale(ctx context.Context, threshold time.Duration) (model.ReportJobList, error)
	ListPendingUnwind(ctx context.Context, threshold time.Duration) (model.ReportJobList, error)
	ListPendingCapture(ctx context.Context, threshold time.Duration) (model.ReportJobList, error)
	List(ctx context.Context, filter *ReportJobQueryFilter, opts *ReportJobQueryOptions) (model.ReportJobList, error)
}

type ReportJobStore struct {
	db  *gorm.DB
	now func() time.Time
}

// Make sure we conform to ReportJob interface
var _ ReportJob = (*ReportJobStore)(nil)

func NewReportJobStore(db *gorm.DB) ReportJob {
	return &ReportJobStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *ReportJobStore) InsertProcessing(ctx context.Context, job model.ReportJob) (*model.ReportJob, bool, error) {
	now := s.now()
	job.Status = model.JobStatusProcessing
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Content = nil
	job.ErrorCode = nil
	job.ErrorMessage = nil
	job.Refunded = false
	if job.PaymentState == "" {
		job.PaymentState = model.PaymentStateNone
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&job)
	if result.Error != nil {
		// the conflict target only covers the idempotency key; a second job
		// for the same payment intent trips the partial unique index instead
		if job.HasPayment() {
			if owner, err := s.GetByPaymentIntent(ctx, *job.PaymentIntentID); err == nil {
				return owner, false, nil
			}
		}
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, false, ErrDuplicateKey
		}
		return nil, false, fmt.Errorf("inserting report job: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return &job, true, nil
	}

	existing, err := s.Get(ctx, job.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *ReportJobStore) Get(ctx context.Context, idempotencyKey string) (*model.ReportJob, error) {
	return s.first(ctx, "idempotency_key = ?", idempotencyKey)
}

func (s *ReportJobStore) GetByReportID(ctx context.Context, reportID string) (*model.ReportJob, error) {
	return s.first(ctx, "report_id = ?", reportID)
}

func (s *ReportJobStore) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.ReportJob, error) {
	return s.first(ctx, "payment_intent_id = ?", paymentIntentID)
}

func (s *ReportJobStore) MarkCompleted(ctx context.Context, idempotencyKey string, content []byte, qualityWarning bool) (*model.ReportJob, error) {
	result := s.db.WithContext(ctx).Model(&model.ReportJob{}).
		Where("idempotency_key = ? AND status = ?", idempotencyKey, model.JobStatusProcessing).
		Updates(map[string]any{
			"status":          model.JobStatusCompleted,
			"content":         datatypes.JSON(content),
			"quality_warning": qualityWarning,
			"updated_at":      s.now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("marking report job completed: %w", result.Error)
	}

	job, err := s.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 && job.Status == model.JobStatusFailed {
		return job, ErrIllegalTransition
	}
	return job, nil
}

func (s *ReportJobStore) MarkFailed(ctx context.Context, idempotencyKey, errorCode, errorMessage string) (*model.ReportJob, bool, error) {
	result := s.db.WithContext(ctx).Model(&model.ReportJob{}).
		Where("idempotency_key = ? AND status = ?", idempotencyKey, model.JobStatusProcessing).
		Updates(map[string]any{
			"status":        model.JobStatusFailed,
			"error_code":    errorCode,
			"error_message": errorMessage,
			"updated_at":    s.now(),
		})
	if result.Error != nil {
		return nil, false, fmt.Errorf("marking report job failed: %w", result.Error)
	}

	job, err := s.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return job, result.RowsAffected == 1, nil
}

func (s *ReportJobStore) MarkRefunded(ctx context.Context, idempotencyKey, refundID string) (*model.ReportJob, error) {
	now := s.now()
	result := s.db.WithContext(ctx).Model(&model.ReportJob{}).
		Where("idempotency_key = ? AND status = ? AND refunded = ?", idempotencyKey, model.JobStatusFailed, false).
		Updates(map[string]any{
			"refunded":      true,
			"refund_id":     refundID,
			"refunded_at":   now,
			"payment_state": model.PaymentStateRefunded,
			"updated_at":    now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("marking report job refunded: %w", result.Error)
	}

	job, err := s.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 && !job.Refunded {
		return job, ErrIllegalTransition
	}
	return job, nil
}

func (s *ReportJobStore) SetPaymentState(ctx context.Context, idempotencyKey string, state model.PaymentState) error {
	result := s.db.WithContext(ctx).Model(&model.ReportJob{}).
		Where("idempotency_key = ? AND payment_state <> ?", idempotencyKey, model.PaymentStateRefunded).
		Updates(map[string]any{
			"payment_state": state,
			"updated_at":    s.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("updating payment state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, idempotencyKey); err != nil {
			return err
		}
	}
	return nil
}

func (s *ReportJobStore) Heartbeat(ctx context.Context, idempotencyKey string) error {
	result := s.db.WithContext(ctx).Model(&model.ReportJob{}).
		Where("idempotency_key = ? AND status = ?", idempotencyKey, model.JobStatusProcessing).
		Update("updated_at", s.now())
	if result.Error != nil {
		return fmt.Errorf("report job heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

func (s *ReportJobStore) FindStale(ctx context.Context, threshold time.Duration) (model.ReportJobList, error) {
	return s.List(ctx,
		NewReportJobQueryFilter().
			ByStatus(model.JobStatusProcessing).
			UpdatedBefore(s.now().Add(-threshold)),
		NewReportJobQueryOptions().OldestFirst().WithLimit(SweepBatchSize),
	)
}

func (s *ReportJobStore) ListPendingUnwind(ctx context.Context, threshold time.Duration) (model.ReportJobList, error) {
	return s.List(ctx,
		NewReportJobQueryFilter().
			ByStatus(model.JobStatusFailed).
			WithPaymentIntent().
			ByPaymentStates(model.PaymentStateAuthorized, model.PaymentStateUnwindFailed).
			UpdatedBefore(s.now().Add(-threshold)),
		NewReportJobQueryOptions().OldestFirst().WithLimit(SweepBatchSize),
	)
}

func (s *ReportJobStore) ListPendingCapture(ctx context.Context, threshold time.Duration) (model.ReportJobList, error) {
	return s.List(ctx,
		NewReportJobQueryFilter().
			ByStatus(model.JobStatusCompleted).
			WithPaymentIntent().
			ByPaymentStates(model.PaymentStateAuthorized, model.PaymentStateCaptureFailed).
			UpdatedBefore(s.now().Add(-threshold)),
		NewReportJobQueryOptions().OldestFirst().WithLimit(SweepBatchSize),
	)
}

func (s *ReportJobStore) List(ctx context.Context, filter *ReportJobQueryFilter, opts *ReportJobQueryOptions) (model.ReportJobList, error) {
	var jobs model.ReportJobList
	tx := s.db.WithContext(ctx).Model(&jobs)

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing report jobs: %w", err)
	}
	return jobs, nil
}

func (s *ReportJobStore) first(ctx context.Context, query string, args ...any) (*model.ReportJob, error) {
	var job model.ReportJob
	result := s.db.WithContext(ctx).Where(query, args...).First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying report job: %w", result.Error)
	}
	return &job, nil
}
