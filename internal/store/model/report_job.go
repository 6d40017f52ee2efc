package model

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// PaymentState tracks what the pipeline last did to the payment linked to a job.
type PaymentState string

const (
	PaymentStateNone          PaymentState = "none"
	PaymentStateAuthorized    PaymentState = "authorized"
	PaymentStateCaptured      PaymentState = "captured"
	PaymentStateCaptureFailed PaymentState = "capture_failed"
	PaymentStateCancelled     PaymentState = "cancelled"
	PaymentStateRefunded      PaymentState = "refunded"
	PaymentStateUnwindFailed  PaymentState = "unwind_failed"
)

// ReportJob is one row of the job ledger. The idempotency key is the
// primary key so concurrent inserts for the same purchase collapse into one row.
type ReportJob struct {
	IdempotencyKey  string         `gorm:"primaryKey;column:idempotency_key"`
	ReportID        string         `gorm:"column:report_id;uniqueIndex"`
	ReportType      string         `gorm:"column:report_type"`
	Status          JobStatus      `gorm:"column:status"`
	InputParameters datatypes.JSON `gorm:"column:input_parameters"`
	Content         datatypes.JSON `gorm:"column:content"`
	QualityWarning  bool           `gorm:"column:quality_warning"`
	ErrorCode       *string        `gorm:"column:error_code"`
	ErrorMessage    *string        `gorm:"column:error_message"`
	PaymentIntentID *string        `gorm:"column:payment_intent_id;uniqueIndex:report_jobs_payment_intent_id_key,where:payment_intent_id IS NOT NULL"`
	PaymentState    PaymentState   `gorm:"column:payment_state"`
	Refunded        bool           `gorm:"column:refunded"`
	RefundID        *string        `gorm:"column:refund_id"`
	RefundedAt      *time.Time     `gorm:"column:refunded_at"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
}

func (ReportJob) TableName() string {
	return "report_jobs"
}

func (j ReportJob) HasPayment() bool {
	return j.PaymentIntentID != nil && *j.PaymentIntentID != ""
}

func (j ReportJob) ErrorCodeString() string {
	if j.ErrorCode == nil {
		return ""
	}
	return *j.ErrorCode
}

type ReportJobList []ReportJob
