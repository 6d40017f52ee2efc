package events

import "time"

const (
	ReportCompletedKind string = "reports.events.completed"
	ReportFailedKind    string = "reports.events.failed"
	PaymentKind         string = "reports.events.payment"
	defaultTopic        string = "reports.events"
	eventSource         string = "reports.pipeline"

	defaultBufferCapacity = 1024
)

// ReportEvent is the payload of every lifecycle event.
type ReportEvent struct {
	ReportID       string    `json:"report_id"`
	ReportType     string    `json:"report_type"`
	Status         string    `json:"status"`
	ErrorCode      string    `json:"error_code,omitempty"`
	PaymentState   string    `json:"payment_state,omitempty"`
	QualityWarning bool      `json:"quality_warning"`
	OccurredAt     time.Time `json:"occurred_at"`
}
