package v1alpha1

import "encoding/json"

type ReportStatus string

const (
	ReportStatusProcessing ReportStatus = "processing"
	ReportStatusCompleted  ReportStatus = "completed"
	ReportStatusFailed     ReportStatus = "failed"
)

// ReportCreate is the submission body.
type ReportCreate struct {
	ReportType      string          `json:"reportType" validate:"required,report_type"`
	Input           json.RawMessage `json:"input" validate:"required"`
	PaymentIntentId *string         `json:"paymentIntentId,omitempty" validate:"omitempty,startswith=pi_,max=255"`
	SessionId       *string         `json:"sessionId,omitempty" validate:"omitempty,startsnotwith=pi_,max=255"`
	PaymentToken    *string         `json:"paymentToken,omitempty" validate:"omitempty,max=255"`
}

type ReportData struct {
	Status         ReportStatus     `json:"status"`
	ReportId       string           `json:"reportId"`
	Content        *json.RawMessage `json:"content,omitempty"`
	QualityWarning *bool            `json:"qualityWarning,omitempty"`
}

// ReportReply is the envelope of every report response. Ok is false
// whenever Error is set.
type ReportReply struct {
	Ok        bool        `json:"ok"`
	Data      *ReportData `json:"data,omitempty"`
	Error     *string     `json:"error,omitempty"`
	ErrorCode *string     `json:"errorCode,omitempty"`
	Notice    *string     `json:"notice,omitempty"`
	RequestId *string     `json:"requestId,omitempty"`
}

type SweepRequest struct {
	Threshold *int `json:"threshold,omitempty" validate:"omitempty,min=1,max=10080"`
}

type SweepError struct {
	ReportId  string `json:"reportId"`
	ErrorCode string `json:"errorCode"`
	Error     string `json:"error"`
}

type SweepReply struct {
	Stale     int          `json:"stale"`
	Processed int          `json:"processed"`
	Cancelled int          `json:"cancelled"`
	Refunded  int          `json:"refunded"`
	Captured  int          `json:"captured"`
	Failed    int          `json:"failed"`
	Skipped   bool         `json:"skipped"`
	Errors    []SweepError `json:"errors"`
}

type Health struct {
	Status string `json:"status"`
}
