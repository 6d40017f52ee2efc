package service

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeValidation            ErrorCode = "VALIDATION_ERROR"
	CodeStorage               ErrorCode = "STORAGE_ERROR"
	CodeGeneration            ErrorCode = "GENERATION_ERROR"
	CodeQualityGate           ErrorCode = "QUALITY_GATE_FAILURE"
	CodeStaleProcessing       ErrorCode = "STALE_PROCESSING"
	CodePaymentReconciliation ErrorCode = "PAYMENT_RECONCILIATION_ERROR"
	CodePaymentRequired       ErrorCode = "PAYMENT_REQUIRED"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeInternal              ErrorCode = "INTERNAL_ERROR"
)

// RefundNotice accompanies every terminal failure of a paid job.
const RefundNotice = "Any charge for this report will be cancelled or refunded automatically."

// ErrReport carries a stable error code next to the underlying error.
type ErrReport struct {
	error
	Code ErrorCode
}

func (e *ErrReport) Unwrap() error {
	return e.error
}

func newErr(code ErrorCode, err error) *ErrReport {
	return &ErrReport{error: err, Code: code}
}

func NewErrValidation(format string, args ...any) *ErrReport {
	return newErr(CodeValidation, fmt.Errorf(format, args...))
}

func NewErrStorage(err error) *ErrReport {
	return newErr(CodeStorage, fmt.Errorf("job store unavailable: %w", err))
}

func NewErrPaymentRequired(format string, args ...any) *ErrReport {
	return newErr(CodePaymentRequired, fmt.Errorf(format, args...))
}

func NewErrReportNotFound(reportID string) *ErrReport {
	return newErr(CodeNotFound, fmt.Errorf("report %s not found", reportID))
}

// CodeOf returns the code attached to err, INTERNAL_ERROR when there is none.
func CodeOf(err error) ErrorCode {
	var e *ErrReport
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
