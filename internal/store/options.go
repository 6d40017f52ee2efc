package store

import (
	"time"

	"github.com/natalcast/report-pipeline/internal/store/model"
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type ReportJobQueryFilter BaseQuerier

func NewReportJobQueryFilter() *ReportJobQueryFilter {
	return &ReportJobQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *ReportJobQueryFilter) ByStatus(status model.JobStatus) *ReportJobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

func (qf *ReportJobQueryFilter) ByPaymentStates(states ...model.PaymentState) *ReportJobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("payment_state IN ?", states)
	})
	return qf
}

func (qf *ReportJobQueryFilter) WithPaymentIntent() *ReportJobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("payment_intent_id IS NOT NULL AND payment_intent_id <> ''")
	})
	return qf
}

func (qf *ReportJobQueryFilter) UpdatedBefore(t time.Time) *ReportJobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("updated_at < ?", t)
	})
	return qf
}

func (qf *ReportJobQueryFilter) ByReportType(reportType string) *ReportJobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("report_type = ?", reportType)
	})
	return qf
}

type ReportJobQueryOptions BaseQuerier

func NewReportJobQueryOptions() *ReportJobQueryOptions {
	return &ReportJobQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

// OldestFirst orders by last heartbeat so the longest abandoned jobs are handled first.
func (o *ReportJobQueryOptions) OldestFirst() *ReportJobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Order("updated_at ASC")
	})
	return o
}

func (o *ReportJobQueryOptions) WithLimit(limit int) *ReportJobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}
