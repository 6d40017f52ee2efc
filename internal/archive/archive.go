package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is the audit copy of a completed report.
type Record struct {
	ReportID       string          `json:"reportId"`
	ReportType     string          `json:"reportType"`
	Input          json.RawMessage `json:"inputParameters"`
	Content        json.RawMessage `json:"content"`
	QualityWarning bool            `json:"qualityWarning"`
	CompletedAt    time.Time       `json:"completedAt"`
}

func (r Record) Key() string {
	return fmt.Sprintf("reports/%s/%s.json", r.ReportType, r.ReportID)
}

type Archiver interface {
	Store(ctx context.Context, r Record) error
	Type() string
}

type NoopArchiver struct{}

func (NoopArchiver) Store(context.Context, Record) error { return nil }

func (NoopArchiver) Type() string { return "noop" }
