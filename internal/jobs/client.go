package jobs

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/natalcast/report-pipeline/internal/service"
)

const (
	DefaultQueue   = "payments"
	MaxJobAttempts = 5
)

// Client runs capture jobs on the ledger's postgres database.
type Client struct {
	*river.Client[pgx.Tx]
}

var _ service.CaptureDispatcher = (*Client)(nil)

func NewClient(pool *pgxpool.Pool, capturer Capturer, maxWorkers int) (*Client, error) {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewCaptureWorker(capturer))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			DefaultQueue: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, err
	}

	return &Client{Client: riverClient}, nil
}

func (c *Client) Dispatch(ctx context.Context, task service.CaptureTask) error {
	_, err := c.Insert(ctx, CaptureArgs{
		IdempotencyKey:  task.IdempotencyKey,
		ReportID:        task.ReportID,
		ReportType:      task.ReportType,
		PaymentIntentID: task.PaymentIntentID,
	}, nil)
	return err
}
