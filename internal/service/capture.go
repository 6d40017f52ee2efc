package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/natalcast/report-pipeline/pkg/log"
)

var (
	ErrCaptureQueueFull   = errors.New("capture queue is full")
	ErrCapturePoolStopped = errors.New("capture pool is stopped")
)

const captureTimeout = 30 * time.Second

// CaptureResult is published for every capture the pool executes.
type CaptureResult struct {
	Task CaptureTask
	Err  error
}

// CapturePool executes captures on a fixed set of goroutines. Every outcome
// goes through a results channel drained by a single sink that logs and
// counts it.
type CapturePool struct {
	settlement *Settlement
	workers    int
	queue      chan CaptureTask
	results    chan CaptureResult
	onResult   func(CaptureResult)
	workersWg  sync.WaitGroup
	sinkWg     sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
	// mu guards the queue against a send after close
	mu      sync.RWMutex
	stopped bool
}

var _ CaptureDispatcher = (*CapturePool)(nil)

func NewCapturePool(settlement *Settlement, workers, queueSize int) *CapturePool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 256
	}
	return &CapturePool{
		settlement: settlement,
		workers:    workers,
		queue:      make(chan CaptureTask, queueSize),
		results:    make(chan CaptureResult, queueSize),
	}
}

// OnResult registers a hook called by the sink after each capture. It must be
// set before Start.
func (p *CapturePool) OnResult(fn func(CaptureResult)) *CapturePool {
	p.onResult = fn
	return p
}

func (p *CapturePool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.workersWg.Add(1)
			go p.work()
		}
		p.sinkWg.Add(1)
		go p.sink()
	})
}

// Stop drains the queue and waits for in-flight captures.
func (p *CapturePool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		p.workersWg.Wait()
		close(p.results)
		p.sinkWg.Wait()
	})
}

// Dispatch queues task without blocking. After Stop it fails with
// ErrCapturePoolStopped and the capture is left to the sweeper.
func (p *CapturePool) Dispatch(_ context.Context, task CaptureTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrCapturePoolStopped
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrCaptureQueueFull
	}
}

func (p *CapturePool) work() {
	defer p.workersWg.Done()
	for task := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
		err := p.settlement.Capture(ctx, task)
		cancel()
		p.results <- CaptureResult{Task: task, Err: err}
	}
}

func (p *CapturePool) sink() {
	defer p.sinkWg.Done()
	for res := range p.results {
		logger := log.NewDebugLogger("capture_pool").
			Operation("capture_result").
			WithString("report_id", res.Task.ReportID).
			WithString("report_type", res.Task.ReportType).
			Build()
		if res.Err != nil {
			logger.Warn("capture_failed").WithString("error", res.Err.Error()).Log()
		} else {
			logger.Step("captured").Log()
		}
		if p.onResult != nil {
			p.onResult(res)
		}
	}
}
