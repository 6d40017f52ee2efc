package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natalcast/report-pipeline/api/v1alpha1"
	"github.com/natalcast/report-pipeline/pkg/log"
)

type State string

const (
	StateIdle      State = "idle"
	StateVerifying State = "verifying"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimeout   State = "timeout"
)

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimeout
}

// CodeClientError marks failures that happened on this side of the wire.
const CodeClientError = "CLIENT_ERROR"

var ErrNothingToRetry = errors.New("no previous attempt to retry")

// Snapshot is the state of the active attempt as seen by the client.
type Snapshot struct {
	AttemptID      string
	State          State
	ReportID       string
	Content        json.RawMessage
	QualityWarning bool
	ErrorCode      string
	Error          string
	Notice         string
	Polls          int
}

type ReportAPI interface {
	Submit(ctx context.Context, form v1alpha1.ReportCreate) (*v1alpha1.ReportReply, error)
	GetReport(ctx context.Context, reportID string) (*v1alpha1.ReportReply, error)
}

type StartOptions struct {
	PaymentToken    string
	SessionID       string
	PaymentIntentID string
}

type ControllerOption func(c *Controller)

func WithPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithMaxPollAttempts(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

type attempt struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller drives one report generation at a time from the client side.
// Starting a new attempt invalidates the previous one: results that arrive
// for an attempt that is no longer active are dropped. Cancelling is local
// only and never touches the job on the server.
//
// Listeners see transitions in the order they were applied. They run while
// the controller holds its transition lock and must not start, retry or
// cancel attempts themselves.
type Controller struct {
	api         ReportAPI
	interval    time.Duration
	maxAttempts int
	logger      *log.StructuredLoggerBuilder

	// transition serializes a snapshot change with its delivery; taken before mu
	transition sync.Mutex
	mu         sync.Mutex
	snapshot   Snapshot
	active     *attempt
	last       *v1alpha1.ReportCreate
	listeners  []func(Snapshot)
}

func NewController(api ReportAPI, opts ...ControllerOption) *Controller {
	c := &Controller{
		api:         api,
		interval:    defaultPollInterval,
		maxAttempts: defaultMaxPollAttempts,
		logger:      log.NewDebugLogger("client_controller"),
		snapshot:    Snapshot{State: StateIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnStateChange registers fn to be called with every visible transition.
func (c *Controller) OnStateChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Start submits a new report request and follows it until it is terminal.
// It returns the id of the new attempt.
func (c *Controller) Start(ctx context.Context, reportType string, input json.RawMessage, opts StartOptions) string {
	form := v1alpha1.ReportCreate{
		ReportType:      reportType,
		Input:           input,
		PaymentIntentId: optional(opts.PaymentIntentID),
		SessionId:       optional(opts.SessionID),
		PaymentToken:    optional(opts.PaymentToken),
	}
	return c.start(ctx, form)
}

// Resume follows an existing report without submitting anything, e.g. after
// a timeout or a restart of the client.
func (c *Controller) Resume(ctx context.Context, reportID string) string {
	return c.begin(ctx, Snapshot{State: StatePolling, ReportID: reportID}, func(ctx context.Context, id string) {
		c.poll(ctx, id, reportID, true)
	})
}

// Cancel abandons the active attempt and goes back to idle.
func (c *Controller) Cancel() {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	c.abortLocked()
	c.snapshot = Snapshot{State: StateIdle}
	snap := c.snapshot
	c.mu.Unlock()
	c.notify(snap)
}

// Retry cancels the active attempt and starts a fresh one with the last
// submitted request. The server answers a resubmission of the same purchase
// with the job it already has.
func (c *Controller) Retry(ctx context.Context) (string, error) {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last == nil {
		return "", ErrNothingToRetry
	}
	c.Cancel()
	return c.start(ctx, *last), nil
}

// Wait blocks until the attempt active at call time ends, or ctx is done.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	a := c.active
	c.mu.Unlock()
	if a == nil {
		return c.Snapshot(), nil
	}
	select {
	case <-a.done:
		return c.Snapshot(), nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

func (c *Controller) start(ctx context.Context, form v1alpha1.ReportCreate) string {
	c.mu.Lock()
	c.last = &form
	c.mu.Unlock()
	return c.begin(ctx, Snapshot{State: StateVerifying}, func(ctx context.Context, id string) {
		c.submit(ctx, id, form)
	})
}

func (c *Controller) begin(ctx context.Context, initial Snapshot, run func(ctx context.Context, id string)) string {
	actx, cancel := context.WithCancel(ctx)
	a := &attempt{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}

	c.transition.Lock()
	c.mu.Lock()
	c.abortLocked()
	c.active = a
	initial.AttemptID = a.id
	c.snapshot = initial
	c.mu.Unlock()
	c.notify(initial)
	c.transition.Unlock()

	go func() {
		defer close(a.done)
		defer cancel()
		run(actx, a.id)
	}()
	return a.id
}

func (c *Controller) abortLocked() {
	if c.active != nil {
		c.active.cancel()
		c.active = nil
	}
}

func (c *Controller) submit(ctx context.Context, id string, form v1alpha1.ReportCreate) {
	reply, err := c.api.Submit(ctx, form)
	if ctx.Err() != nil {
		c.abandon(id)
		return
	}
	if err != nil {
		c.update(id, func(s *Snapshot) {
			s.State = StateFailed
			s.ErrorCode = CodeClientError
			s.Error = err.Error()
		})
		return
	}

	next, ok := c.apply(id, reply, 0)
	if !ok || next != StatePolling {
		return
	}
	c.poll(ctx, id, c.Snapshot().ReportID, false)
}

// poll reads the job every interval, at most maxAttempts times. Read errors
// use up an attempt but do not end the loop.
func (c *Controller) poll(ctx context.Context, id, reportID string, immediate bool) {
	logger := c.logger.WithContext(ctx).
		Operation("poll_report").
		WithString("attempt_id", id).
		WithString("report_id", reportID).
		Build()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for n := 1; n <= c.maxAttempts; n++ {
		if !(immediate && n == 1) {
			select {
			case <-ctx.Done():
				c.abandon(id)
				return
			case <-ticker.C:
			}
		}

		reply, err := c.api.GetReport(ctx, reportID)
		if ctx.Err() != nil {
			c.abandon(id)
			return
		}
		if err != nil {
			logger.Warn("poll_failed").WithInt("poll", n).WithString("error", err.Error()).Log()
			if !c.update(id, func(s *Snapshot) { s.Polls = n }) {
				return
			}
			continue
		}

		next, ok := c.apply(id, reply, n)
		if !ok || next.IsTerminal() {
			return
		}
	}

	c.update(id, func(s *Snapshot) { s.State = StateTimeout })
	logger.Warn("poll_timeout").WithInt("polls", c.maxAttempts).Log()
}

func (c *Controller) apply(id string, reply *v1alpha1.ReportReply, polls int) (State, bool) {
	var next State
	ok := c.update(id, func(s *Snapshot) {
		s.Polls = polls
		if reply.Data != nil {
			s.ReportID = reply.Data.ReportId
		}
		switch {
		case !reply.Ok:
			s.State = StateFailed
			s.ErrorCode = deref(reply.ErrorCode)
			s.Error = deref(reply.Error)
			s.Notice = deref(reply.Notice)
		case reply.Data == nil:
			s.State = StateFailed
			s.ErrorCode = CodeClientError
			s.Error = "reply carries no report"
		case reply.Data.Status == v1alpha1.ReportStatusCompleted:
			s.State = StateCompleted
			if reply.Data.Content != nil {
				s.Content = *reply.Data.Content
			}
			s.QualityWarning = reply.Data.QualityWarning != nil && *reply.Data.QualityWarning
		case reply.Data.Status == v1alpha1.ReportStatusFailed:
			s.State = StateFailed
		default:
			s.State = StatePolling
		}
		next = s.State
	})
	return next, ok
}

// abandon resets an attempt whose context ended without an explicit Cancel.
func (c *Controller) abandon(id string) {
	c.update(id, func(s *Snapshot) {
		*s = Snapshot{State: StateIdle}
	})
}

// update applies fn to the snapshot only while attempt id is the active one.
// A superseded attempt cannot deliver once its successor has announced itself.
func (c *Controller) update(id string, fn func(s *Snapshot)) bool {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	if c.active == nil || c.active.id != id {
		c.mu.Unlock()
		return false
	}
	before := c.snapshot
	fn(&c.snapshot)
	snap := c.snapshot
	c.mu.Unlock()

	if before.State != snap.State || before.ReportID != snap.ReportID {
		c.notify(snap)
	}
	return true
}

func (c *Controller) notify(snap Snapshot) {
	c.mu.Lock()
	listeners := append([]func(Snapshot){}, c.listeners...)
	c.mu.Unlock()

	c.logger.Operation("state_change").
		WithString("attempt_id", snap.AttemptID).
		WithString("state", string(snap.State)).
		Build().
		Step("transition").
		WithString("report_id", snap.ReportID).
		Log()
	for _, fn := range listeners {
		fn(snap)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
