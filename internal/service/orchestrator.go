package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"github.com/natalcast/report-pipeline/internal/archive"
	"github.com/natalcast/report-pipeline/internal/events"
	"github.com/natalcast/report-pipeline/internal/generation"
	"github.com/natalcast/report-pipeline/internal/payment"
	"github.com/natalcast/report-pipeline/internal/report"
	"github.com/natalcast/report-pipeline/internal/store"
	"github.com/natalcast/report-pipeline/internal/store/model"
	"github.com/natalcast/report-pipeline/pkg/log"
	"github.com/natalcast/report-pipeline/pkg/metrics"
	"gorm.io/datatypes"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultGenerationTimeout = 3 * time.Minute
	archiveTimeout           = 10 * time.Second
)

// SubmitRequest is a request for one report.
type SubmitRequest struct {
	ReportType      string
	InputParameters json.RawMessage
	PaymentIntentID string
	SessionID       string
	PaymentToken    string
}

// Result is the client-visible state of a job.
type Result struct {
	Status         model.JobStatus
	ReportID       string
	Content        json.RawMessage
	QualityWarning bool
	ErrorCode      ErrorCode
	ErrorMessage   string
	Notice         string
}

type OrchestratorOption func(o *Orchestrator)

func WithEventPublisher(p EventPublisher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.events = p
	}
}

func WithArchiver(a archive.Archiver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.archiver = a
	}
}

func WithAllowlist(a Allowlist) OrchestratorOption {
	return func(o *Orchestrator) {
		o.allowlist = a
	}
}

// WithAsyncGeneration makes Submit return right after the job is created.
func WithAsyncGeneration(async bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.async = async
	}
}

func WithHeartbeatInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

func WithGenerationTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.generationTimeout = d
		}
	}
}

// Orchestrator drives a job from submission to a terminal state and settles
// its payment: capture after completion, cancel or refund after failure.
type Orchestrator struct {
	store             store.Store
	registry          *report.Registry
	backend           generation.Backend
	settlement        *Settlement
	capture           CaptureDispatcher
	events            EventPublisher
	archiver          archive.Archiver
	allowlist         Allowlist
	async             bool
	heartbeatInterval time.Duration
	generationTimeout time.Duration
	inflight          sync.WaitGroup
	logger            *log.StructuredLoggerBuilder
}

func NewOrchestrator(st store.Store, registry *report.Registry, backend generation.Backend, settlement *Settlement, capture CaptureDispatcher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:             st,
		registry:          registry,
		backend:           backend,
		settlement:        settlement,
		capture:           capture,
		events:            noopPublisher{},
		archiver:          archive.NoopArchiver{},
		allowlist:         NewStaticAllowlist(),
		heartbeatInterval: defaultHeartbeatInterval,
		generationTimeout: defaultGenerationTimeout,
		logger:            log.NewDebugLogger("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit runs the request to a terminal state, or returns the existing state
// when the same purchase was already submitted. Errors are returned only when
// no job could be created.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	logger := o.logger.WithContext(ctx).
		Operation("submit_report").
		WithString("report_type", req.ReportType).
		WithString("payment_intent_id", req.PaymentIntentID).
		Build()

	def, ok := o.registry.Lookup(req.ReportType)
	if !ok {
		return nil, NewErrValidation("unknown report type %q", req.ReportType)
	}
	input, err := report.DecodeInput(def, req.InputParameters)
	if err != nil {
		return nil, NewErrValidation("%s", err)
	}

	key := DeriveIdempotencyKey(purchaseRef(req), def.Type, input.Canonical())
	existing, err := o.store.ReportJob().Get(ctx, key)
	switch {
	case err == nil:
		logger.Step("idempotent_replay").WithString("report_id", existing.ReportID).WithString("status", string(existing.Status)).Log()
		metrics.IncreaseSubmissions(def.Type, "replayed")
		return resultOf(existing), nil
	case !errors.Is(err, store.ErrRecordNotFound):
		logger.Error(err).Log()
		return nil, NewErrStorage(err)
	}

	if def.Paid && req.PaymentIntentID != "" {
		// a payment intent buys exactly one report, whatever input or session
		// it is presented with later
		owner, err := o.store.ReportJob().GetByPaymentIntent(ctx, req.PaymentIntentID)
		switch {
		case err == nil:
			logger.Step("payment_intent_in_use").WithString("report_id", owner.ReportID).WithString("status", string(owner.Status)).Log()
			metrics.IncreaseSubmissions(def.Type, "replayed")
			return resultOf(owner), nil
		case !errors.Is(err, store.ErrRecordNotFound):
			logger.Error(err).Log()
			return nil, NewErrStorage(err)
		}
	}

	paymentIntentID, err := o.verifyPayment(ctx, def, req)
	if err != nil {
		logger.Error(err).Log()
		return nil, err
	}

	job := model.ReportJob{
		IdempotencyKey:  key,
		ReportID:        uuid.NewString(),
		ReportType:      def.Type,
		InputParameters: datatypes.JSON(input.Canonical()),
		PaymentState:    model.PaymentStateNone,
	}
	if paymentIntentID != "" {
		job.PaymentIntentID = &paymentIntentID
		job.PaymentState = model.PaymentStateAuthorized
	}

	created, inserted, err := o.store.ReportJob().InsertProcessing(ctx, job)
	if err != nil {
		logger.Error(err).Log()
		return nil, NewErrStorage(err)
	}
	if !inserted {
		// lost the insert race on the key or on the payment intent: report
		// whatever the winner has reached
		logger.Step("insert_race_lost").WithString("report_id", created.ReportID).Log()
		metrics.IncreaseSubmissions(def.Type, "replayed")
		return resultOf(created), nil
	}
	metrics.IncreaseSubmissions(def.Type, "created")
	logger.Step("job_created").WithString("report_id", created.ReportID).Log()

	o.inflight.Add(1)
	if o.async {
		go func() {
			defer o.inflight.Done()
			o.run(context.WithoutCancel(ctx), def, input, *created)
		}()
		return resultOf(created), nil
	}
	defer o.inflight.Done()
	return o.run(ctx, def, input, *created), nil
}

// Get returns the current state of the job behind reportID.
func (o *Orchestrator) Get(ctx context.Context, reportID string) (*Result, error) {
	job, err := o.store.ReportJob().GetByReportID(ctx, reportID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrReportNotFound(reportID)
		}
		return nil, NewErrStorage(err)
	}
	return resultOf(job), nil
}

// Wait blocks until every generation started by Submit, synchronous or not,
// has reached a terminal state and dispatched its capture. Call it once no
// new submissions can arrive.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

func (o *Orchestrator) verifyPayment(ctx context.Context, def report.Definition, req SubmitRequest) (string, error) {
	if !def.Paid {
		return "", nil
	}
	if req.PaymentIntentID == "" {
		if o.allowlist.Allows(req.PaymentToken) || o.allowlist.Allows(req.SessionID) {
			return "", nil
		}
		return "", NewErrPaymentRequired("%s requires a payment", def.Type)
	}

	pi, err := o.settlement.Reconciler().Gateway().RetrievePaymentIntent(ctx, req.PaymentIntentID)
	if err != nil {
		if payment.HasCode(err, payment.ErrCodeResourceMissing) {
			return "", NewErrPaymentRequired("payment %s does not exist", req.PaymentIntentID)
		}
		return "", newErr(CodePaymentReconciliation, fmt.Errorf("verifying payment %s: %w", req.PaymentIntentID, err))
	}
	if !pi.Paid() {
		return "", NewErrPaymentRequired("payment %s is %s", req.PaymentIntentID, pi.Status)
	}
	return pi.ID, nil
}

// run generates, gates and finalizes a freshly created job. It never returns
// an error: every outcome is recorded on the job.
func (o *Orchestrator) run(ctx context.Context, def report.Definition, input report.Input, job model.ReportJob) *Result {
	logger := o.logger.WithContext(ctx).
		Operation("generate_report").
		WithString("report_id", job.ReportID).
		WithString("report_type", job.ReportType).
		Build()

	// the caller going away must not abandon a job that holds a payment
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.generationTimeout)
	defer cancel()

	stopHeartbeat := o.heartbeat(genCtx, job.IdempotencyKey)
	start := time.Now()
	text, err := o.backend.Generate(genCtx, report.BuildRequest(def, input))
	stopHeartbeat()
	if err != nil {
		metrics.ObserveGeneration(def.Type, "error", time.Since(start).Seconds())
		logger.Error(err).WithString("backend", o.backend.Name()).Log()
		return o.fail(genCtx, job, CodeGeneration, err.Error())
	}
	metrics.ObserveGeneration(def.Type, "ok", time.Since(start).Seconds())

	doc := report.ParseDocument(def.Type, def.Title, text)
	qualityWarning := false
	if gate := def.Check(doc); !gate.Passed() {
		logger.Warn("quality_gate_failed").
			WithInt("chars", gate.Chars).
			WithInt("sections", gate.Sections).
			WithString("reasons", gate.String()).
			Log()
		fallback, err := report.Fallback(def, input)
		if err != nil {
			logger.Error(err).Log()
			return o.fail(genCtx, job, CodeQualityGate, err.Error())
		}
		doc = fallback
		qualityWarning = true
		metrics.IncreaseFallback(def.Type)
	}

	content, err := json.Marshal(doc)
	if err != nil {
		return o.fail(genCtx, job, CodeInternal, err.Error())
	}

	completed, err := o.store.ReportJob().MarkCompleted(genCtx, job.IdempotencyKey, content, qualityWarning)
	if err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			// the sweeper failed the job while we were generating; it owns the unwind
			logger.Warn("completed_after_failure").Log()
			return resultOf(completed)
		}
		logger.Error(err).Log()
		return o.fail(genCtx, job, CodeStorage, err.Error())
	}

	o.archive(genCtx, *completed)
	_ = o.events.Publish(genCtx, events.ReportCompletedKind, events.ReportEvent{
		ReportID:       completed.ReportID,
		ReportType:     completed.ReportType,
		Status:         string(completed.Status),
		PaymentState:   string(completed.PaymentState),
		QualityWarning: completed.QualityWarning,
	})
	metrics.IncreaseJobsFinished(def.Type, string(model.JobStatusCompleted), "")

	if completed.HasPayment() {
		if err := o.capture.Dispatch(genCtx, captureTaskFor(*completed)); err != nil {
			// the sweeper retries captures left in authorized
			logger.Error(err).WithString("alert", "billing_capture_failed").Log()
		}
	}

	logger.Success().WithParam("quality_warning", qualityWarning).Log()
	return resultOf(completed)
}

// fail records the failure, then unwinds the payment. The unwind is skipped
// when the failure could not be recorded.
func (o *Orchestrator) fail(ctx context.Context, job model.ReportJob, code ErrorCode, msg string) *Result {
	logger := o.logger.WithContext(ctx).
		Operation("fail_report").
		WithString("report_id", job.ReportID).
		WithString("error_code", string(code)).
		Build()

	failed, transitioned, err := o.store.ReportJob().MarkFailed(ctx, job.IdempotencyKey, string(code), msg)
	if err != nil {
		// still processing in the ledger; the sweeper will fail and unwind it
		logger.Error(err).Log()
		res := &Result{Status: model.JobStatusFailed, ReportID: job.ReportID, ErrorCode: CodeStorage, ErrorMessage: err.Error()}
		if job.HasPayment() {
			res.Notice = RefundNotice
		}
		return res
	}
	if !transitioned {
		logger.Step("already_terminal").WithString("status", string(failed.Status)).Log()
		return resultOf(failed)
	}

	metrics.IncreaseJobsFinished(job.ReportType, string(model.JobStatusFailed), string(code))
	_ = o.events.Publish(ctx, events.ReportFailedKind, events.ReportEvent{
		ReportID:     failed.ReportID,
		ReportType:   failed.ReportType,
		Status:       string(failed.Status),
		ErrorCode:    string(code),
		PaymentState: string(failed.PaymentState),
	})

	if failed.HasPayment() {
		// errors are recorded as unwind_failed and retried by the sweeper
		_, _ = o.settlement.Unwind(ctx, *failed)
	}
	logger.Step("failed").Log()
	return resultOf(failed)
}

func (o *Orchestrator) heartbeat(ctx context.Context, key string) (stop func()) {
	ticker := jitterbug.New(o.heartbeatInterval, &jitterbug.Norm{Stdev: o.heartbeatInterval / 10})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.store.ReportJob().Heartbeat(ctx, key); err != nil {
					if errors.Is(err, store.ErrIllegalTransition) {
						return
					}
					o.logger.Operation("heartbeat").Build().Error(err).Log()
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
		wg.Wait()
	}
}

func (o *Orchestrator) archive(ctx context.Context, job model.ReportJob) {
	actx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	err := o.archiver.Store(actx, archive.Record{
		ReportID:       job.ReportID,
		ReportType:     job.ReportType,
		Input:          json.RawMessage(job.InputParameters),
		Content:        json.RawMessage(job.Content),
		QualityWarning: job.QualityWarning,
		CompletedAt:    job.UpdatedAt,
	})
	if err != nil {
		o.logger.WithContext(ctx).
			Operation("archive_report").
			WithString("report_id", job.ReportID).
			WithString("archiver", o.archiver.Type()).
			Build().
			Error(err).
			Log()
	}
}

func resultOf(job *model.ReportJob) *Result {
	res := &Result{Status: job.Status, ReportID: job.ReportID}
	switch job.Status {
	case model.JobStatusCompleted:
		res.Content = json.RawMessage(job.Content)
		res.QualityWarning = job.QualityWarning
	case model.JobStatusFailed:
		res.ErrorCode = ErrorCode(job.ErrorCodeString())
		if job.ErrorMessage != nil {
			res.ErrorMessage = *job.ErrorMessage
		}
		if job.HasPayment() {
			res.Notice = RefundNotice
		}
	}
	return res
}
