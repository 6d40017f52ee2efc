package service_test

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/natalcast/report-pipeline/internal/lock"
	"github.com/natalcast/report-pipeline/internal/payment"
	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/natalcast/report-pipeline/internal/store"
	"github.com/natalcast/report-pipeline/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("sweeper", Ordered, func() {
	var (
		ctx        context.Context
		gormDB     *gorm.DB
		st         store.Store
		gw         *payment.MemoryGateway
		settlement *service.Settlement
	)

	// insertStuck leaves a processing job behind, as a crashed orchestrator would.
	insertStuck := func(pi string, age time.Duration) *model.ReportJob {
		job := model.ReportJob{
			IdempotencyKey:  uuid.NewString(),
			ReportID:        uuid.NewString(),
			ReportType:      "career-money",
			InputParameters: []byte(personInput),
		}
		if pi != "" {
			job.PaymentIntentID = &pi
			job.PaymentState = model.PaymentStateAuthorized
		}
		created, inserted, err := st.ReportJob().InsertProcessing(ctx, job)
		Expect(err).To(BeNil())
		Expect(inserted).To(BeTrue())
		ageJob(gormDB, created.ReportID, age)
		return created
	}

	jobOf := func(reportID string) *model.ReportJob {
		job, err := st.ReportJob().GetByReportID(ctx, reportID)
		Expect(err).To(BeNil())
		return job
	}

	BeforeAll(func() {
		ctx = context.TODO()
		gormDB = newTestDB()
		st = store.NewStore(gormDB)
	})

	AfterAll(func() {
		st.Close()
	})

	BeforeEach(func() {
		gw = payment.NewMemoryGateway()
		settlement = service.NewSettlement(st, payment.NewReconciler(gw), nil)
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM report_jobs;")
	})

	It("fails a stale captured job and refunds it exactly once across runs", func() {
		gw.SetStatus("pi_1", payment.IntentSucceeded)
		job := insertStuck("pi_1", 10*time.Minute)
		sweeper := service.NewSweeper(st, settlement)

		first, err := sweeper.Run(ctx, 5*time.Minute)
		Expect(err).To(BeNil())
		Expect(first.Stale).To(Equal(1))
		Expect(first.Processed).To(Equal(1))
		Expect(first.Refunded).To(Equal(1))
		Expect(first.Failed).To(Equal(0))
		Expect(first.Errors).To(BeEmpty())

		stored := jobOf(job.ReportID)
		Expect(stored.Status).To(Equal(model.JobStatusFailed))
		Expect(stored.ErrorCodeString()).To(Equal(string(service.CodeStaleProcessing)))
		Expect(stored.Refunded).To(BeTrue())

		second, err := sweeper.Run(ctx, 5*time.Minute)
		Expect(err).To(BeNil())
		Expect(second.Processed).To(Equal(0))
		Expect(gw.Calls(payment.OpRefund)).To(Equal(1))
	})

	It("cancels an authorization left by a stale job", func() {
		gw.Authorize("pi_1", 1900)
		job := insertStuck("pi_1", 10*time.Minute)

		rep, err := service.NewSweeper(st, settlement).Run(ctx, 5*time.Minute)
		Expect(err).To(BeNil())
		Expect(rep.Cancelled).To(Equal(1))
		Expect(gw.Calls(payment.OpCancel)).To(Equal(1))
		Expect(jobOf(job.ReportID).PaymentState).To(Equal(model.PaymentStateCancelled))
	})

	It("leaves live jobs alone", func() {
		job := insertStuck("", time.Minute)

		rep, err := service.NewSweeper(st, settlement).Run(ctx, 5*time.Minute)
		Expect(err).To(BeNil())
		Expect(rep.Stale).To(Equal(0))
		Expect(jobOf(job.ReportID).Status).To(Equal(model.JobStatusProcessing))
	})

	It("fails stale free jobs without touching payments", func() {
		job := insertStuck("", 10*time.Minute)

		rep, err := service.NewSweeper(st, settlement).Run(ctx, 5*time.Minute)
		Expect(err).To(BeNil())
		Expect(rep.Processed).To(Equal(1))
		Expect(jobOf(job.ReportID).Status).To(Equal(model.JobStatusFailed))
		Expect(gw.Calls(payment.OpRetrieve)).To(Equal(0))
	})

	It("keeps going when one record fails and retries it on a later run", func() {
		gw.Authorize("pi_bad", 1900)
		gw.Authorize("pi_good", 1900)
		gw.FailNext(payment.OpRetrieve, errors.New("processor down"))
		bad := insertStuck("pi_bad", 20*time.Minute)
		good := insertStuck("pi_good", 10*time.Minute)

		// one worker so the oldest record takes the injected failure
		sweeper := service.NewSweeper(st, settlement, service.WithSweeperConcurrency(1))
		rep, err := sweeper.Run(ctx, 5*time.Minute)
		Expect(err).To(BeNil())
		Expect(rep.Processed).To(Equal(2))
		Expect(rep.Cancelled).To(Equal(1))
		Expect(rep.Failed).To(Equal(1))
		Expect(rep.Errors).To(HaveLen(1))
		Expect(rep.Errors[0].ReportID).To(Equal(bad.ReportID))
		Expect(rep.Errors[0].ErrorCode).To(Equal(service.CodePaymentReconciliation))

		Expect(jobOf(good.ReportID).PaymentState).To(Equal(model.PaymentStateCancelled))
		Expect(jobOf(bad.ReportID).PaymentState).To(Equal(model.PaymentStateUnwindFailed))

		ageJob(gormDB, bad.ReportID, 10*time.Minute)
		retry, err := sweeper.Run(ctx, 5*time.Minute)
		Expect(err).To(BeNil())
		Expect(retry.Stale).To(Equal(0))
		Expect(retry.Cancelled).To(Equal(1))
		Expect(jobOf(bad.ReportID).PaymentState).To(Equal(model.PaymentStateCancelled))
	})

	It("retries captures of completed jobs", func() {
		gw.Authorize("pi_1", 1900)
		job := insertStuck("pi_1", 0)
		_, err := st.ReportJob().MarkCompleted(ctx, job.IdempotencyKey, []byte(`{"title":"x"}`), false)
		Expect(err).To(BeNil())
		ageJob(gormDB, job.ReportID, 10*time.Minute)

		rep, err := service.NewSweeper(st, settlement).Run(ctx, 5*time.Minute)
		Expect(err).To(BeNil())
		Expect(rep.Captured).To(Equal(1))
		Expect(jobOf(job.ReportID).PaymentState).To(Equal(model.PaymentStateCaptured))
		intent, _ := gw.Intent("pi_1")
		Expect(intent.Status).To(Equal(payment.IntentSucceeded))
	})

	It("skips the run while another sweeper holds the lock", func() {
		locker := lock.NewMemoryLocker()
		release, err := locker.Acquire(ctx, service.SweeperLockName, time.Minute)
		Expect(err).To(BeNil())
		defer func() { _ = release(ctx) }()

		insertStuck("", 10*time.Minute)
		rep, err := service.NewSweeper(st, settlement, service.WithSweeperLocker(locker)).Run(ctx, 5*time.Minute)
		Expect(err).To(BeNil())
		Expect(rep.Skipped).To(BeTrue())
		Expect(rep.Processed).To(Equal(0))
	})
})

var _ = Describe("allowlist", func() {
	It("ignores blank tokens", func() {
		a := service.NewStaticAllowlist(" qa ", "", "  ")
		Expect(a.Allows("qa")).To(BeTrue())
		Expect(a.Allows("")).To(BeFalse())
		Expect(a.Allows("other")).To(BeFalse())
	})
})
