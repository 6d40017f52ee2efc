package v1alpha1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/natalcast/report-pipeline/api/v1alpha1"
	"github.com/natalcast/report-pipeline/internal/auth"
	"github.com/natalcast/report-pipeline/internal/config"
	"github.com/natalcast/report-pipeline/internal/generation"
	handlers "github.com/natalcast/report-pipeline/internal/handlers/v1alpha1"
	"github.com/natalcast/report-pipeline/internal/payment"
	"github.com/natalcast/report-pipeline/internal/report"
	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/natalcast/report-pipeline/internal/store"
	"github.com/natalcast/report-pipeline/internal/store/model"
	"github.com/natalcast/report-pipeline/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const birthInput = `{"person":{"name":"Ada","birthDate":"1990-03-25"}}`

type stubSweeper struct {
	report    *service.SweepReport
	err       error
	threshold time.Duration
	calls     int
}

func (s *stubSweeper) Run(_ context.Context, threshold time.Duration) (*service.SweepReport, error) {
	s.threshold = threshold
	s.calls++
	return s.report, s.err
}

type recordingDispatcher struct {
	tasks []service.CaptureTask
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task service.CaptureTask) error {
	d.tasks = append(d.tasks, task)
	return nil
}

func do(router http.Handler, method, path, body string, headers ...string) (*httptest.ResponseRecorder, v1alpha1.ReportReply) {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var reply v1alpha1.ReportReply
	_ = json.Unmarshal(rr.Body.Bytes(), &reply)
	return rr, reply
}

var _ = Describe("report handler", Ordered, func() {
	var (
		gormDB  *gorm.DB
		st      store.Store
		gw      *payment.MemoryGateway
		sweeper *stubSweeper
		router  chi.Router
		backend generation.Backend
	)

	newRouter := func() chi.Router {
		settlement := service.NewSettlement(st, payment.NewReconciler(gw), nil)
		orch := service.NewOrchestrator(st, report.DefaultRegistry(), backend, settlement, &recordingDispatcher{},
			service.WithAllowlist(service.NewStaticAllowlist("beta-tester")))
		h := handlers.NewServiceHandler(orch, sweeper, report.DefaultRegistry().Types(), 0)
		authenticator, err := auth.NewSweeperAuthenticator([]byte("s3cr3t"))
		Expect(err).To(BeNil())
		return handlers.HandlerFromMux(h, chi.NewRouter(), authenticator.Authenticator)
	}

	BeforeAll(func() {
		cfg := &config.Config{Database: &config.DatabaseConfig{
			Type: "sqlite",
			Name: fmt.Sprintf("file:handlers-%s?mode=memory&cache=shared", uuid.NewString()),
		}}
		var err error
		gormDB, err = store.InitDB(cfg)
		Expect(err).To(BeNil())
		Expect(migrations.MigrateStore(gormDB, "sqlite")).To(Succeed())
		st = store.NewStore(gormDB)
	})

	AfterAll(func() {
		st.Close()
	})

	BeforeEach(func() {
		gw = payment.NewMemoryGateway()
		sweeper = &stubSweeper{report: &service.SweepReport{Errors: []service.SweepError{}}}
		backend = generation.MockBackend{}
		router = newRouter()
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM report_jobs;")
	})

	Context("submission", func() {
		It("answers 200 with the content of a completed report", func() {
			rr, reply := do(router, http.MethodPost, "/api/v1/reports",
				fmt.Sprintf(`{"reportType":%q,"input":%s}`, report.TypeDailyHoroscope, birthInput))

			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Ok).To(BeTrue())
			Expect(reply.Data).NotTo(BeNil())
			Expect(reply.Data.Status).To(Equal(v1alpha1.ReportStatusCompleted))
			Expect(reply.Data.Content).NotTo(BeNil())
			Expect(reply.Data.QualityWarning).To(BeNil())
			Expect(reply.Error).To(BeNil())
		})

		It("answers 402 when a paid report has no payment", func() {
			rr, reply := do(router, http.MethodPost, "/api/v1/reports",
				fmt.Sprintf(`{"reportType":%q,"input":%s}`, report.TypeNatalChart, birthInput))

			Expect(rr.Code).To(Equal(http.StatusPaymentRequired))
			Expect(reply.Ok).To(BeFalse())
			Expect(*reply.ErrorCode).To(Equal(string(service.CodePaymentRequired)))
		})

		It("lets allowlisted tokens through without payment", func() {
			rr, reply := do(router, http.MethodPost, "/api/v1/reports",
				fmt.Sprintf(`{"reportType":%q,"input":%s,"paymentToken":"beta-tester"}`, report.TypeNatalChart, birthInput))

			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Data.Status).To(Equal(v1alpha1.ReportStatusCompleted))
		})

		It("answers 400 on an unknown report type", func() {
			rr, reply := do(router, http.MethodPost, "/api/v1/reports", `{"reportType":"tarot","input":{}}`)

			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(*reply.ErrorCode).To(Equal(string(service.CodeValidation)))
		})

		It("answers 400 on invalid input", func() {
			rr, reply := do(router, http.MethodPost, "/api/v1/reports",
				fmt.Sprintf(`{"reportType":%q,"input":{"person":{"name":"Ada","birthDate":"25/03/1990"}}}`, report.TypeDailyHoroscope))

			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(*reply.ErrorCode).To(Equal(string(service.CodeValidation)))
			Expect(reply.Data).To(BeNil())
		})

		It("answers 400 on a malformed body", func() {
			rr, reply := do(router, http.MethodPost, "/api/v1/reports", `{"reportType":`)

			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(*reply.ErrorCode).To(Equal(string(service.CodeValidation)))
		})

		It("answers 502 with the refund notice when generation fails", func() {
			gw.Authorize("pi_gen", 2900)
			backend = generation.NewFailingBackend(fmt.Errorf("upstream timeout"))
			router = newRouter()

			rr, reply := do(router, http.MethodPost, "/api/v1/reports",
				fmt.Sprintf(`{"reportType":%q,"input":%s,"paymentIntentId":"pi_gen"}`, report.TypeNatalChart, birthInput))

			Expect(rr.Code).To(Equal(http.StatusBadGateway))
			Expect(reply.Ok).To(BeFalse())
			Expect(*reply.ErrorCode).To(Equal(string(service.CodeGeneration)))
			Expect(*reply.Notice).To(Equal(service.RefundNotice))
			Expect(reply.Data.Status).To(Equal(v1alpha1.ReportStatusFailed))
			Expect(reply.Data.ReportId).NotTo(BeEmpty())

			pi, ok := gw.Intent("pi_gen")
			Expect(ok).To(BeTrue())
			Expect(pi.Status).To(Equal(payment.IntentCanceled))
		})
	})

	Context("polling", func() {
		It("answers 202 while the job is processing", func() {
			job, inserted, err := st.ReportJob().InsertProcessing(context.TODO(), model.ReportJob{
				IdempotencyKey:  "k-processing",
				ReportID:        uuid.NewString(),
				ReportType:      report.TypeDailyHoroscope,
				InputParameters: []byte(birthInput),
			})
			Expect(err).To(BeNil())
			Expect(inserted).To(BeTrue())

			rr, reply := do(router, http.MethodGet, "/api/v1/reports/"+job.ReportID, "")
			Expect(rr.Code).To(Equal(http.StatusAccepted))
			Expect(reply.Ok).To(BeTrue())
			Expect(reply.Data.Status).To(Equal(v1alpha1.ReportStatusProcessing))
		})

		It("returns the same state the submission returned", func() {
			_, submitted := do(router, http.MethodPost, "/api/v1/reports",
				fmt.Sprintf(`{"reportType":%q,"input":%s}`, report.TypeDailyHoroscope, birthInput))

			rr, reply := do(router, http.MethodGet, "/api/v1/reports/"+submitted.Data.ReportId, "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(reply.Data.ReportId).To(Equal(submitted.Data.ReportId))
			Expect(string(*reply.Data.Content)).To(MatchJSON(string(*submitted.Data.Content)))
		})

		It("answers 404 on an unknown report", func() {
			rr, reply := do(router, http.MethodGet, "/api/v1/reports/"+uuid.NewString(), "")
			Expect(rr.Code).To(Equal(http.StatusNotFound))
			Expect(*reply.ErrorCode).To(Equal(string(service.CodeNotFound)))
		})

		It("answers 404 on a malformed report id", func() {
			rr, _ := do(router, http.MethodGet, "/api/v1/reports/not-an-id", "")
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("health", func() {
		It("answers ok", func() {
			rr, _ := do(router, http.MethodGet, "/health", "")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(MatchJSON(`{"status":"ok"}`))
		})
	})
})

var _ = Describe("sweeper handler", func() {
	var (
		sweeper *stubSweeper
		router  chi.Router
		token   string
	)

	BeforeEach(func() {
		sweeper = &stubSweeper{report: &service.SweepReport{
			Stale:     2,
			Processed: 2,
			Refunded:  1,
			Failed:    1,
			Errors: []service.SweepError{
				{ReportID: "r-1", ErrorCode: service.CodePaymentReconciliation, Error: "processor unavailable"},
			},
		}}
		h := handlers.NewServiceHandler(nil, sweeper, nil, 5*time.Minute)
		authenticator, err := auth.NewSweeperAuthenticator([]byte("s3cr3t"))
		Expect(err).To(BeNil())
		router = handlers.HandlerFromMux(h, chi.NewRouter(), authenticator.Authenticator)

		token, err = auth.GenerateSweeperJWT([]byte("s3cr3t"), time.Minute)
		Expect(err).To(BeNil())
	})

	It("rejects calls without a token", func() {
		rr, _ := do(router, http.MethodPost, "/api/v1/internal/sweeper", "")
		Expect(rr.Code).To(Equal(http.StatusUnauthorized))
	})

	It("runs with the default threshold and reports per record errors", func() {
		rr, _ := do(router, http.MethodPost, "/api/v1/internal/sweeper", "", "Authorization", "Bearer "+token)
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(sweeper.threshold).To(Equal(5 * time.Minute))

		var reply v1alpha1.SweepReply
		Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
		Expect(reply.Processed).To(Equal(2))
		Expect(reply.Refunded).To(Equal(1))
		Expect(reply.Failed).To(Equal(1))
		Expect(reply.Errors).To(HaveLen(1))
		Expect(reply.Errors[0].ReportId).To(Equal("r-1"))
		Expect(reply.Errors[0].ErrorCode).To(Equal(string(service.CodePaymentReconciliation)))
	})

	It("takes the threshold in minutes", func() {
		rr, _ := do(router, http.MethodPost, "/api/v1/internal/sweeper", `{"threshold":12}`, "Authorization", "Bearer "+token)
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(sweeper.threshold).To(Equal(12 * time.Minute))
	})

	It("rejects a threshold below one minute", func() {
		rr, reply := do(router, http.MethodPost, "/api/v1/internal/sweeper", `{"threshold":0}`, "Authorization", "Bearer "+token)
		Expect(rr.Code).To(Equal(http.StatusBadRequest))
		Expect(*reply.ErrorCode).To(Equal(string(service.CodeValidation)))
	})

	It("rejects a threshold that would overflow the staleness window", func() {
		before := sweeper.calls
		rr, reply := do(router, http.MethodPost, "/api/v1/internal/sweeper", `{"threshold":9223372036854775807}`, "Authorization", "Bearer "+token)
		Expect(rr.Code).To(Equal(http.StatusBadRequest))
		Expect(*reply.ErrorCode).To(Equal(string(service.CodeValidation)))
		Expect(sweeper.calls).To(Equal(before))
	})

	It("answers 503 when the ledger cannot be listed", func() {
		sweeper.report = nil
		sweeper.err = service.NewErrStorage(fmt.Errorf("connection refused"))
		rr, reply := do(router, http.MethodPost, "/api/v1/internal/sweeper", "", "Authorization", "Bearer "+token)
		Expect(rr.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(*reply.ErrorCode).To(Equal(string(service.CodeStorage)))
	})
})
