package apiserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	api "github.com/natalcast/report-pipeline/api/v1alpha1"
	apiserver "github.com/natalcast/report-pipeline/internal/api_server"
	"github.com/natalcast/report-pipeline/internal/auth"
	"github.com/natalcast/report-pipeline/internal/config"
	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/natalcast/report-pipeline/internal/store/model"
	"github.com/natalcast/report-pipeline/pkg/requestid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeReports struct {
	submitted []service.SubmitRequest
}

func (f *fakeReports) Submit(_ context.Context, req service.SubmitRequest) (*service.Result, error) {
	f.submitted = append(f.submitted, req)
	return &service.Result{Status: model.JobStatusProcessing, ReportID: uuid.NewString()}, nil
}

func (f *fakeReports) Get(_ context.Context, reportID string) (*service.Result, error) {
	return nil, service.NewErrReportNotFound(reportID)
}

type fakeSweeper struct{}

func (fakeSweeper) Run(context.Context, time.Duration) (*service.SweepReport, error) {
	return &service.SweepReport{Errors: []service.SweepError{}}, nil
}

var _ = Describe("api server", Ordered, func() {
	var (
		router  chi.Router
		reports *fakeReports
	)

	BeforeAll(func() {
		cfg := &config.Config{
			Service: &config.ServiceConfig{AllowedOrigins: []string{"*"}},
			Sweeper: &config.SweeperConfig{Secret: "s3cr3t", Threshold: 5 * time.Minute},
		}
		reports = &fakeReports{}
		var err error
		router, err = apiserver.New(cfg, nil, reports, fakeSweeper{}, []string{"natal-chart"}).Router()
		Expect(err).To(BeNil())
	})

	serve := func(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	It("serves health and echoes the request id", func() {
		rr := serve(http.MethodGet, "/health", "", map[string]string{requestid.Header: "req-42"})
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(rr.Header().Get(requestid.Header)).To(Equal("req-42"))
	})

	It("accepts a well formed submission", func() {
		rr := serve(http.MethodPost, "/api/v1/reports",
			`{"reportType":"natal-chart","input":{"person":{"name":"Ada","birthDate":"1990-03-25"}},"paymentIntentId":"pi_1"}`, nil)
		Expect(rr.Code).To(Equal(http.StatusAccepted))
		Expect(reports.submitted).NotTo(BeEmpty())
		Expect(reports.submitted[len(reports.submitted)-1].PaymentIntentID).To(Equal("pi_1"))
	})

	It("rejects a submission that does not match the schema before it reaches the handler", func() {
		before := len(reports.submitted)
		rr := serve(http.MethodPost, "/api/v1/reports", `{"reportType":"natal-chart"}`, nil)
		Expect(rr.Code).To(Equal(http.StatusBadRequest))

		var reply api.ReportReply
		Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
		Expect(reply.Ok).To(BeFalse())
		Expect(*reply.ErrorCode).To(Equal(string(service.CodeValidation)))
		Expect(reports.submitted).To(HaveLen(before))
	})

	It("answers 404 on routes it does not know", func() {
		rr := serve(http.MethodGet, "/api/v1/unknown", "", nil)
		Expect(rr.Code).To(Equal(http.StatusNotFound))
	})

	It("guards the sweeper trigger", func() {
		rr := serve(http.MethodPost, "/api/v1/internal/sweeper", "", nil)
		Expect(rr.Code).To(Equal(http.StatusUnauthorized))

		token, err := auth.GenerateSweeperJWT([]byte("s3cr3t"), time.Minute)
		Expect(err).To(BeNil())
		rr = serve(http.MethodPost, "/api/v1/internal/sweeper", "", map[string]string{"Authorization": "Bearer " + token})
		Expect(rr.Code).To(Equal(http.StatusOK))
	})
})

type blockingReports struct {
	fakeReports
	entered chan struct{}
	release chan struct{}
}

func (b *blockingReports) Submit(ctx context.Context, req service.SubmitRequest) (*service.Result, error) {
	close(b.entered)
	<-b.release
	return b.fakeReports.Submit(ctx, req)
}

var _ = Describe("api server shutdown", func() {
	It("returns only after a running submission has answered", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(BeNil())

		cfg := &config.Config{
			Service: &config.ServiceConfig{AllowedOrigins: []string{"*"}, ShutdownTimeout: 10 * time.Second},
			Sweeper: &config.SweeperConfig{Secret: "s3cr3t", Threshold: 5 * time.Minute},
		}
		reports := &blockingReports{entered: make(chan struct{}), release: make(chan struct{})}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runDone := make(chan error, 1)
		go func() {
			runDone <- apiserver.New(cfg, listener, reports, fakeSweeper{}, []string{"natal-chart"}).Run(ctx)
		}()

		body := `{"reportType":"natal-chart","input":{"person":{"name":"Ada","birthDate":"1990-03-25"}},"paymentIntentId":"pi_1"}`
		status := make(chan int, 1)
		go func() {
			defer GinkgoRecover()
			resp, err := http.Post("http://"+listener.Addr().String()+"/api/v1/reports", "application/json", bytes.NewBufferString(body))
			Expect(err).To(BeNil())
			defer resp.Body.Close()
			status <- resp.StatusCode
		}()

		Eventually(reports.entered).Should(BeClosed())
		cancel()
		Consistently(runDone, 200*time.Millisecond).ShouldNot(Receive())

		close(reports.release)
		Eventually(status).Should(Receive(Equal(http.StatusAccepted)))
		Eventually(runDone).Should(Receive(BeNil()))
	})
})
