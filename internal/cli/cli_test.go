package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/natalcast/report-pipeline/api/v1alpha1"
	"github.com/natalcast/report-pipeline/internal/auth"
	"github.com/natalcast/report-pipeline/internal/client"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func writeReply(w http.ResponseWriter, status int, reply any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(reply)
}

var _ = Describe("cli", func() {
	var (
		reportID   string
		gets       atomic.Int32
		srv        *httptest.Server
		configPath string
		out        *bytes.Buffer
		errOut     *bytes.Buffer
		failReport bool
	)

	BeforeEach(func() {
		reportID = uuid.NewString()
		gets.Store(0)
		failReport = false
		out = &bytes.Buffer{}
		errOut = &bytes.Buffer{}

		mux := http.NewServeMux()
		mux.HandleFunc("POST /api/v1/reports", func(w http.ResponseWriter, r *http.Request) {
			writeReply(w, http.StatusAccepted, v1alpha1.ReportReply{
				Ok:   true,
				Data: &v1alpha1.ReportData{Status: v1alpha1.ReportStatusProcessing, ReportId: reportID},
			})
		})
		mux.HandleFunc("GET /api/v1/reports/{id}", func(w http.ResponseWriter, r *http.Request) {
			if gets.Add(1) < 2 {
				writeReply(w, http.StatusAccepted, v1alpha1.ReportReply{
					Ok:   true,
					Data: &v1alpha1.ReportData{Status: v1alpha1.ReportStatusProcessing, ReportId: reportID},
				})
				return
			}
			if failReport {
				code, msg := "GENERATION_ERROR", "backend unavailable"
				writeReply(w, http.StatusBadGateway, v1alpha1.ReportReply{
					Data:      &v1alpha1.ReportData{Status: v1alpha1.ReportStatusFailed, ReportId: reportID},
					Error:     &msg,
					ErrorCode: &code,
				})
				return
			}
			content := json.RawMessage(`{"title":"Sun in Aries"}`)
			writeReply(w, http.StatusOK, v1alpha1.ReportReply{
				Ok:   true,
				Data: &v1alpha1.ReportData{Status: v1alpha1.ReportStatusCompleted, ReportId: reportID, Content: &content},
			})
		})
		mux.HandleFunc("POST /api/v1/internal/sweeper", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			writeReply(w, http.StatusOK, v1alpha1.SweepReply{Stale: 2, Processed: 2, Cancelled: 1, Refunded: 1, Errors: []v1alpha1.SweepError{}})
		})
		srv = httptest.NewServer(mux)
		DeferCleanup(srv.Close)

		configPath = filepath.Join(GinkgoT().TempDir(), "client.yaml")
		Expect(client.WriteConfig(configPath, srv.URL, client.Polling{Interval: "10ms", MaxAttempts: 5})).To(Succeed())
	})

	Context("generate", func() {
		newOptions := func() *GenerateOptions {
			o := DefaultGenerateOptions()
			o.ConfigFilePath = configPath
			o.ReportType = "natal-chart"
			o.Input = `{"birthDate":"1990-04-12"}`
			o.PaymentIntentID = "pi_123"
			o.Output = jsonFormat
			o.out = out
			o.errOut = errOut
			return o
		}

		It("waits for the report and prints it", func() {
			o := newOptions()
			Expect(o.Complete(nil, nil)).To(Succeed())
			Expect(o.Validate(nil)).To(Succeed())
			Expect(o.Run(context.TODO(), nil)).To(Succeed())

			var view reportView
			Expect(json.Unmarshal(out.Bytes(), &view)).To(Succeed())
			Expect(view.ReportID).To(Equal(reportID))
			Expect(view.State).To(Equal(string(client.StateCompleted)))
			Expect(string(view.Content)).To(MatchJSON(`{"title":"Sun in Aries"}`))
			Expect(errOut.String()).To(ContainSubstring("verifying"))
			Expect(errOut.String()).To(ContainSubstring("completed"))
		})

		It("returns the error code of a failed report", func() {
			failReport = true
			o := newOptions()
			Expect(o.Complete(nil, nil)).To(Succeed())
			err := o.Run(context.TODO(), nil)
			Expect(err).To(MatchError(ContainSubstring("GENERATION_ERROR")))
		})

		It("requires a purchase reference", func() {
			o := newOptions()
			o.PaymentIntentID = ""
			Expect(o.Complete(nil, nil)).To(Succeed())
			Expect(o.Validate(nil)).To(MatchError(ContainSubstring("--payment-intent")))
		})

		It("rejects input that is not an object", func() {
			o := newOptions()
			o.Input = `[1,2]`
			Expect(o.Complete(nil, nil)).To(Succeed())
			Expect(o.Validate(nil)).NotTo(Succeed())
		})
	})

	Context("get", func() {
		It("reads a processing report once", func() {
			o := DefaultGetOptions()
			o.ConfigFilePath = configPath
			o.out = out
			Expect(o.Run(context.TODO(), []string{"report/" + reportID})).To(Succeed())
			Expect(gets.Load()).To(BeEquivalentTo(1))
			Expect(out.String()).To(ContainSubstring(string(client.StatePolling)))
		})

		It("waits for completion", func() {
			o := DefaultGetOptions()
			o.ConfigFilePath = configPath
			o.Wait = true
			o.out = out
			Expect(o.Run(context.TODO(), []string{reportID})).To(Succeed())
			Expect(out.String()).To(ContainSubstring("Sun in Aries"))
		})

		It("parses report references", func() {
			id := uuid.NewString()
			Expect(parseReportRef("report/" + id)).To(Equal(id))
			Expect(parseReportRef("reports/" + id)).To(Equal(id))
			Expect(parseReportRef(id)).To(Equal(id))

			_, err := parseReportRef("source/" + id)
			Expect(err).To(HaveOccurred())
			_, err = parseReportRef("report/not-a-uuid")
			Expect(err).To(HaveOccurred())
		})
	})

	Context("sweep", func() {
		It("signs a token and prints the sweep report", func() {
			o := DefaultSweepOptions()
			o.ConfigFilePath = configPath
			o.Secret = "s3cret"
			o.out = out
			Expect(o.Run(context.TODO(), nil)).To(Succeed())
			Expect(out.String()).To(ContainSubstring("STALE"))
		})

		It("surfaces a rejected token", func() {
			o := DefaultSweepOptions()
			o.ConfigFilePath = configPath
			o.Secret = ""
			o.out = out
			Expect(o.Run(context.TODO(), nil)).To(MatchError(ContainSubstring("401")))
		})
	})

	It("signs tokens the server accepts", func() {
		token, err := auth.GenerateSweeperJWT([]byte("s3cret"), sweeperTokenTTL)
		Expect(err).NotTo(HaveOccurred())
		a, err := auth.NewSweeperAuthenticator([]byte("s3cret"))
		Expect(err).NotTo(HaveOccurred())
		_, err = a.Authenticate(token)
		Expect(err).NotTo(HaveOccurred())
	})
})
