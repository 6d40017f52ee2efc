package archive_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/natalcast/report-pipeline/internal/archive"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("minio archiver", func() {
	var (
		server  *httptest.Server
		mu      sync.Mutex
		path    string
		payload []byte
	)

	BeforeEach(func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			path = r.URL.Path
			payload = body
			mu.Unlock()
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	It("writes the record under its report type", func() {
		a, err := archive.NewMinioArchiver(
			archive.WithEndpoint(strings.TrimPrefix(server.URL, "http://")),
			archive.WithBucket("audit"),
			archive.WithAccessKey("access"),
			archive.WithSecretKey("secret"),
		)
		Expect(err).To(BeNil())

		err = a.Store(context.TODO(), archive.Record{
			ReportID:   "r-1",
			ReportType: "natal-chart",
			Input:      json.RawMessage(`{"person":{"name":"Ada"}}`),
			Content:    json.RawMessage(`{"title":"Natal Chart Reading"}`),
		})
		Expect(err).To(BeNil())

		mu.Lock()
		defer mu.Unlock()
		Expect(path).To(Equal("/audit/reports/natal-chart/r-1.json"))
		Expect(string(payload)).To(ContainSubstring(`"reportId":"r-1"`))
	})

	It("requires an endpoint", func() {
		_, err := archive.NewMinioArchiver()
		Expect(err).NotTo(BeNil())
	})
})

var _ = Describe("record", func() {
	It("builds the object key", func() {
		Expect(archive.Record{ReportID: "abc", ReportType: "daily-horoscope"}.Key()).To(Equal("reports/daily-horoscope/abc.json"))
	})
})
