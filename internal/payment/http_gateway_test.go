package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/natalcast/report-pipeline/internal/payment"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func stripeError(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]string{"type": "invalid_request_error", "code": code, "message": message},
	})
}

var _ = Describe("http gateway", func() {
	var (
		mux     *http.ServeMux
		server  *httptest.Server
		gateway *payment.HTTPGateway
		ctx     context.Context
	)

	BeforeEach(func() {
		mux = http.NewServeMux()
		server = httptest.NewServer(mux)
		gateway = payment.NewHTTPGateway(server.URL, "sk_test_123", 0)
		ctx = context.TODO()
	})

	AfterEach(func() {
		server.Close()
	})

	It("retrieves a payment intent with bearer auth", func() {
		mux.HandleFunc("GET /v1/payment_intents/{id}", func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer sk_test_123"))
			writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "status": "requires_capture", "amount": 2500, "currency": "usd"})
		})

		pi, err := gateway.RetrievePaymentIntent(ctx, "pi_1")
		Expect(err).To(BeNil())
		Expect(pi.ID).To(Equal("pi_1"))
		Expect(pi.Authorized()).To(BeTrue())
		Expect(pi.Amount).To(BeEquivalentTo(2500))
	})

	It("sends the idempotency key and decodes processor errors", func() {
		mux.HandleFunc("POST /v1/payment_intents/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Header.Get("Idempotency-Key")).To(Equal("cancel-pi_1"))
			Expect(r.ParseForm()).To(Succeed())
			Expect(r.PostForm.Get("cancellation_reason")).To(Equal("abandoned"))
			stripeError(w, payment.ErrCodeUnexpectedState, "already canceled")
		})

		_, err := gateway.CancelPaymentIntent(ctx, "pi_1", "cancel-pi_1")
		Expect(err).NotTo(BeNil())
		Expect(payment.HasCode(err, payment.ErrCodeUnexpectedState)).To(BeTrue())
	})

	It("wraps non JSON error bodies", func() {
		mux.HandleFunc("GET /v1/payment_intents/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream unavailable"))
		})

		_, err := gateway.RetrievePaymentIntent(ctx, "pi_1")
		Expect(err).To(MatchError(ContainSubstring("upstream unavailable")))
	})

	It("treats an already canceled intent as a successful cancel", func() {
		var retrieves atomic.Int32
		mux.HandleFunc("GET /v1/payment_intents/{id}", func(w http.ResponseWriter, r *http.Request) {
			status := "requires_capture"
			if retrieves.Add(1) > 1 {
				status = "canceled"
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": "pi_1", "status": status})
		})
		mux.HandleFunc("POST /v1/payment_intents/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			stripeError(w, payment.ErrCodeUnexpectedState, "already canceled")
		})

		out, err := payment.NewReconciler(gateway).CancelIfUncaptured(ctx, "pi_1")
		Expect(err).To(BeNil())
		Expect(out.Action).To(Equal(payment.ActionCancelled))
		Expect(out.AlreadyDone).To(BeTrue())
	})

	It("accepts a capture that lost a race with another capture", func() {
		var retrieves atomic.Int32
		mux.HandleFunc("GET /v1/payment_intents/{id}", func(w http.ResponseWriter, r *http.Request) {
			status := "requires_capture"
			if retrieves.Add(1) > 1 {
				status = "succeeded"
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": "pi_1", "status": status})
		})
		mux.HandleFunc("POST /v1/payment_intents/{id}/capture", func(w http.ResponseWriter, r *http.Request) {
			stripeError(w, payment.ErrCodeUnexpectedState, "already captured")
		})

		out, err := payment.NewReconciler(gateway).Capture(ctx, "pi_1")
		Expect(err).To(BeNil())
		Expect(out.Action).To(Equal(payment.ActionCaptured))
		Expect(out.AlreadyDone).To(BeTrue())
	})

	It("reads back the existing refund when the charge was already refunded", func() {
		mux.HandleFunc("GET /v1/charges", func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Query().Get("payment_intent")).To(Equal("pi_1"))
			writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{
				{"id": "ch_1", "payment_intent": "pi_1", "amount": 2500, "captured": true, "status": "succeeded"},
			}})
		})
		mux.HandleFunc("POST /v1/refunds", func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Header.Get("Idempotency-Key")).To(Equal("refund-ch_1"))
			stripeError(w, payment.ErrCodeChargeAlreadyRefunded, "charge already refunded")
		})
		mux.HandleFunc("GET /v1/refunds", func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Query().Get("charge")).To(Equal("ch_1"))
			writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{
				{"id": "re_1", "charge": "ch_1", "amount": 2500, "status": "succeeded"},
			}})
		})

		out, err := payment.NewReconciler(gateway).RefundIfCaptured(ctx, "pi_1")
		Expect(err).To(BeNil())
		Expect(out.Action).To(Equal(payment.ActionRefunded))
		Expect(out.RefundID).To(Equal("re_1"))
		Expect(out.AlreadyDone).To(BeTrue())
	})
})
