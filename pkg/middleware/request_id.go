package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/natalcast/report-pipeline/pkg/requestid"
)

// RequestID keeps a well formed X-Request-Id sent by the caller, then tries
// chi's request id, then generates one. The id goes into the request context
// and back on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestid.Header)
		if !requestid.Valid(id) {
			id = middleware.GetReqID(r.Context())
		}
		if !requestid.Valid(id) {
			id = requestid.Generate()
		}

		w.Header().Set(requestid.Header, id)
		next.ServeHTTP(w, r.WithContext(requestid.ToContext(r.Context(), id)))
	})
}
