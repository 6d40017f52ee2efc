package v1alpha1

import (
	"net/http"

	"github.com/go-chi/render"
	"github.com/natalcast/report-pipeline/api/v1alpha1"
)

// (GET /health)
func (h *ServiceHandler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, v1alpha1.Health{Status: "ok"})
}
