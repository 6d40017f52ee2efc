package v1alpha1

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/natalcast/report-pipeline/api/v1alpha1"
	"github.com/natalcast/report-pipeline/internal/auth"
	"github.com/natalcast/report-pipeline/internal/handlers/v1alpha1/mappers"
	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/natalcast/report-pipeline/pkg/log"
)

// (POST /api/v1/internal/sweeper)
func (h *ServiceHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.NewDebugLogger("sweeper_handler").WithContext(ctx).Operation("trigger_sweep").Build()

	if caller, ok := auth.CallerFromContext(ctx); ok {
		logger.Step("caller").WithString("subject", caller.Subject).Log()
	}

	var form v1alpha1.SweepRequest
	if err := render.DecodeJSON(r.Body, &form); err != nil && !errors.Is(err, io.EOF) {
		mappers.RenderError(w, r, service.NewErrValidation("failed to decode body: %s", err))
		return
	}
	if err := h.validator.Struct(form); err != nil {
		mappers.RenderError(w, r, service.NewErrValidation("%s", err))
		return
	}

	threshold := h.defaultThreshold
	if form.Threshold != nil {
		threshold = time.Duration(*form.Threshold) * time.Minute
	}

	report, err := h.sweepSrv.Run(ctx, threshold)
	if err != nil {
		logger.Error(err).Log()
		mappers.RenderError(w, r, err)
		return
	}

	logger.Success().
		WithInt("processed", report.Processed).
		WithInt("refunded", report.Refunded).
		WithInt("failed", report.Failed).
		WithParam("skipped", report.Skipped).
		Log()
	render.JSON(w, r, mappers.SweepReportToApi(report))
}
