package v1alpha1

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/natalcast/report-pipeline/api/v1alpha1"
	"github.com/natalcast/report-pipeline/internal/handlers/v1alpha1/mappers"
	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/natalcast/report-pipeline/pkg/log"
)

// (POST /api/v1/reports)
func (h *ServiceHandler) CreateReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.NewDebugLogger("report_handler").WithContext(ctx).Operation("create_report").Build()

	var form v1alpha1.ReportCreate
	if err := render.DecodeJSON(r.Body, &form); err != nil {
		logger.Error(err).Log()
		mappers.RenderError(w, r, service.NewErrValidation("failed to decode body: %s", err))
		return
	}
	if err := h.validator.Struct(form); err != nil {
		logger.Error(err).Log()
		mappers.RenderError(w, r, service.NewErrValidation("%s", err))
		return
	}

	result, err := h.reportSrv.Submit(ctx, mappers.SubmitRequestFromApi(form))
	if err != nil {
		logger.Error(err).WithString("error_code", string(service.CodeOf(err))).Log()
		mappers.RenderError(w, r, err)
		return
	}

	logger.Success().WithString("report_id", result.ReportID).WithString("status", string(result.Status)).Log()
	mappers.RenderResult(w, r, result)
}

// (GET /api/v1/reports/{reportId})
func (h *ServiceHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reportID := chi.URLParam(r, "reportId")
	logger := log.NewDebugLogger("report_handler").WithContext(ctx).Operation("get_report").WithString("report_id", reportID).Build()

	if err := h.validator.Var(reportID, "report_id"); err != nil {
		// ids are minted by the server, an invalid one cannot exist
		mappers.RenderError(w, r, service.NewErrReportNotFound(reportID))
		return
	}

	result, err := h.reportSrv.Get(ctx, reportID)
	if err != nil {
		logger.Error(err).Log()
		mappers.RenderError(w, r, err)
		return
	}

	logger.Success().WithString("status", string(result.Status)).Log()
	mappers.RenderResult(w, r, result)
}
