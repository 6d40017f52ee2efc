package v1alpha1

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/natalcast/report-pipeline/internal/handlers/validator"
	"github.com/natalcast/report-pipeline/internal/service"
)

type ReportService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.Result, error)
	Get(ctx context.Context, reportID string) (*service.Result, error)
}

type SweepService interface {
	Run(ctx context.Context, threshold time.Duration) (*service.SweepReport, error)
}

type ServiceHandler struct {
	reportSrv        ReportService
	sweepSrv         SweepService
	defaultThreshold time.Duration
	validator        *validator.Validator
}

func NewServiceHandler(reportSrv ReportService, sweepSrv SweepService, reportTypes []string, defaultThreshold time.Duration) *ServiceHandler {
	v := validator.NewValidator()
	v.Register(validator.NewReportValidationRules(reportTypes)...)
	if defaultThreshold <= 0 {
		defaultThreshold = service.DefaultSweeperThreshold
	}
	return &ServiceHandler{
		reportSrv:        reportSrv,
		sweepSrv:         sweepSrv,
		defaultThreshold: defaultThreshold,
		validator:        v,
	}
}

// HandlerFromMux mounts the API on r. internalAuth guards the internal routes.
func HandlerFromMux(h *ServiceHandler, r chi.Router, internalAuth func(http.Handler) http.Handler) chi.Router {
	r.Get("/health", h.Health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/reports", h.CreateReport)
		r.Get("/reports/{reportId}", h.GetReport)
		r.With(internalAuth).Post("/internal/sweeper", h.TriggerSweep)
	})
	return r
}
