package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	api "github.com/natalcast/report-pipeline/api/v1alpha1"
	"github.com/natalcast/report-pipeline/internal/auth"
	"github.com/natalcast/report-pipeline/internal/config"
	handlers "github.com/natalcast/report-pipeline/internal/handlers/v1alpha1"
	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/natalcast/report-pipeline/pkg/metrics"
	"github.com/natalcast/report-pipeline/pkg/middleware"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg         *config.Config
	listener    net.Listener
	reports     handlers.ReportService
	sweeper     handlers.SweepService
	reportTypes []string
}

// New returns a new instance of the report API server.
func New(
	cfg *config.Config,
	listener net.Listener,
	reports handlers.ReportService,
	sweeper handlers.SweepService,
	reportTypes []string,
) *Server {
	return &Server{
		cfg:         cfg,
		listener:    listener,
		reports:     reports,
		sweeper:     sweeper,
		reportTypes: reportTypes,
	}
}

func oapiErrorHandler(w http.ResponseWriter, message string, statusCode int) {
	code := string(service.CodeValidation)
	if statusCode == http.StatusNotFound {
		code = string(service.CodeNotFound)
	}
	msg := fmt.Sprintf("API Error: %s", message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(api.ReportReply{Ok: false, Error: &msg, ErrorCode: &code})
}

// Router builds the handler chain. It is split from Run so tests can serve it.
func (s *Server) Router() (chi.Router, error) {
	swagger, err := api.GetSwagger()
	if err != nil {
		return nil, fmt.Errorf("failed to load swagger spec: %w", err)
	}
	// Skip server name validation
	swagger.Servers = nil

	oapiOpts := oapimiddleware.Options{
		ErrorHandler: oapiErrorHandler,
		Options: openapi3filter.Options{
			// the bearer token is checked by the sweeper authenticator
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}

	authenticator, err := auth.NewSweeperAuthenticatorFromSecret(s.cfg.Sweeper.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.Service.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)
	if !s.cfg.Service.DisableValidation {
		router.Use(oapimiddleware.OapiRequestValidatorWithOptions(swagger, &oapiOpts))
	}

	h := handlers.NewServiceHandler(s.reports, s.sweeper, s.reportTypes, s.cfg.Sweeper.Threshold)
	handlers.HandlerFromMux(h, router, authenticator.Authenticator)
	return router, nil
}

// Run serves until ctx is done, then returns once in-flight requests have
// drained or the shutdown timeout expired.
func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router, err := s.Router()
	if err != nil {
		return err
	}
	srv := http.Server{Addr: s.cfg.Service.Address, Handler: router}

	timeout := s.cfg.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = gracefulShutdownTimeout
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(ctxTimeout); err != nil {
			zap.S().Named("api_server").Warnw("requests still running after shutdown timeout", "error", err)
		}
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// Serve returns as soon as the listener closes; handlers may still run
	<-drained
	return nil
}
