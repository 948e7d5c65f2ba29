package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tejusbharadwaj/powerusage/internal/format"
	"github.com/tejusbharadwaj/powerusage/internal/models"
	"github.com/tejusbharadwaj/powerusage/internal/promquery"
	middleware "github.com/tejusbharadwaj/powerusage/internal/server/middlewares"
	"github.com/tejusbharadwaj/powerusage/internal/usage"
	"github.com/tejusbharadwaj/powerusage/internal/window"
)

// PowerUsagePath is the only business endpoint.
const PowerUsagePath = "/api/v1/power-usage"

// ServerConfig holds configuration options for the HTTP server
type ServerConfig struct {
	RateLimit      float64 // Requests per second, 0 disables limiting
	RateLimitBurst int     // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RateLimit:      5.0, // 5 requests per second
		RateLimitBurst: 10,  // Burst of 10 requests
	}
}

// PowerUsageService answers daily power usage requests.
type PowerUsageService struct {
	querier    promquery.Querier
	calculator *usage.Calculator
	validator  *RequestValidator
	logger     *logrus.Logger
}

// NewPowerUsageService creates a new service instance
func NewPowerUsageService(querier promquery.Querier, logger *logrus.Logger) *PowerUsageService {
	return &PowerUsageService{
		querier:    querier,
		calculator: usage.NewCalculator(logger),
		validator:  NewRequestValidator(),
		logger:     logger,
	}
}

// Report validates the query, fetches both readings and computes the
// usage report.
func (s *PowerUsageService) Report(ctx context.Context, req PowerUsageRequest) (models.UsageReport, error) {
	w, err := window.Resolve(req.Date, req.Time)
	if err != nil {
		return nil, err
	}

	var previous, current []models.LabeledSample
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		previous, err = s.querier.Query(gctx, req.Target, w.Previous)
		return err
	})
	g.Go(func() error {
		var err error
		current, err = s.querier.Query(gctx, req.Target, w.Current)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return s.calculator.Compute(previous, current), nil
}

// HandlePowerUsage serves GET /api/v1/power-usage.
func (s *PowerUsageService) HandlePowerUsage(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.WithFields(logrus.Fields{
		"request_id": middleware.RequestIDFrom(r.Context()),
		"method":     r.Method,
		"url":        r.URL.String(),
	})

	req, err := s.validator.Validate(r.URL.Query())
	if err != nil {
		writeError(logger, w, err)
		return
	}

	report, err := s.Report(r.Context(), req)
	if err != nil {
		writeError(logger, w, err)
		return
	}

	body, contentType, err := format.Format(report, req.CSV)
	if err != nil {
		writeError(logger, w, err)
		return
	}

	logger.WithFields(logrus.Fields{
		"instances": len(report),
		"records":   report.Len(),
		"csv":       req.CSV,
	}).Debug("Power usage computed")
	writeBody(logger, w, http.StatusOK, contentType, body)
}

// Server is the HTTP handler of the service.
type Server struct {
	router chi.Router
	health *HealthChecker
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health returns the checker backing /readyz.
func (s *Server) Health() *HealthChecker {
	return s.health
}

// SetupServer builds the server with metrics on the default registry.
func SetupServer(querier promquery.Querier, logger *logrus.Logger, config ServerConfig) (*Server, error) {
	return SetupServerWithRegistry(querier, logger, config, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// SetupServerWithRegistry initializes and configures the router with all
// middleware, registering its collectors on reg and serving gatherer on
// /metrics.
func SetupServerWithRegistry(
	querier promquery.Querier,
	logger *logrus.Logger,
	config ServerConfig,
	reg prometheus.Registerer,
	gatherer prometheus.Gatherer,
) (*Server, error) {
	if config.RateLimit < 0 || config.RateLimitBurst < 0 {
		return nil, fmt.Errorf("invalid rate limit: %v rps, burst %d", config.RateLimit, config.RateLimitBurst)
	}
	if config.RateLimit > 0 && config.RateLimitBurst == 0 {
		return nil, fmt.Errorf("rate limit burst must be positive when rate limiting is enabled")
	}

	metrics, err := middleware.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("registering http metrics: %w", err)
	}

	svc := NewPowerUsageService(querier, logger)
	health := NewHealthChecker(logger)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID, // Add request ID first
		middleware.Logging(logger),
		metrics.Middleware,
	)

	r.Get("/healthz", health.Liveness)
	r.Get("/readyz", health.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimiter(config.RateLimit, config.RateLimitBurst))
		r.Get(PowerUsagePath, svc.HandlePowerUsage)
	})

	return &Server{router: r, health: health}, nil
}
