//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/querier.go -package=mocks . Querier

// Package promquery runs the energy counter instant queries against a
// Prometheus-compatible HTTP API.
//
// Every query is:
//   - built from a validated instance regex (see BuildExpr)
//   - bounded by a per-call timeout
//   - guarded by a circuit breaker that opens after consecutive
//     connectivity failures
//   - traced with an OpenTelemetry span and counted in Prometheus metrics
//
// Failures are reported with the shared error taxonomy:
// models.ErrUpstreamUnavailable when Prometheus could not be reached or
// answered with a non-2xx status or an unreadable envelope, and
// models.ErrUpstreamData when its envelope status was not "success" or a result
// that cannot be turned into samples.
//
// Example usage:
//
//	client, err := promquery.New(promquery.Config{Address: "prometheus:9090"}, logger, prometheus.DefaultRegisterer)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	samples, err := client.Query(ctx, "192.168.1..*", at)
package promquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tejusbharadwaj/powerusage/internal/models"
)

const tracerName = "github.com/tejusbharadwaj/powerusage/internal/promquery"

// halfOpenRequests is how many trial queries a half-open breaker lets
// through; every report queries two instants at once.
const halfOpenRequests = 2

// Querier fetches the energy readings of every instance matching target at
// the given instant.
type Querier interface {
	Query(ctx context.Context, target string, at time.Time) ([]models.LabeledSample, error)
}

// Config holds the options of the Prometheus client.
type Config struct {
	Address           string        // host:port or full URL of the Prometheus server
	Timeout           time.Duration // per query
	Lookback          time.Duration // range of last_over_time
	SelectorCacheSize int           // 0 disables memoization
	Breaker           BreakerConfig
}

// BreakerConfig configures the circuit breaker around Prometheus.
type BreakerConfig struct {
	MaxFailures uint32        // consecutive failures before opening, 0 disables the breaker
	OpenTimeout time.Duration // time spent open before a trial request
}

// DefaultConfig returns a Config with the values the service runs with.
func DefaultConfig() Config {
	return Config{
		Timeout:           5 * time.Second,
		Lookback:          10 * time.Minute,
		SelectorCacheSize: 256,
		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
	}
}

// Client implements Querier on top of the Prometheus v1 HTTP API.
type Client struct {
	api       promv1.API
	timeout   time.Duration
	selectors *selectorCache
	breaker   *gobreaker.CircuitBreaker
	tracer    trace.Tracer
	logger    *logrus.Logger

	queries  *prometheus.CounterVec
	duration prometheus.Histogram
}

// New builds a Client. Collectors are registered on reg when it is non-nil.
func New(cfg Config, logger *logrus.Logger, reg prometheus.Registerer) (*Client, error) {
	address, err := NormalizeAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("prometheus timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.Lookback <= 0 {
		return nil, fmt.Errorf("prometheus lookback must be positive, got %s", cfg.Lookback)
	}

	c, err := api.NewClient(api.Config{
		Address: address,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("creating prometheus client: %w", err)
	}

	selectors, err := newSelectorCache(cfg.Lookback, cfg.SelectorCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating selector cache: %w", err)
	}

	client := &Client{
		api:       promv1.NewAPI(envelopeClient{c}),
		timeout:   cfg.Timeout,
		selectors: selectors,
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powerusage",
			Subsystem: "prometheus",
			Name:      "queries_total",
			Help:      "Instant queries sent to Prometheus, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "powerusage",
			Subsystem: "prometheus",
			Name:      "query_duration_seconds",
			Help:      "Latency of instant queries sent to Prometheus.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if cfg.Breaker.MaxFailures > 0 {
		client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "prometheus",
			MaxRequests: halfOpenRequests,
			Timeout:     cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
			},
			// Only connectivity problems count against Prometheus. A
			// canceled caller says nothing about its health.
			IsSuccessful: func(err error) bool {
				return err == nil ||
					errors.Is(err, context.Canceled) ||
					!errors.Is(err, models.ErrUpstreamUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state changed")
			},
		})
	}

	if reg != nil {
		if err := reg.Register(client.queries); err != nil {
			return nil, fmt.Errorf("registering query counter: %w", err)
		}
		if err := reg.Register(client.duration); err != nil {
			return nil, fmt.Errorf("registering query histogram: %w", err)
		}
	}

	return client, nil
}

// NormalizeAddress accepts either host:port or a full URL and returns a URL
// with a scheme.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errors.New("prometheus address is required")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid prometheus address %q: %w", address, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid prometheus address %q: missing host", address)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// Query evaluates last_over_time(energy{instance=~target}[lookback]) at the
// given instant.
func (c *Client) Query(ctx context.Context, target string, at time.Time) ([]models.LabeledSample, error) {
	expr, err := c.selectors.Expr(target)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "promquery.Query", trace.WithAttributes(
		attribute.String("promql", expr),
		attribute.Int64("time", at.Unix()),
	))
	defer span.End()

	start := time.Now()
	samples, err := c.execute(ctx, expr, at)
	c.duration.Observe(time.Since(start).Seconds())
	c.queries.WithLabelValues(outcome(err)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("samples", len(samples)))
	return samples, nil
}

func (c *Client) execute(ctx context.Context, expr string, at time.Time) ([]models.LabeledSample, error) {
	if c.breaker == nil {
		return c.query(ctx, expr, at)
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.query(ctx, expr, at)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
		}
		return nil, err
	}
	return res.([]models.LabeledSample), nil
}

func (c *Client) query(ctx context.Context, expr string, at time.Time) ([]models.LabeledSample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	value, warnings, err := c.api.Query(ctx, expr, at)
	if err != nil {
		return nil, classify(err)
	}
	if len(warnings) > 0 {
		c.logger.WithFields(logrus.Fields{
			"query":    expr,
			"warnings": []string(warnings),
		}).Warn("Prometheus returned warnings")
	}
	if value == nil {
		return nil, fmt.Errorf("%w: empty result", models.ErrUpstreamData)
	}

	vector, ok := value.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("%w: expected a vector in response to query, got a %v", models.ErrUpstreamData, value.Type())
	}

	return toSamples(vector), nil
}

func toSamples(vector model.Vector) []models.LabeledSample {
	samples := make([]models.LabeledSample, 0, len(vector))
	for _, s := range vector {
		labels := make(map[string]string, len(s.Metric))
		for name, value := range s.Metric {
			labels[string(name)] = string(value)
		}
		samples = append(samples, models.LabeledSample{
			Labels: labels,
			Value:  float64(s.Value),
		})
	}
	return samples
}

// envelopeClient rejects 2xx responses whose envelope status is neither
// "success" nor "error"; the v1 API only inspects "error".
type envelopeClient struct {
	api.Client
}

func (c envelopeClient) Do(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	resp, body, err := c.Client.Do(ctx, req)
	if err != nil || resp == nil || resp.StatusCode/100 != 2 {
		return resp, body, err
	}

	var envelope struct {
		Status *string `json:"status"`
	}
	if json.Unmarshal(body, &envelope) != nil {
		// Left to the v1 API, which reports it as a bad response.
		return resp, body, nil
	}
	if envelope.Status == nil {
		return resp, body, fmt.Errorf("%w: response has no status", models.ErrUpstreamData)
	}
	switch *envelope.Status {
	case "success", "error":
		return resp, body, nil
	default:
		return resp, body, fmt.Errorf("%w: unexpected response status %q", models.ErrUpstreamData, *envelope.Status)
	}
}

// classify maps client errors onto the error taxonomy.
func classify(err error) error {
	if errors.Is(err, models.ErrUpstreamData) {
		return err
	}

	var apiErr *promv1.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case promv1.ErrServer, promv1.ErrClient, promv1.ErrBadResponse:
			// Raised by the client itself: non-2xx status or unreadable envelope.
			return fmt.Errorf("%w: %s: %s", models.ErrUpstreamUnavailable, apiErr.Type, apiErr.Msg)
		default:
			// Taken from an envelope whose status was not "success".
			return fmt.Errorf("%w: %s: %s", models.ErrUpstreamData, apiErr.Type, apiErr.Msg)
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
	}

	// Anything else failed while decoding the result payload.
	return fmt.Errorf("%w: %v", models.ErrUpstreamData, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return "unavailable"
	default:
		return "bad_data"
	}
}
