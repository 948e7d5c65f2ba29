package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tejusbharadwaj/powerusage/internal/config"
	"github.com/tejusbharadwaj/powerusage/internal/promquery"
	"github.com/tejusbharadwaj/powerusage/internal/server"
)

// Command powerusage serves daily energy usage per meter computed from
// Prometheus energy counters.
//
// Usage:
//
//	powerusage [flags]
//
// The flags are:
//
//	--config string
//	      config file (default is ./config.yaml when present)
//	--port int
//	      HTTP listen port (default 9118)
//	--prometheus-host string
//	      Prometheus address, overrides PROMETHEUS_HOST
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "powerusage",
	Short: "Serve daily power usage computed from Prometheus energy counters",
	Long: `powerusage answers GET /api/v1/power-usage with the energy each meter
consumed over the 24 hours ending at a given UTC+7 date and time, as JSON
or CSV. Readings come from the "energy" metric in Prometheus.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	flags := rootCmd.Flags()
	flags.Int("port", 9118, "HTTP listen port")
	flags.String("host", "0.0.0.0", "HTTP listen host")
	flags.String("prometheus-host", "", "Prometheus address (host:port or URL)")
	flags.Float64("rate-limit", 5.0, "Rate limit in requests per second, 0 disables it")
	flags.Int("rate-limit-burst", 10, "Maximum burst size for rate limiting")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "json", "Log format (json or text)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command) error {
	appConfig, err := config.Load(config.ResolvePath(cfgFile), cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := config.NewLogger(appConfig.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	querier, err := promquery.New(promquery.Config{
		Address:           appConfig.Prometheus.Host,
		Timeout:           appConfig.Prometheus.Timeout,
		Lookback:          appConfig.Prometheus.Lookback,
		SelectorCacheSize: appConfig.Cache.SelectorSize,
		Breaker: promquery.BreakerConfig{
			MaxFailures: appConfig.Prometheus.Breaker.MaxFailures,
			OpenTimeout: appConfig.Prometheus.Breaker.OpenTimeout,
		},
	}, logger, registry)
	if err != nil {
		return fmt.Errorf("failed to create prometheus client: %w", err)
	}

	srv, err := server.SetupServerWithRegistry(querier, logger, server.ServerConfig{
		RateLimit:      appConfig.RateLimit.RPS,
		RateLimitBurst: appConfig.RateLimit.Burst,
	}, registry, registry)
	if err != nil {
		return fmt.Errorf("failed to setup server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              appConfig.Server.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
		close(errChan)
	}()

	logger.WithFields(logrus.Fields{
		"addr":       appConfig.Server.Addr(),
		"prometheus": appConfig.Prometheus.Host,
	}).Info("Starting HTTP server")
	srv.Health().SetServingStatus(server.ServiceName, server.StatusServing)

	go func() {
		if err, ok := <-errChan; ok && err != nil {
			logger.WithError(err).Error("Server stopped unexpectedly")
			cancel()
		}
	}()

	return handleShutdown(ctx, httpServer, srv, appConfig.Server.ShutdownTimeout, logger)
}

// handleShutdown blocks until a signal arrives or ctx is canceled, then
// drains in-flight requests.
func handleShutdown(
	ctx context.Context,
	httpServer *http.Server,
	srv *server.Server,
	timeout time.Duration,
	logger *logrus.Logger,
) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var cause error
	select {
	case <-ctx.Done():
		logger.Info("Context canceled, initiating shutdown")
		cause = errors.New("server terminated")
	case sig := <-sigChan:
		logger.Infof("Received signal %v, initiating shutdown", sig)
	}

	srv.Health().SetServingStatus(server.ServiceName, server.StatusNotServing)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("Gracefully stopping server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return cause
}
