// Package powerusage implements an HTTP service reporting the daily energy
// consumption of metered devices from Prometheus counters.
//
// # Architecture
//
// The service is structured into several key packages:
//   - config: YAML, environment and flag configuration, logger setup
//   - window: UTC+7 date and time parsing into a 24 hour query window
//   - promquery: Prometheus instant queries for the energy metric
//   - usage: pairing of readings and the daily usage arithmetic
//   - format: JSON and CSV rendering of a usage report
//   - server: HTTP routing, validation, health and middlewares
//   - models: Shared data structures and error kinds
//
// Key Features
//
//   - Daily usage:
//     For every meter the energy counter is read at the requested time and
//     24 hours earlier; the difference is the daily kWh and, spread over 24
//     hours, the average power in watts.
//
//   - Upstream protection:
//     Queries to Prometheus run concurrently under a timeout and behind a
//     circuit breaker. Requests are rate limited per process.
//
//   - Observability:
//     Structured logs with request IDs, Prometheus metrics on /metrics and
//     liveness and readiness probes.
//
// Example Usage
//
//	curl 'http://localhost:9118/api/v1/power-usage?target=192.168.1.1&date=2024-06-01&time=12:00'
//	{"192.168.1.1":[{"prev_kwh":100,"curr_kwh":124,"daily_kwh":24,"avg_power_watt":1000}]}
//
// For more information about specific packages, see their respective
// documentation.
package powerusage
