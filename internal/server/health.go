package server

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

// ServiceName is the name readiness is reported under.
const ServiceName = "powerusage"

type ServingStatus int

const (
	StatusUnknown ServingStatus = iota
	StatusServing
	StatusNotServing
)

func (s ServingStatus) String() string {
	switch s {
	case StatusServing:
		return "SERVING"
	case StatusNotServing:
		return "NOT_SERVING"
	default:
		return "UNKNOWN"
	}
}

// HealthChecker tracks the serving status of named services.
type HealthChecker struct {
	mu     sync.RWMutex
	status map[string]ServingStatus
	logger *logrus.Logger
}

func NewHealthChecker(logger *logrus.Logger) *HealthChecker {
	return &HealthChecker{
		status: make(map[string]ServingStatus),
		logger: logger,
	}
}

// Check returns the status of service, or an error when it was never set.
func (h *HealthChecker) Check(service string) (ServingStatus, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if status, ok := h.status[service]; ok {
		return status, nil
	}
	return StatusUnknown, fmt.Errorf("unknown service: %s", service)
}

// SetServingStatus sets the serving status of a service
func (h *HealthChecker) SetServingStatus(service string, status ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[service] = status
}

// Liveness answers 200 as long as the process can serve HTTP.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeResponseWithBody(h.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness answers 200 only while ServiceName is SERVING.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	status, err := h.Check(ServiceName)
	code := http.StatusOK
	if err != nil || status != StatusServing {
		code = http.StatusServiceUnavailable
	}
	writeResponseWithBody(h.logger, w, code, map[string]string{"status": status.String()})
}
