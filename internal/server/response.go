package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/powerusage/internal/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

// StatusFor maps an error of the shared taxonomy onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUpstreamUnavailable), errors.Is(err, models.ErrUpstreamData):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(logger logrus.FieldLogger, w http.ResponseWriter, err error) {
	status := StatusFor(err)
	entry := logger.WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("Power usage request failed")
	} else {
		entry.Info("Power usage request rejected")
	}
	writeResponseWithBody(logger, w, status, errorResponse{Error: err.Error()})
}

// writeResponseWithBody marshals resp to JSON and writes it with code.
func writeResponseWithBody(logger logrus.FieldLogger, w http.ResponseWriter, code int, resp interface{}) {
	enc, err := json.Marshal(resp)
	if err != nil {
		logger.WithError(err).Error("failed JSON-encoding HTTP response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBody(logger, w, code, "application/json", enc)
}

func writeBody(logger logrus.FieldLogger, w http.ResponseWriter, code int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		logger.WithError(err).Error("failed writing HTTP response")
	}
}
