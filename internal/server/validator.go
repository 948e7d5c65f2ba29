package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tejusbharadwaj/powerusage/internal/models"
)

// PowerUsageRequest is a validated /api/v1/power-usage query.
type PowerUsageRequest struct {
	Target string
	Date   string
	Time   string
	CSV    bool
}

type RequestValidator struct {
	required []string
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{
		required: []string{"target", "date", "time"},
	}
}

// Validate checks that the required parameters are present and non-empty
// and reads the optional csv flag.
func (v *RequestValidator) Validate(values url.Values) (PowerUsageRequest, error) {
	var missing []string
	for _, name := range v.required {
		if strings.TrimSpace(values.Get(name)) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return PowerUsageRequest{}, fmt.Errorf("%w: missing required parameter(s): %s",
			models.ErrInvalidParameter, strings.Join(missing, ", "))
	}

	req := PowerUsageRequest{
		Target: values.Get("target"),
		Date:   values.Get("date"),
		Time:   values.Get("time"),
	}

	// Only "true" selects CSV; any other value keeps the JSON default.
	req.CSV = values.Get("csv") == "true"

	return req, nil
}
