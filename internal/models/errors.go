package models

import "errors"

// Error taxonomy shared by every layer. Callers wrap these with
// fmt.Errorf("%w: ...") and the HTTP layer maps them with errors.Is.
var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrUpstreamUnavailable = errors.New("prometheus unavailable")
	ErrUpstreamData        = errors.New("prometheus returned invalid data")
	ErrInternalComputation = errors.New("internal computation error")
)
