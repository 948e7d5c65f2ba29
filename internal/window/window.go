// Package window turns the date and time query parameters into the two
// instants a daily usage figure is computed from.
//
// All wall-clock values are interpreted in WIB (UTC+7). The offset is a
// constant: there is no zone database lookup and no daylight saving.
package window

import (
	"fmt"
	"regexp"
	"time"

	"github.com/tejusbharadwaj/powerusage/internal/models"
)

const (
	// WIBOffset is the fixed offset of Western Indonesian Time.
	WIBOffset = 7 * time.Hour

	// Span is the distance between the previous and the current instant.
	Span = 24 * time.Hour

	layout = "2006-01-02 15:04"
)

// WIB is the fixed zone every request is interpreted in.
var WIB = time.FixedZone("WIB", int(WIBOffset/time.Second))

var (
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	clockPattern = regexp.MustCompile(`^\d{2}:\d{2}$`)
)

// Resolve parses date (YYYY-MM-DD) and clock (HH:MM) as a WIB wall-clock
// moment and returns it with the instant exactly 24 hours earlier.
func Resolve(date, clock string) (models.QueryWindow, error) {
	if !datePattern.MatchString(date) {
		return models.QueryWindow{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", models.ErrInvalidParameter, date)
	}
	if !clockPattern.MatchString(clock) {
		return models.QueryWindow{}, fmt.Errorf("%w: time %q must be HH:MM", models.ErrInvalidParameter, clock)
	}

	current, err := time.ParseInLocation(layout, date+" "+clock, WIB)
	if err != nil {
		return models.QueryWindow{}, fmt.Errorf("%w: %s %s is not a valid date and time", models.ErrInvalidParameter, date, clock)
	}

	return models.QueryWindow{
		Current:  current,
		Previous: current.Add(-Span),
	}, nil
}
