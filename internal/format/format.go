// Package format serializes a usage report as JSON or CSV.
package format

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tejusbharadwaj/powerusage/internal/models"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCSV  = "text/csv"
)

// CSVHeader is the first row of every CSV response.
var CSVHeader = []string{"Target", "Address", "Prev_kWh", "Current_KWh", "Daily_KWh", "Avg_Power_Watt"}

// Format renders report as CSV when asCSV is set, JSON otherwise, and
// returns the body with its content type.
func Format(report models.UsageReport, asCSV bool) ([]byte, string, error) {
	if asCSV {
		body, err := CSV(report)
		return body, ContentTypeCSV, err
	}
	body, err := JSON(report)
	return body, ContentTypeJSON, err
}

// JSON renders an object keyed by instance, in report order, whose values
// are the instance's records in address order.
func JSON(report models.UsageReport) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, group := range report {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(group.Instance)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding instance %q: %v", models.ErrInternalComputation, group.Instance, err)
		}
		records := group.Records
		if records == nil {
			records = []models.UsageRecord{}
		}
		value, err := json.Marshal(records)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding records of %q: %v", models.ErrInternalComputation, group.Instance, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CSV renders one row per record. The Address column holds the 1-based
// position of the record within its instance, not the address label.
func CSV(report models.UsageReport) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)

	if err := w.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("%w: writing csv header: %v", models.ErrInternalComputation, err)
	}
	for _, group := range report {
		for i, rec := range group.Records {
			row := []string{
				group.Instance,
				strconv.Itoa(i + 1),
				formatFloat(rec.PrevKWh),
				formatFloat(rec.CurrKWh),
				formatFloat(rec.DailyKWh),
				formatFloat(rec.AvgPowerWatt),
			}
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("%w: writing csv row: %v", models.ErrInternalComputation, err)
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("%w: flushing csv: %v", models.ErrInternalComputation, err)
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
