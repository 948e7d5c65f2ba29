package models

import "time"

// Label names the service joins on.
const (
	LabelInstance = "instance"
	LabelAddress  = "address"
)

// QueryWindow is the pair of instants a daily usage figure is derived from.
type QueryWindow struct {
	Current  time.Time
	Previous time.Time
}

// LabeledSample is one entry of a Prometheus instant vector.
type LabeledSample struct {
	Labels map[string]string
	Value  float64
}

// Instance returns the instance label, if present.
func (s LabeledSample) Instance() (string, bool) {
	v, ok := s.Labels[LabelInstance]
	return v, ok && v != ""
}

// Address returns the address label, if present.
func (s LabeledSample) Address() (string, bool) {
	v, ok := s.Labels[LabelAddress]
	return v, ok && v != ""
}

// UsageRecord is the daily usage of a single meter address.
type UsageRecord struct {
	Instance     string  `json:"-"`
	Address      string  `json:"-"`
	PrevKWh      float64 `json:"prev_kwh"`
	CurrKWh      float64 `json:"curr_kwh"`
	DailyKWh     float64 `json:"daily_kwh"`
	AvgPowerWatt float64 `json:"avg_power_watt"`
}

// InstanceUsage groups the records of one instance, ordered by address.
type InstanceUsage struct {
	Instance string
	Records  []UsageRecord
}

// UsageReport is the response payload, ordered by instance name.
type UsageReport []InstanceUsage

// Len returns the total number of records across all instances.
func (r UsageReport) Len() int {
	n := 0
	for _, g := range r {
		n += len(g.Records)
	}
	return n
}
