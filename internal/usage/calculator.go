package usage

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/powerusage/internal/models"
)

// HoursPerDay is the span the average power is computed over.
const HoursPerDay = 24

type meterKey struct {
	instance string
	address  string
}

// Calculator joins two energy readings into daily usage records.
type Calculator struct {
	logger *logrus.Logger
}

// NewCalculator returns a Calculator logging skipped samples to logger.
func NewCalculator(logger *logrus.Logger) *Calculator {
	return &Calculator{logger: logger}
}

// DailyKWh is the energy consumed between the two readings. A counter reset
// yields a negative value, which is passed through.
func DailyKWh(prev, curr float64) float64 {
	return curr - prev
}

// AvgPowerWatt converts a daily energy figure in kWh to average watts.
func AvgPowerWatt(dailyKWh float64) float64 {
	return dailyKWh / HoursPerDay * 1000
}

// Compute pairs previous and current samples by (instance, address) and
// returns the report grouped by instance, each group ordered by address.
//
// Current samples without a previous counterpart are left out. Samples
// without an instance or address label, or with a non-finite value, are
// skipped.
func (c *Calculator) Compute(previous, current []models.LabeledSample) models.UsageReport {
	prevByKey := make(map[meterKey]float64, len(previous))
	for _, s := range previous {
		key, ok := c.keyOf(s, "previous")
		if !ok {
			continue
		}
		if _, dup := prevByKey[key]; dup {
			c.logger.WithFields(logrus.Fields{
				"instance": key.instance,
				"address":  key.address,
			}).Warn("Duplicate previous sample, keeping the last one")
		}
		prevByKey[key] = s.Value
	}

	groups := map[string][]models.UsageRecord{}
	for _, s := range current {
		key, ok := c.keyOf(s, "current")
		if !ok {
			continue
		}
		prev, ok := prevByKey[key]
		if !ok {
			c.logger.WithFields(logrus.Fields{
				"instance": key.instance,
				"address":  key.address,
			}).Debug("No previous reading, excluding from report")
			continue
		}

		daily := DailyKWh(prev, s.Value)
		groups[key.instance] = append(groups[key.instance], models.UsageRecord{
			Instance:     key.instance,
			Address:      key.address,
			PrevKWh:      prev,
			CurrKWh:      s.Value,
			DailyKWh:     daily,
			AvgPowerWatt: AvgPowerWatt(daily),
		})
	}

	instances := make([]string, 0, len(groups))
	for instance := range groups {
		instances = append(instances, instance)
	}
	sort.Strings(instances)

	report := make(models.UsageReport, 0, len(instances))
	for _, instance := range instances {
		records := groups[instance]
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Address < records[j].Address
		})
		report = append(report, models.InstanceUsage{Instance: instance, Records: records})
	}
	return report
}

func (c *Calculator) keyOf(s models.LabeledSample, side string) (meterKey, bool) {
	instance, ok := s.Instance()
	if !ok {
		c.logger.WithField("side", side).WithField("labels", s.Labels).Debug("Skipping sample without instance label")
		return meterKey{}, false
	}
	address, ok := s.Address()
	if !ok {
		c.logger.WithField("side", side).WithField("labels", s.Labels).Debug("Skipping sample without address label")
		return meterKey{}, false
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		c.logger.WithField("side", side).WithField("labels", s.Labels).Debug("Skipping sample with non-finite value")
		return meterKey{}, false
	}
	return meterKey{instance: instance, address: address}, true
}
