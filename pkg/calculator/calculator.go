package calculator

import (
	"math"

	"github.com/flotilla-io/flotilla/pkg/types"
)

// Unbounded is the ideal_max sentinel when no rule constrains the ceiling
const Unbounded = math.MaxInt32

// Average fuses a list of per-backend samples into one weight-weighted
// mean per metric name.
func Average(samples []types.MetricSample) map[string]float64 {
	weights := make(map[string]float64)
	totals := make(map[string]float64)
	for _, sample := range samples {
		for name, v := range sample {
			if v.Weight <= 0 {
				continue
			}
			weights[name] += v.Weight
			totals[name] += v.Weight * v.Value
		}
	}

	averages := make(map[string]float64, len(totals))
	for name, total := range totals {
		averages[name] = total / weights[name]
	}
	return averages
}

// IdealRange evaluates the scaling rules against the fused samples and
// returns the smallest and largest instance counts that would satisfy all
// of them, assuming the observed total load spreads uniformly across
// however many instances exist.
//
// instances is the observed backend count the averages were taken over;
// the conserved total for a metric is average * instances. A ">" rule
// raises the floor (enough instances that the per-instance value drops to
// the threshold); a "<" rule lowers the ceiling (few enough that the
// per-instance value stays at the threshold). Rules whose metric is absent
// from the samples are ignored. An inverted result (max < min) means the
// rules conflict and the caller should hold.
func IdealRange(rules []types.Rule, samples []types.MetricSample, instances int) (int, int) {
	idealMin := 0
	idealMax := Unbounded
	if len(rules) == 0 {
		return idealMin, idealMax
	}

	averages := Average(samples)
	for _, rule := range rules {
		avg, ok := averages[rule.Metric]
		if !ok {
			continue
		}
		total := avg * float64(instances)

		switch rule.Op {
		case types.OpGreater, types.OpGreaterEqual:
			if rule.Value <= 0 {
				continue
			}
			floor := int(math.Ceil(total / rule.Value))
			if floor > idealMin {
				idealMin = floor
			}
		case types.OpLess, types.OpLessEqual:
			if rule.Value <= 0 {
				continue
			}
			ceiling := int(math.Floor(total / rule.Value))
			if ceiling < idealMax {
				idealMax = ceiling
			}
		}
	}

	return idealMin, idealMax
}
