// Package normalize flattens the provider's shape-varying wellness payloads
// into scalar fields. The provider returns the same logical value in at least
// three shapes; each decoder tries a fixed ordered list of matchers and
// yields nil (never an error) when no shape matches.
package normalize

import (
	"encoding/json"
)

// Wellness metric identifiers used in the provider's nested "allMetrics" map.
const (
	MetricRestingHeartRate = "WELLNESS_RESTING_HEART_RATE"
	MetricAverageStress    = "WELLNESS_AVERAGE_STRESS"
)

// RestingHeartRate extracts a resting heart rate scalar from any known shape.
func RestingHeartRate(payload any) *float64 {
	return wellnessScalar(payload, "restingHeartRate", MetricRestingHeartRate)
}

// Stress extracts an average stress scalar from any known shape.
func Stress(payload any) *float64 {
	return wellnessScalar(payload, "avgStressLevel", MetricAverageStress)
}

// wellnessScalar tries, in order: bare scalar, flat named field, nested
// allMetrics.metricsMap.<key>[0].value. Unknown shapes yield nil.
func wellnessScalar(payload any, field, metricKey string) *float64 {
	if v, ok := asNumber(payload); ok {
		return &v
	}

	obj, ok := asObject(payload)
	if !ok {
		return nil
	}

	if v, ok := asNumber(obj[field]); ok {
		return &v
	}

	all, ok := asObject(obj["allMetrics"])
	if !ok {
		return nil
	}
	metricsMap, ok := asObject(all["metricsMap"])
	if !ok {
		return nil
	}
	entries, ok := metricsMap[metricKey].([]any)
	if !ok || len(entries) == 0 {
		return nil
	}
	entry, ok := asObject(entries[0])
	if !ok {
		return nil
	}
	if v, ok := asNumber(entry["value"]); ok {
		return &v
	}
	return nil
}

// Steps extracts a daily step total. Shapes seen in the wild: a bare scalar,
// an object with a totalSteps field, or a list of interval buckets each
// carrying a steps count (summed).
func Steps(payload any) int64 {
	if v, ok := asNumber(payload); ok {
		return int64(v)
	}

	if obj, ok := asObject(payload); ok {
		if v, ok := asNumber(obj["totalSteps"]); ok {
			return int64(v)
		}
	}

	if buckets, ok := payload.([]any); ok {
		var total int64
		for _, b := range buckets {
			obj, ok := asObject(b)
			if !ok {
				continue
			}
			if v, ok := asNumber(obj["steps"]); ok {
				total += int64(v)
			}
		}
		return total
	}

	return 0
}

func asObject(v any) (map[string]any, bool) {
	obj, ok := v.(map[string]any)
	return obj, ok
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return n, true
		}
	case float32:
		if n > 0 {
			return float64(n), true
		}
	case int:
		if n > 0 {
			return float64(n), true
		}
	case int64:
		if n > 0 {
			return float64(n), true
		}
	case json.Number:
		f, err := n.Float64()
		if err == nil && f > 0 {
			return f, true
		}
	}
	return 0, false
}
