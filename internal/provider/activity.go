package provider

import (
	"encoding/json"
	"fmt"
	"time"
)

// activityTimeLayout is the provider's local-time format for activity summaries.
const activityTimeLayout = "2006-01-02 15:04:05"

// ActivitySummary is one entry from the provider's activity list. Scalar
// fields are lifted from the summary payload; Raw preserves the full record.
type ActivitySummary struct {
	ID             string
	Name           string
	Type           string
	StartTimeLocal time.Time
	DistanceM      float64
	DurationS      float64
	Calories       float64
	AverageHR      float64
	MaxHR          float64
	ElevationGainM float64
	AverageSpeed   float64
	MaxSpeed       float64
	Raw            json.RawMessage
}

// Date returns the activity's local calendar date (UTC midnight).
func (a ActivitySummary) Date() time.Time {
	y, m, d := a.StartTimeLocal.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// activityEnvelope mirrors the provider's summary JSON. activityId is a
// number on the wire; everything else is optional and shape-stable.
type activityEnvelope struct {
	ActivityID   json.Number `json:"activityId"`
	ActivityName string      `json:"activityName"`
	ActivityType struct {
		TypeKey string `json:"typeKey"`
	} `json:"activityType"`
	StartTimeLocal string  `json:"startTimeLocal"`
	Distance       float64 `json:"distance"`
	Duration       float64 `json:"duration"`
	Calories       float64 `json:"calories"`
	AverageHR      float64 `json:"averageHR"`
	MaxHR          float64 `json:"maxHR"`
	ElevationGain  float64 `json:"elevationGain"`
	AverageSpeed   float64 `json:"averageSpeed"`
	MaxSpeed       float64 `json:"maxSpeed"`
}

// parseActivity lifts the scalar fields out of one raw summary record.
func parseActivity(raw json.RawMessage) (ActivitySummary, error) {
	var env activityEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ActivitySummary{}, fmt.Errorf("parsing activity summary: %w", err)
	}
	if env.ActivityID.String() == "" {
		return ActivitySummary{}, fmt.Errorf("activity summary missing activityId")
	}

	start, err := time.Parse(activityTimeLayout, env.StartTimeLocal)
	if err != nil {
		return ActivitySummary{}, fmt.Errorf("parsing startTimeLocal %q: %w", env.StartTimeLocal, err)
	}

	return ActivitySummary{
		ID:             env.ActivityID.String(),
		Name:           env.ActivityName,
		Type:           env.ActivityType.TypeKey,
		StartTimeLocal: start,
		DistanceM:      env.Distance,
		DurationS:      env.Duration,
		Calories:       env.Calories,
		AverageHR:      env.AverageHR,
		MaxHR:          env.MaxHR,
		ElevationGainM: env.ElevationGain,
		AverageSpeed:   env.AverageSpeed,
		MaxSpeed:       env.MaxSpeed,
		Raw:            raw,
	}, nil
}
