package models

import (
	"fmt"
	"time"
)

// BolusEvent is an instantaneous insulin dose.
type BolusEvent struct {
	Time  time.Time `json:"time"`
	Units float64   `json:"units"`
}

func (b BolusEvent) GetTime() time.Time { return b.Time }

// BasalSegment is a temporary basal interval as delivered by the pump.
// Amount is the insulin delivered over the whole segment, Duration is in
// minutes.
type BasalSegment struct {
	Time     time.Time `json:"time"`
	Amount   float64   `json:"amount"`
	Duration float64   `json:"duration"`
}

func (b BasalSegment) GetTime() time.Time { return b.Time }

// End returns the time the segment stops delivering.
func (b BasalSegment) End() time.Time {
	return b.Time.Add(minutes(b.Duration))
}

// BasalDeviation is the difference between delivered and profile basal, in
// units per minute. A deviation never crosses a profile breakpoint.
type BasalDeviation struct {
	Time           time.Time `json:"time"`
	UnitsPerMinute float64   `json:"unitsPerMinute"`
	Duration       float64   `json:"duration"`
}

func (b BasalDeviation) GetTime() time.Time { return b.Time }

// MealEvent is an estimated carbohydrate intake in grams.
type MealEvent struct {
	Time  time.Time `json:"time"`
	Carbs float64   `json:"carbs"`
}

func (m MealEvent) GetTime() time.Time { return m.Time }

// Treatment is a nightscout treatment document. Fields holds everything
// except _id, created_at and eventType.
type Treatment struct {
	ID     string
	Time   time.Time
	Type   string
	Fields map[string]interface{}
}

type timed interface {
	GetTime() time.Time
}

func validateSorted[T timed](kind string, items []T) error {
	for i := 1; i < len(items); i++ {
		if items[i].GetTime().Before(items[i-1].GetTime()) {
			return fmt.Errorf("%s %d at %s precedes %s: %w", kind, i,
				items[i].GetTime().Format(time.RFC3339), items[i-1].GetTime().Format(time.RFC3339), ErrUnsorted)
		}
	}
	return nil
}

func ValidateBoli(boli []BolusEvent) error {
	return validateSorted("bolus", boli)
}

func ValidateBasalSegments(segments []BasalSegment) error {
	return validateSorted("basal segment", segments)
}

func ValidateBasalDeviations(deviations []BasalDeviation) error {
	return validateSorted("basal deviation", deviations)
}

func ValidateMeals(meals []MealEvent) error {
	return validateSorted("meal", meals)
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
