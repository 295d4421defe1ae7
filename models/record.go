package models

import (
	"fmt"
	"math"
	"time"
)

type RecordType string

const (
	RecordGlucose RecordType = "glucose"
	RecordBolus   RecordType = "bolus"
	RecordBasal   RecordType = "basal"
	RecordMeal    RecordType = "meal"
)

// Record is an untyped ingestion row as it arrives from a file, a remote
// nightscout or the API. Value is mg/dL, units or grams depending on Type;
// Duration (minutes) is only meaningful for basal records.
type Record struct {
	Type     RecordType `json:"type"`
	Time     time.Time  `json:"time"`
	Value    float64    `json:"value"`
	Duration float64    `json:"duration,omitempty"`
}

func checkRecords(records []Record, want RecordType) error {
	for i, r := range records {
		if r.Type != want {
			return fmt.Errorf("record %d has type %q, want %q: %w", i, r.Type, want, ErrWrongRecordType)
		}
		if i > 0 && r.Time.Before(records[i-1].Time) {
			return fmt.Errorf("%s record %d at %s precedes %s: %w", want, i,
				r.Time.Format(time.RFC3339), records[i-1].Time.Format(time.RFC3339), ErrUnsorted)
		}
	}
	return nil
}

// GlucoseSamples converts glucose records, rejecting other types, unsorted
// input and values that are not positive.
func GlucoseSamples(records []Record) ([]GlucoseSample, error) {
	if err := checkRecords(records, RecordGlucose); err != nil {
		return nil, err
	}
	samples := make([]GlucoseSample, len(records))
	for i, r := range records {
		if !(r.Value > 0) || math.IsInf(r.Value, 1) {
			return nil, fmt.Errorf("glucose record %d at %s is %v: %w", i, r.Time.Format(time.RFC3339), r.Value, ErrGlucoseValue)
		}
		samples[i] = GlucoseSample{Time: r.Time, Mgdl: r.Value}
	}
	return samples, nil
}

func BolusEvents(records []Record) ([]BolusEvent, error) {
	if err := checkRecords(records, RecordBolus); err != nil {
		return nil, err
	}
	boli := make([]BolusEvent, len(records))
	for i, r := range records {
		boli[i] = BolusEvent{Time: r.Time, Units: r.Value}
	}
	return boli, nil
}

func BasalSegments(records []Record) ([]BasalSegment, error) {
	if err := checkRecords(records, RecordBasal); err != nil {
		return nil, err
	}
	segments := make([]BasalSegment, len(records))
	for i, r := range records {
		segments[i] = BasalSegment{Time: r.Time, Amount: r.Value, Duration: r.Duration}
	}
	return segments, nil
}

func MealEvents(records []Record) ([]MealEvent, error) {
	if err := checkRecords(records, RecordMeal); err != nil {
		return nil, err
	}
	meals := make([]MealEvent, len(records))
	for i, r := range records {
		meals[i] = MealEvent{Time: r.Time, Carbs: r.Value}
	}
	return meals, nil
}

// SplitRecords partitions mixed records by type, keeping their order.
// Unknown types are reported as ErrWrongRecordType.
func SplitRecords(records []Record) (map[RecordType][]Record, error) {
	out := make(map[RecordType][]Record, 4)
	for i, r := range records {
		switch r.Type {
		case RecordGlucose, RecordBolus, RecordBasal, RecordMeal:
			out[r.Type] = append(out[r.Type], r)
		default:
			return nil, fmt.Errorf("record %d has unknown type %q: %w", i, r.Type, ErrWrongRecordType)
		}
	}
	return out, nil
}
