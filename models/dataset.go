package models

import (
	"context"
	"fmt"
	"time"
)

// Dataset is one importable unit of therapy data: everything an estimation
// run needs.
type Dataset struct {
	Name    string   `json:"name,omitempty"`
	Records []Record `json:"records"`
	Profile Profile  `json:"profile"`
}

// Inputs is a Dataset split into typed, validated series.
type Inputs struct {
	Glucose []GlucoseSample
	Boli    []BolusEvent
	Basal   []BasalSegment
	Meals   []MealEvent // announced meals
	Profile Profile
}

// Inputs validates and splits the dataset records.
func (d Dataset) Inputs() (*Inputs, error) {
	byType, err := SplitRecords(d.Records)
	if err != nil {
		return nil, err
	}
	in := &Inputs{Profile: d.Profile}
	if in.Glucose, err = GlucoseSamples(byType[RecordGlucose]); err != nil {
		return nil, err
	}
	if in.Boli, err = BolusEvents(byType[RecordBolus]); err != nil {
		return nil, err
	}
	if in.Basal, err = BasalSegments(byType[RecordBasal]); err != nil {
		return nil, err
	}
	if in.Meals, err = MealEvents(byType[RecordMeal]); err != nil {
		return nil, err
	}
	return in, nil
}

// Window limits every series to [from, to). Boli, basal and meals up to one
// lookback before from are kept since they still act on the window.
func (in *Inputs) Window(from, to time.Time, lookback time.Duration) *Inputs {
	early := from.Add(-lookback)
	out := &Inputs{Profile: in.Profile}
	for _, g := range in.Glucose {
		if !g.Time.Before(from) && g.Time.Before(to) {
			out.Glucose = append(out.Glucose, g)
		}
	}
	for _, b := range in.Boli {
		if !b.Time.Before(early) && b.Time.Before(to) {
			out.Boli = append(out.Boli, b)
		}
	}
	for _, b := range in.Basal {
		if !b.End().Before(early) && b.Time.Before(to) {
			out.Basal = append(out.Basal, b)
		}
	}
	for _, m := range in.Meals {
		if !m.Time.Before(early) && m.Time.Before(to) {
			out.Meals = append(out.Meals, m)
		}
	}
	return out
}

// DatasetFromInputs flattens typed series back into records, glucose first.
func DatasetFromInputs(name string, in *Inputs) *Dataset {
	d := &Dataset{Name: name, Profile: in.Profile}
	for _, g := range in.Glucose {
		d.Records = append(d.Records, Record{Type: RecordGlucose, Time: g.Time, Value: g.Mgdl})
	}
	for _, b := range in.Boli {
		d.Records = append(d.Records, Record{Type: RecordBolus, Time: b.Time, Value: b.Units})
	}
	for _, b := range in.Basal {
		d.Records = append(d.Records, Record{Type: RecordBasal, Time: b.Time, Value: b.Amount, Duration: b.Duration})
	}
	for _, m := range in.Meals {
		d.Records = append(d.Records, Record{Type: RecordMeal, Time: m.Time, Value: m.Carbs})
	}
	return d
}

type DatasetRepository interface {
	FetchDataset(ctx context.Context, name string) (*Dataset, error)
	SaveDataset(ctx context.Context, dataset *Dataset) error
}

func (d Dataset) String() string {
	return fmt.Sprintf("dataset %q (%d records)", d.Name, len(d.Records))
}
