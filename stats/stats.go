// Package stats measures how well a set of meals, together with the known
// insulin, explains observed glucose.
package stats

import (
	"math"
	"time"

	"github.com/adamlounds/nightscout-uam/models"
	"github.com/adamlounds/nightscout-uam/physio"
	"gonum.org/v1/gonum/stat"
)

// Summary holds population statistics of a list of errors. Max is the error
// with the largest magnitude, sign kept.
type Summary struct {
	Mean     float64 `json:"mean"`
	MSE      float64 `json:"mse"`
	RMSE     float64 `json:"rmse"`
	Max      float64 `json:"max"`
	Variance float64 `json:"variance"`
	StdDev   float64 `json:"stdDev"`
	Skewness float64 `json:"skewness"`
}

// Point is the prediction error at one sample: predicted minus observed, in
// mg/dL and as a percentage of the observed value. Percent is zero when the
// observed value is not positive.
type Point struct {
	Time    time.Time `json:"time"`
	Error   float64   `json:"error"`
	Percent float64   `json:"percent"`
}

type Report struct {
	StartValue float64   `json:"startValue"`
	Points     []Point   `json:"-"`
	Absolute   Summary   `json:"absolute"`
	Percent    Summary   `json:"percent"`
	From       time.Time `json:"from"`
}

type Input struct {
	Glucose []models.GlucoseSample
	Meals   []models.MealEvent
	Boli    []models.BolusEvent
	Basal   []models.BasalDeviation
	Context models.PredictionContext
}

// Calculate compares startValue + prediction with every sample. With
// skipWarmUp the comparison starts once the first WarmUp of the series has
// passed and the start value is taken from that sample; otherwise every
// sample counts against a start value of zero.
func Calculate(in Input, skipWarmUp bool) *Report {
	rep := &Report{}
	if len(in.Glucose) == 0 {
		return rep
	}
	predict := func(at time.Time) float64 {
		return physio.Predict(at, in.Meals, in.Boli, in.Basal, in.Context)
	}

	from := in.Glucose[0].Time
	if skipWarmUp {
		from = StartTime(in.Glucose, in.Context.WarmUp())
		for _, g := range in.Glucose {
			rep.StartValue = g.Mgdl - predict(g.Time)
			if !g.Time.Before(from) {
				break
			}
		}
	}
	rep.From = from

	var abs, pct []float64
	for _, g := range in.Glucose {
		if g.Time.Before(from) {
			continue
		}
		e := rep.StartValue + predict(g.Time) - g.Mgdl
		pt := Point{Time: g.Time, Error: e}
		abs = append(abs, e)
		// a non-positive reading has no meaningful relative error
		if g.Mgdl > 0 {
			pt.Percent = e / g.Mgdl * 100
			pct = append(pct, pt.Percent)
		}
		rep.Points = append(rep.Points, pt)
	}
	rep.Absolute = Summarize(abs)
	rep.Percent = Summarize(pct)
	return rep
}

// StartTime returns the time of the last sample whose successor lies beyond
// warmUp after the first sample.
func StartTime(samples []models.GlucoseSample, warmUp time.Duration) time.Time {
	if len(samples) == 0 {
		return time.Time{}
	}
	firstValid := samples[0].Time.Add(warmUp)
	start := samples[0].Time
	for i := 0; i < len(samples)-1; i++ {
		start = samples[i].Time
		if samples[i+1].Time.After(firstValid) {
			break
		}
	}
	return start
}

func Summarize(errs []float64) Summary {
	var s Summary
	if len(errs) == 0 {
		return s
	}
	s.Mean, s.Variance = stat.PopMeanVariance(errs, nil)
	s.StdDev = math.Sqrt(s.Variance)
	for _, e := range errs {
		s.MSE += e * e
		if math.Abs(e) > math.Abs(s.Max) {
			s.Max = e
		}
	}
	s.MSE /= float64(len(errs))
	s.RMSE = math.Sqrt(s.MSE)
	if s.StdDev > 0 {
		s.Skewness = stat.Moment(3, errs, nil) / (s.StdDev * s.StdDev * s.StdDev)
	}
	return s
}
