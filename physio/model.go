// Package physio holds the forward glucose model: carbohydrate and insulin
// kinetics and the superposition of their effects. Every function is pure;
// times are elapsed minutes since the event unless stated otherwise.
package physio

import (
	"math"
	"time"

	"github.com/adamlounds/nightscout-uam/models"
)

// simpsonIntervals must be even.
const simpsonIntervals = 50

// CarbsOnBoard returns the fraction of a meal's glucose effect realised t
// minutes after eating, for an absorption time of a minutes.
func CarbsOnBoard(t, a float64) float64 {
	switch {
	case t <= 0:
		return 0
	case t >= a:
		return 1
	case t <= a/2:
		return 2 * t * t / (a * a)
	default:
		return -1 + 4*t/a - 2*t*t/(a*a)
	}
}

// CarbsOnBoardSlope is the derivative of CarbsOnBoard with respect to t.
func CarbsOnBoardSlope(t, a float64) float64 {
	switch {
	case t <= 0 || t >= a:
		return 0
	case t < a/2:
		return 4 * t / (a * a)
	default:
		return 4/a - 4*t/(a*a)
	}
}

// FastActingInsulinOnBoard returns the fraction of a bolus still active t
// minutes after delivery. peak must be below duration/2.
func FastActingInsulinOnBoard(t, duration, peak float64) float64 {
	if t <= 0 {
		return 1
	}
	if t >= duration {
		return 0
	}
	decay := peak * (1 - peak/duration) / (1 - 2*peak/duration)
	growth := 2 * decay / duration
	scale := 1 / (1 - growth + (1+growth)*math.Exp(-duration/decay))

	return 1 - scale*(1-growth)*
		((t*t/(decay*duration*(1-growth))-t/decay-1)*math.Exp(-t/decay)+1)
}

// IntegrateInsulinOnBoard integrates FastActingInsulinOnBoard(tFromEvent-s)
// over s in [t1, t2] with the composite Simpson rule.
func IntegrateInsulinOnBoard(t1, t2, duration, peak, tFromEvent float64) float64 {
	if t2 <= t1 {
		return 0
	}
	h := (t2 - t1) / simpsonIntervals
	iob := func(s float64) float64 {
		return FastActingInsulinOnBoard(tFromEvent-s, duration, peak)
	}

	sum := iob(t1) + iob(t2)
	for i := 1; i < simpsonIntervals; i++ {
		w := 2.0
		if i%2 == 1 {
			w = 4
		}
		sum += w * iob(t1+float64(i)*h)
	}
	return sum * h / 3
}

// DeltaBGC is the glucose rise caused by one meal.
func DeltaBGC(t, sensitivity, carbRatio, carbs, absorptionTime float64) float64 {
	return sensitivity / carbRatio * carbs * CarbsOnBoard(t, absorptionTime)
}

// DeltaBGI is the glucose drop caused by one bolus.
func DeltaBGI(t, units, sensitivity, duration, peak float64) float64 {
	return -units * sensitivity * (1 - FastActingInsulinOnBoard(t, duration, peak))
}

// DeltaTempBGI is the glucose change caused by a basal deviation of
// unitsPerMinute delivered over [t1, t2], t minutes after it started.
func DeltaTempBGI(t, unitsPerMinute, sensitivity, duration, peak, t1, t2 float64) float64 {
	return -unitsPerMinute * sensitivity * ((t2 - t1) - IntegrateInsulinOnBoard(t1, t2, duration, peak, t))
}

// Elapsed returns the minutes from event to at.
func Elapsed(at, event time.Time) float64 {
	return at.Sub(event).Minutes()
}

// Predict sums the glucose effect of every event strictly before at.
func Predict(at time.Time, meals []models.MealEvent, boli []models.BolusEvent, basal []models.BasalDeviation, pc models.PredictionContext) float64 {
	return PredictMeals(at, meals, pc) + PredictInsulin(at, boli, basal, pc)
}

// PredictMeals is the meal part of Predict.
func PredictMeals(at time.Time, meals []models.MealEvent, pc models.PredictionContext) float64 {
	total := 0.0
	for _, m := range meals {
		if !m.Time.Before(at) {
			continue
		}
		total += DeltaBGC(Elapsed(at, m.Time), pc.Sensitivity, pc.CarbRatio, m.Carbs, pc.AbsorptionTime)
	}
	return total
}

// PredictInsulin is the bolus and basal part of Predict.
func PredictInsulin(at time.Time, boli []models.BolusEvent, basal []models.BasalDeviation, pc models.PredictionContext) float64 {
	total := 0.0
	for _, b := range boli {
		if !b.Time.Before(at) {
			continue
		}
		total += DeltaBGI(Elapsed(at, b.Time), b.Units, pc.Sensitivity, pc.InsulinDuration, pc.InsulinPeak)
	}
	for _, d := range basal {
		if !d.Time.Before(at) {
			continue
		}
		total += DeltaTempBGI(Elapsed(at, d.Time), d.UnitsPerMinute, pc.Sensitivity,
			pc.InsulinDuration, pc.InsulinPeak, 0, d.Duration)
	}
	return total
}
