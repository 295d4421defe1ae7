package models

import (
	"fmt"
	"time"
)

// PredictionContext holds the parameters shared by every model evaluation of
// one estimation run. Durations are in minutes.
type PredictionContext struct {
	Sensitivity     float64 `json:"sensitivity" yaml:"sensitivity"`
	CarbRatio       float64 `json:"carbRatio" yaml:"carbRatio"`
	InsulinDuration float64 `json:"insulinDuration" yaml:"insulinDuration"`
	InsulinPeak     float64 `json:"insulinPeak" yaml:"insulinPeak"`
	AbsorptionTime  float64 `json:"absorptionTime" yaml:"absorptionTime"`
}

const (
	DefaultAbsorptionTime  = 120
	DefaultInsulinDuration = 180
	DefaultInsulinPeak     = 55
)

// NewPredictionContext combines a profile with kinetic parameters, filling
// unset durations with the defaults.
func NewPredictionContext(p Profile, absorptionTime, insulinDuration, insulinPeak float64) PredictionContext {
	if absorptionTime <= 0 {
		absorptionTime = DefaultAbsorptionTime
	}
	if insulinDuration <= 0 {
		insulinDuration = DefaultInsulinDuration
	}
	if insulinPeak <= 0 {
		insulinPeak = DefaultInsulinPeak
	}
	return PredictionContext{
		Sensitivity:     p.Sensitivity,
		CarbRatio:       p.CarbRatio,
		InsulinDuration: insulinDuration,
		InsulinPeak:     insulinPeak,
		AbsorptionTime:  absorptionTime,
	}
}

// Validate reports parameter combinations the model cannot evaluate. The
// model functions themselves do not check.
func (c PredictionContext) Validate() error {
	switch {
	case c.Sensitivity <= 0:
		return fmt.Errorf("%w: sensitivity must be positive, got %v", ErrInvalidContext, c.Sensitivity)
	case c.CarbRatio <= 0:
		return fmt.Errorf("%w: carb ratio must be positive, got %v", ErrInvalidContext, c.CarbRatio)
	case c.AbsorptionTime <= 0:
		return fmt.Errorf("%w: absorption time must be positive, got %v", ErrInvalidContext, c.AbsorptionTime)
	case c.InsulinDuration <= 0:
		return fmt.Errorf("%w: insulin duration must be positive, got %v", ErrInvalidContext, c.InsulinDuration)
	case c.InsulinPeak <= 0:
		return fmt.Errorf("%w: insulin peak must be positive, got %v", ErrInvalidContext, c.InsulinPeak)
	case c.InsulinPeak >= c.InsulinDuration/2:
		return fmt.Errorf("%w: insulin peak %v must be less than half the duration %v",
			ErrInvalidContext, c.InsulinPeak, c.InsulinDuration)
	}
	return nil
}

// WarmUp is how long after the first sample the model needs before events
// preceding the window have fully played out.
func (c PredictionContext) WarmUp() time.Duration {
	return minutes(max(c.InsulinDuration, c.AbsorptionTime))
}
