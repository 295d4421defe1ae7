package models

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("models: no resource could be found")

// ErrValidation is wrapped by every input validation failure, so callers can
// map them with a single errors.Is check.
var ErrValidation = errors.New("models: invalid input")

var (
	ErrUnsorted        = fmt.Errorf("%w: records must be sorted by time", ErrValidation)
	ErrWrongRecordType = fmt.Errorf("%w: wrong record type", ErrValidation)
	ErrEmptyProfile    = fmt.Errorf("%w: basal profile has no entries", ErrValidation)
	ErrProfileTimezone = fmt.Errorf("%w: basal profile must be normalized to UTC", ErrValidation)
	ErrInvalidContext  = fmt.Errorf("%w: prediction context", ErrValidation)
	ErrGlucoseValue    = fmt.Errorf("%w: glucose must be positive", ErrValidation)
)
