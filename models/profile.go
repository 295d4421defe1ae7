package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const MinutesPerDay = 24 * 60

// BasalRate is a profile breakpoint: from Start (minutes after midnight)
// until the next breakpoint the pump delivers UnitsPerHour.
type BasalRate struct {
	Start        int     `json:"start"`
	UnitsPerHour float64 `json:"unitsPerHour"`
}

// BasalProfile covers a full day; the last rate extends to 24:00.
type BasalProfile struct {
	Timezone string      `json:"timezone"`
	Rates    []BasalRate `json:"rates"`
}

// Profile holds the per-person therapy settings that nightscout stores.
type Profile struct {
	Sensitivity float64      `json:"sensitivity"` // mg/dL per unit
	CarbRatio   float64      `json:"carbRatio"`   // grams per unit
	Basal       BasalProfile `json:"basal"`
}

var utcNames = []string{"", "utc", "z", "zulu", "etc/utc", "etc/zulu", "gmt", "etc/gmt"}

func (p BasalProfile) IsUTC() bool {
	return slices.Contains(utcNames, strings.ToLower(p.Timezone))
}

// Validate checks the profile can be used for normalization.
func (p BasalProfile) Validate() error {
	if len(p.Rates) == 0 {
		return ErrEmptyProfile
	}
	if !p.IsUTC() {
		return fmt.Errorf("timezone %q: %w", p.Timezone, ErrProfileTimezone)
	}
	for i, r := range p.Rates {
		if r.Start < 0 || r.Start >= MinutesPerDay {
			return fmt.Errorf("%w: basal rate %d starts at minute %d", ErrValidation, i, r.Start)
		}
		if i > 0 && r.Start <= p.Rates[i-1].Start {
			return fmt.Errorf("basal rate %d starts at minute %d: %w", i, r.Start, ErrUnsorted)
		}
	}
	return nil
}

// ToUTC rotates a profile declared in a local timezone so its breakpoints
// are expressed in UTC. The zone offset in force at ref is used. Adjacent
// breakpoints with the same rate are merged and a midnight breakpoint is
// added when the rotation leaves none.
func (p BasalProfile) ToUTC(ref time.Time) (BasalProfile, error) {
	if len(p.Rates) == 0 {
		return BasalProfile{}, ErrEmptyProfile
	}
	if p.IsUTC() {
		return p, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return BasalProfile{}, fmt.Errorf("cannot load timezone %q: %w", p.Timezone, err)
	}
	_, offsetSeconds := ref.In(loc).Zone()
	shift := -offsetSeconds / 60

	rates := make([]BasalRate, 0, len(p.Rates)+1)
	for _, r := range p.Rates {
		start := ((r.Start+shift)%MinutesPerDay + MinutesPerDay) % MinutesPerDay
		rates = append(rates, BasalRate{Start: start, UnitsPerHour: r.UnitsPerHour})
	}
	slices.SortFunc(rates, func(a, b BasalRate) int { return a.Start - b.Start })

	if rates[0].Start > 0 {
		rates = slices.Insert(rates, 0, BasalRate{Start: 0, UnitsPerHour: rates[len(rates)-1].UnitsPerHour})
	}

	merged := rates[:1]
	for _, r := range rates[1:] {
		if r.UnitsPerHour == merged[len(merged)-1].UnitsPerHour {
			continue
		}
		merged = append(merged, r)
	}

	return BasalProfile{Timezone: "UTC", Rates: merged}, nil
}

// ParseClock converts "HH:MM" into minutes after midnight.
func ParseClock(clock string) (int, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, fmt.Errorf("%w: cannot parse time of day %q", ErrValidation, clock)
	}
	return t.Hour()*60 + t.Minute(), nil
}
