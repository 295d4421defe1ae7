// Package basal turns temporary basal deliveries into deviations from the
// basal profile, the form the glucose model consumes.
package basal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/adamlounds/nightscout-uam/models"
	slogctx "github.com/veqryn/slog-context"
)

const day = 24 * time.Hour

// Normalize clamps each segment to the start of the next one and splits it
// at profile breakpoints and midnight, emitting delivered-minus-profile
// rates. Segments with no duration are dropped.
func Normalize(ctx context.Context, raw []models.BasalSegment, profile models.BasalProfile) ([]models.BasalDeviation, error) {
	log := slogctx.FromCtx(ctx)
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("cannot normalize basal: %w", err)
	}
	if err := models.ValidateBasalSegments(raw); err != nil {
		return nil, fmt.Errorf("cannot normalize basal: %w", err)
	}
	clamped, err := Clamp(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot normalize basal: %w", err)
	}

	deviations := make([]models.BasalDeviation, 0, len(clamped))
	dropped := 0
	for _, seg := range clamped {
		if seg.Duration <= 0 {
			dropped++
			continue
		}
		deviations = split(deviations, seg, profile.Rates)
	}

	log.Debug("basal normalized",
		slog.Int("numSegments", len(raw)),
		slog.Int("numDeviations", len(deviations)),
		slog.Int("numDropped", dropped),
		slog.Int("numBreakpoints", len(profile.Rates)),
	)
	return deviations, nil
}

// Clamp shortens every segment so it ends no later than the next one starts,
// scaling its amount by the same factor. The last segment keeps its declared
// duration.
func Clamp(raw []models.BasalSegment) ([]models.BasalSegment, error) {
	out := make([]models.BasalSegment, len(raw))
	copy(out, raw)
	for i := 0; i < len(out)-1; i++ {
		gap := math.Round(out[i+1].Time.Sub(out[i].Time).Minutes())
		if gap < 0 {
			return nil, fmt.Errorf("basal segment %d starts %v minutes before its predecessor: %w", i+1, -gap, models.ErrUnsorted)
		}
		if out[i].Duration > 0 && gap < out[i].Duration {
			out[i].Amount = out[i].Amount * gap / out[i].Duration
			out[i].Duration = gap
		}
	}
	return out, nil
}

// split appends the deviations of one segment, walking breakpoints forward
// until the segment is used up.
func split(dst []models.BasalDeviation, seg models.BasalSegment, rates []models.BasalRate) []models.BasalDeviation {
	delivered := seg.Amount / seg.Duration

	if len(rates) == 1 {
		return append(dst, models.BasalDeviation{
			Time:           seg.Time,
			UnitsPerMinute: delivered - rates[0].UnitsPerHour/60,
			Duration:       seg.Duration,
		})
	}

	start := seg.Time
	remaining := time.Duration(seg.Duration * float64(time.Minute))
	for remaining > 0 {
		tod := timeOfDay(start)
		rate, end := rateAt(rates, tod)
		span := min(end-tod, remaining)

		dst = append(dst, models.BasalDeviation{
			Time:           start,
			UnitsPerMinute: delivered - rate/60,
			Duration:       span.Minutes(),
		})
		start = start.Add(span)
		remaining -= span
	}
	return dst
}

func timeOfDay(t time.Time) time.Duration {
	t = t.UTC()
	y, m, d := t.Date()
	return t.Sub(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// rateAt returns the profile rate in force at tod and when that rate ends.
// Before the first breakpoint the previous day's last rate applies.
func rateAt(rates []models.BasalRate, tod time.Duration) (float64, time.Duration) {
	first := time.Duration(rates[0].Start) * time.Minute
	if tod < first {
		return rates[len(rates)-1].UnitsPerHour, first
	}
	i := len(rates) - 1
	for ; i > 0; i-- {
		if time.Duration(rates[i].Start)*time.Minute <= tod {
			break
		}
	}
	end := day
	if i+1 < len(rates) {
		end = time.Duration(rates[i+1].Start) * time.Minute
	}
	return rates[i].UnitsPerHour, end
}
