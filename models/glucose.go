package models

import (
	"fmt"
	"time"
)

// GlucoseSample is a single sensor glucose value (sgv).
type GlucoseSample struct {
	Time time.Time `json:"time"`
	Mgdl float64   `json:"mgdl"`
}

// ValidateGlucose checks that samples are in non-decreasing time order.
func ValidateGlucose(samples []GlucoseSample) error {
	for i := 1; i < len(samples); i++ {
		if samples[i].Time.Before(samples[i-1].Time) {
			return fmt.Errorf("glucose sample %d at %s precedes %s: %w",
				i, samples[i].Time.Format(time.RFC3339), samples[i-1].Time.Format(time.RFC3339), ErrUnsorted)
		}
	}
	return nil
}

// MaxGap returns the largest interval between consecutive samples.
func MaxGap(samples []GlucoseSample) time.Duration {
	var maxGap time.Duration
	for i := 1; i < len(samples); i++ {
		if gap := samples[i].Time.Sub(samples[i-1].Time); gap > maxGap {
			maxGap = gap
		}
	}
	return maxGap
}

// Snippets splits samples into runs whose consecutive gaps never exceed
// maxGap. Each snippet shares the backing array of samples.
func Snippets(samples []GlucoseSample, maxGap time.Duration) [][]GlucoseSample {
	if len(samples) == 0 {
		return nil
	}
	var snippets [][]GlucoseSample
	start := 0
	for i := 1; i < len(samples); i++ {
		if samples[i].Time.Sub(samples[i-1].Time) > maxGap {
			snippets = append(snippets, samples[start:i])
			start = i
		}
	}
	return append(snippets, samples[start:])
}

// SplitSnippets splits samples at gaps wider than maxGap and cuts every run
// into pieces spanning at most maxLength from their first sample. Pieces
// spanning less than minLength are dropped. A maxLength of zero does not cut.
func SplitSnippets(samples []GlucoseSample, maxGap, maxLength, minLength time.Duration) [][]GlucoseSample {
	var out [][]GlucoseSample
	for _, run := range Snippets(samples, maxGap) {
		for len(run) > 0 {
			n := len(run)
			if maxLength > 0 {
				n = 1
				for n < len(run) && run[n].Time.Sub(run[0].Time) <= maxLength {
					n++
				}
			}
			piece := run[:n]
			run = run[n:]
			if piece[len(piece)-1].Time.Sub(piece[0].Time) >= minLength {
				out = append(out, piece)
			}
		}
	}
	return out
}
