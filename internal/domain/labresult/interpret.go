package labresult

import "math"

// Classify flags value against rng. Critical bounds are checked before the
// normal bounds, so a value past both reports the critical flag.
func Classify(value float64, rng *ReferenceRange) Flag {
	if rng == nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return FlagNoReference
	}
	switch {
	case rng.CriticalLow != nil && value < *rng.CriticalLow:
		return FlagCriticalLow
	case rng.CriticalHigh != nil && value > *rng.CriticalHigh:
		return FlagCriticalHigh
	case rng.Low != nil && value < *rng.Low:
		return FlagLow
	case rng.High != nil && value > *rng.High:
		return FlagHigh
	}
	return FlagNormal
}
