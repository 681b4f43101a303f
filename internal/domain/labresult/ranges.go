package labresult

import (
	"context"
	"fmt"
	"strings"
)

// TieBreak decides which range wins when several match a patient.
type TieBreak string

const (
	// TieBreakFirst keeps the first match in directory order.
	TieBreakFirst TieBreak = "first"
	// TieBreakMostSpecific prefers an exact sex, then bounded ages, then the
	// narrowest age window; remaining ties fall back to directory order.
	TieBreakMostSpecific TieBreak = "most-specific"
)

// ParseTieBreak validates a configured policy name. Empty means TieBreakFirst.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(strings.ToLower(strings.TrimSpace(s))) {
	case "", TieBreakFirst:
		return TieBreakFirst, nil
	case TieBreakMostSpecific:
		return TieBreakMostSpecific, nil
	}
	return "", fmt.Errorf("unknown range tie-break %q (want %q or %q)", s, TieBreakFirst, TieBreakMostSpecific)
}

// RangeCache holds every range fetched per canonical code for one batch.
type RangeCache struct {
	entries map[string][]*ReferenceRange
}

func NewRangeCache() *RangeCache {
	return &RangeCache{entries: make(map[string][]*ReferenceRange)}
}

// Len returns the number of cached codes.
func (c *RangeCache) Len() int { return len(c.entries) }

// RangeSelector picks the applicable reference range for a patient.
type RangeSelector struct {
	dir    ReferenceRangeDirectory
	policy TieBreak
}

// orFirst resolves a policy name, treating empty and unknown names as
// TieBreakFirst.
func (t TieBreak) orFirst() TieBreak {
	if p, err := ParseTieBreak(string(t)); err == nil {
		return p
	}
	return TieBreakFirst
}

func NewRangeSelector(dir ReferenceRangeDirectory, policy TieBreak) *RangeSelector {
	return &RangeSelector{dir: dir, policy: policy.orFirst()}
}

// Policy returns the configured tie-break.
func (s *RangeSelector) Policy() TieBreak { return s.policy }

// Select returns the best matching range, or nil when none applies. An
// error is only returned when the directory lookup itself failed; callers
// treat that as "no range".
func (s *RangeSelector) Select(ctx context.Context, code, sex string, age float64, cache *RangeCache) (*ReferenceRange, error) {
	ranges, hit := cache.entries[code]
	if !hit {
		var err error
		ranges, err = s.dir.FindAllByCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("reference range lookup for %q: %w", code, err)
		}
		cache.entries[code] = ranges
	}

	var best *ReferenceRange
	for _, r := range ranges {
		if r == nil || !r.Matches(sex, age) {
			continue
		}
		if best == nil {
			best = r
			if s.policy != TieBreakMostSpecific {
				break
			}
			continue
		}
		if moreSpecific(r, best) {
			best = r
		}
	}
	return best, nil
}

// moreSpecific reports whether a should be preferred over b.
func moreSpecific(a, b *ReferenceRange) bool {
	aSex, bSex := !strings.EqualFold(a.Sex, SexUnisex), !strings.EqualFold(b.Sex, SexUnisex)
	if aSex != bSex {
		return aSex
	}
	aBounds, bBounds := ageBounds(a), ageBounds(b)
	if aBounds != bBounds {
		return aBounds > bBounds
	}
	return a.ageSpan() < b.ageSpan()
}

func ageBounds(r *ReferenceRange) int {
	n := 0
	if r.AgeLow != nil {
		n++
	}
	if r.AgeHigh != nil {
		n++
	}
	return n
}
