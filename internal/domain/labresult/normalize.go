package labresult

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is a loosely shaped directory record as decoded from JSON or YAML.
type Record map[string]interface{}

var (
	localIDKeys      = []string{"local_test_id", "local_id", "local_code", "test_id"}
	codeKeys         = []string{"canonical_code", "loinc", "code"}
	canonicalUnitKey = []string{"canonical_unit", "unit"}
	displayKeys      = []string{"display_name", "display", "name"}
	sexKeys          = []string{"sex", "gender"}
	ageLowKeys       = []string{"age_low", "age_min", "min_age"}
	ageHighKeys      = []string{"age_high", "age_max", "max_age"}
	lowKeys          = []string{"low", "normal_low", "ref_low"}
	highKeys         = []string{"high", "normal_high", "ref_high"}
	critLowKeys      = []string{"critical_low", "panic_low", "crit_low"}
	critHighKeys     = []string{"critical_high", "panic_high", "crit_high"}
)

// NormalizeMapping converts a directory record into a TestMapping. The
// local id and canonical code are required; a canonical unit, when given,
// must be recognised and is stored in canonical form.
func NormalizeMapping(rec Record) (*TestMapping, error) {
	localID, err := rec.str(localIDKeys)
	if err != nil {
		return nil, err
	}
	code, err := rec.str(codeKeys)
	if err != nil {
		return nil, err
	}
	if localID == "" {
		return nil, fmt.Errorf("mapping record: local_test_id is required")
	}
	if code == "" {
		return nil, fmt.Errorf("mapping record %q: canonical_code is required", localID)
	}

	m := &TestMapping{LocalTestID: localID, CanonicalCode: code}
	unit, err := rec.str(canonicalUnitKey)
	if err != nil {
		return nil, err
	}
	if unit != "" {
		u, err := Canonicalize(unit)
		if err != nil {
			return nil, fmt.Errorf("mapping record %q: %w", localID, err)
		}
		s := string(u)
		m.CanonicalUnit = &s
	}
	display, err := rec.str(displayKeys)
	if err != nil {
		return nil, err
	}
	if display != "" {
		m.DisplayName = &display
	}
	return m, nil
}

// NormalizeRange converts a directory record into a ReferenceRange and
// checks that its bounds are ordered.
func NormalizeRange(rec Record) (*ReferenceRange, error) {
	code, err := rec.str(codeKeys)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("range record: canonical_code is required")
	}
	sex, err := rec.str(sexKeys)
	if err != nil {
		return nil, err
	}

	r := &ReferenceRange{CanonicalCode: code, Sex: NormalizeSex(sex)}
	fields := []struct {
		keys []string
		dst  **float64
	}{
		{ageLowKeys, &r.AgeLow},
		{ageHighKeys, &r.AgeHigh},
		{lowKeys, &r.Low},
		{highKeys, &r.High},
		{critLowKeys, &r.CriticalLow},
		{critHighKeys, &r.CriticalHigh},
	}
	for _, f := range fields {
		v, err := rec.num(f.keys)
		if err != nil {
			return nil, fmt.Errorf("range record %q: %w", code, err)
		}
		*f.dst = v
	}

	unit, err := rec.str([]string{"unit"})
	if err != nil {
		return nil, err
	}
	if unit != "" {
		u, err := Canonicalize(unit)
		if err != nil {
			return nil, fmt.Errorf("range record %q: %w", code, err)
		}
		s := string(u)
		r.Unit = &s
	}

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("range record %q: %w", code, err)
	}
	return r, nil
}

// Validate checks that every pair of bounds present is ordered.
func (r *ReferenceRange) Validate() error {
	ordered := func(lo, hi *float64, what string) error {
		if lo != nil && hi != nil && *lo > *hi {
			return fmt.Errorf("%s bounds out of order (%g > %g)", what, *lo, *hi)
		}
		return nil
	}
	if err := ordered(r.AgeLow, r.AgeHigh, "age"); err != nil {
		return err
	}
	if err := ordered(r.Low, r.High, "normal"); err != nil {
		return err
	}
	if err := ordered(r.CriticalLow, r.Low, "critical low"); err != nil {
		return err
	}
	if err := ordered(r.High, r.CriticalHigh, "critical high"); err != nil {
		return err
	}
	return ordered(r.CriticalLow, r.CriticalHigh, "critical")
}

// lookup returns the first present alias. Two aliases with different
// values are ambiguous.
func (rec Record) lookup(keys []string) (interface{}, string, error) {
	var found interface{}
	var foundKey string
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		if foundKey != "" && fmt.Sprint(v) != fmt.Sprint(found) {
			return nil, "", fmt.Errorf("conflicting values for %s and %s", foundKey, k)
		}
		if foundKey == "" {
			found, foundKey = v, k
		}
	}
	return found, foundKey, nil
}

func (rec Record) str(keys []string) (string, error) {
	v, key, err := rec.lookup(keys)
	if err != nil || v == nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case json.Number:
		return t.String(), nil
	case int, int64, float64:
		// numeric local ids from YAML
		return fmt.Sprint(t), nil
	}
	return "", fmt.Errorf("field %s: expected a string, got %T", key, v)
}

func (rec Record) num(keys []string) (*float64, error) {
	v, key, err := rec.lookup(keys)
	if err != nil || v == nil {
		return nil, err
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		f, err = t.Float64()
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return nil, fmt.Errorf("field %s: expected a number, got %T", key, v)
	}
	if err != nil {
		return nil, fmt.Errorf("field %s: %q is not numeric", key, fmt.Sprint(v))
	}
	return &f, nil
}
