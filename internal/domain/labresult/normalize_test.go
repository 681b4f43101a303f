package labresult

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNormalizeMapping_Aliases(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"canonical names", Record{"local_test_id": "GLU", "canonical_code": "2345-7", "canonical_unit": "mg/dl", "display_name": "Glucose"}},
		{"loinc alias", Record{"local_code": "GLU", "loinc": "2345-7", "unit": "MG/DL", "name": "Glucose"}},
		{"matching duplicates", Record{"local_id": "GLU", "test_id": "GLU", "code": "2345-7", "unit": "mg/dL", "display": "Glucose"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NormalizeMapping(tt.rec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.LocalTestID != "GLU" || m.CanonicalCode != "2345-7" {
				t.Errorf("unexpected mapping %+v", m)
			}
			if m.CanonicalUnit == nil || *m.CanonicalUnit != "mg/dL" {
				t.Errorf("expected canonical unit mg/dL, got %v", m.CanonicalUnit)
			}
			if strVal(m.DisplayName) != "Glucose" {
				t.Errorf("expected display Glucose, got %q", strVal(m.DisplayName))
			}
		})
	}
}

func TestNormalizeMapping_NumericLocalID(t *testing.T) {
	m, err := NormalizeMapping(Record{"local_test_id": 1042, "code": "718-7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.LocalTestID != "1042" {
		t.Errorf("expected 1042, got %q", m.LocalTestID)
	}
	if m.CanonicalUnit != nil || m.DisplayName != nil {
		t.Errorf("optional fields should stay nil, got %+v", m)
	}
}

func TestNormalizeMapping_Errors(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr string
	}{
		{"missing local id", Record{"code": "2345-7"}, "local_test_id is required"},
		{"missing code", Record{"local_test_id": "GLU"}, "canonical_code is required"},
		{"conflicting aliases", Record{"local_test_id": "GLU", "loinc": "2345-7", "code": "2339-0"}, "conflicting values"},
		{"unknown unit", Record{"local_test_id": "GLU", "code": "2345-7", "unit": "grains"}, "unrecognized unit"},
		{"wrong type", Record{"local_test_id": []interface{}{"a"}, "code": "2345-7"}, "expected a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeMapping(tt.rec)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNormalizeRange_Aliases(t *testing.T) {
	rec := Record{
		"loinc":      "2823-3",
		"gender":     "female",
		"age_min":    18,
		"max_age":    "65",
		"normal_low": 3.5,
		"ref_high":   json.Number("5.1"),
		"panic_low":  2.5,
		"crit_high":  6.5,
		"unit":       "mmol/l",
	}
	r, err := NormalizeRange(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.CanonicalCode != "2823-3" || r.Sex != SexFemale {
		t.Errorf("unexpected range %+v", r)
	}
	if *r.AgeLow != 18 || *r.AgeHigh != 65 || *r.Low != 3.5 || *r.High != 5.1 {
		t.Errorf("unexpected bounds %+v", r)
	}
	if *r.CriticalLow != 2.5 || *r.CriticalHigh != 6.5 {
		t.Errorf("unexpected critical bounds %+v", r)
	}
	if strVal(r.Unit) != "mmol/L" {
		t.Errorf("expected canonical unit, got %q", strVal(r.Unit))
	}
}

func TestNormalizeRange_OpenBounds(t *testing.T) {
	r, err := NormalizeRange(Record{"code": "2345-7", "low": 70, "high": "", "sex": nil})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Sex != SexUnisex {
		t.Errorf("missing sex should default to U, got %s", r.Sex)
	}
	if r.High != nil || r.AgeLow != nil || r.AgeHigh != nil {
		t.Errorf("blank and absent bounds should be open, got %+v", r)
	}
}

func TestNormalizeRange_Errors(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr string
	}{
		{"missing code", Record{"low": 1}, "canonical_code is required"},
		{"age order", Record{"code": "x", "age_low": 65, "age_high": 18}, "age bounds out of order"},
		{"normal order", Record{"code": "x", "low": 10, "high": 5}, "normal bounds out of order"},
		{"critical above low", Record{"code": "x", "low": 3.5, "critical_low": 4}, "critical low"},
		{"critical below high", Record{"code": "x", "high": 5, "critical_high": 4}, "critical high"},
		{"non numeric", Record{"code": "x", "low": "abc"}, "not numeric"},
		{"bad type", Record{"code": "x", "low": true}, "expected a number"},
		{"bad unit", Record{"code": "x", "unit": "parsecs"}, "unrecognized unit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeRange(tt.rec)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
