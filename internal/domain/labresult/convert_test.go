package labresult

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestConvert_Identity(t *testing.T) {
	got, err := Convert(5.5, UnitMmolPerL, UnitMmolPerL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Value != 5.5 {
		t.Errorf("expected 5.5, got %v", got.Value)
	}
	if got.Note != nil {
		t.Errorf("identity conversion should carry no note, got %q", *got.Note)
	}
}

func TestConvert_DefaultPairs(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		from, to Unit
		want     float64
	}{
		{"mmol to mg/dL", 7, UnitMmolPerL, UnitMgPerDL, 7 * GlucoseMgPerMmol},
		{"mg/dL to mmol", 126, UnitMgPerDL, UnitMmolPerL, 126 / GlucoseMgPerMmol},
		{"g/dL to g/L", 13.5, UnitGPerDL, UnitGPerL, 135},
		{"g/L to g/dL", 135, UnitGPerL, UnitGPerDL, 13.5},
		{"mg/dL to g/L", 250, UnitMgPerDL, UnitGPerL, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(tt.value, tt.from, tt.to)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !approx(got.Value, tt.want) {
				t.Errorf("got %v, want %v", got.Value, tt.want)
			}
			if got.Note == nil || !strings.Contains(*got.Note, string(tt.from)) {
				t.Errorf("expected note naming %s, got %v", tt.from, got.Note)
			}
		})
	}
}

func TestConvert_Unsupported(t *testing.T) {
	_, err := Convert(1, UnitFL, UnitPg)
	if !errors.Is(err, ErrUnsupportedConversion) {
		t.Fatalf("expected ErrUnsupportedConversion, got %v", err)
	}
}

func TestConvertFor_AnalyteFactorWins(t *testing.T) {
	c := NewConverter()

	chol, err := c.ConvertFor("2093-3", 5, UnitMmolPerL, UnitMgPerDL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(chol.Value, 193.35) {
		t.Errorf("cholesterol: got %v, want 193.35", chol.Value)
	}

	// Unknown codes fall back to the default pair factor.
	other, err := c.ConvertFor("9999-9", 5, UnitMmolPerL, UnitMgPerDL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(other.Value, 5*GlucoseMgPerMmol) {
		t.Errorf("fallback: got %v", other.Value)
	}
}

func TestConvertFor_AnalyteOnlyPair(t *testing.T) {
	c := NewConverter()

	got, err := c.ConvertFor("2160-0", 1.0, UnitMgPerDL, UnitUmolPerL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(got.Value, 88.42) {
		t.Errorf("creatinine: got %v, want 88.42", got.Value)
	}
	back, err := c.ConvertFor("2160-0", 88.42, UnitUmolPerL, UnitMgPerDL)
	if err != nil || !approx(back.Value, 1.0) {
		t.Errorf("reverse creatinine: got %v, %v", back.Value, err)
	}

	if _, err := c.Convert(1.0, UnitMgPerDL, UnitUmolPerL); !errors.Is(err, ErrUnsupportedConversion) {
		t.Errorf("expected mg/dL -> umol/L to need an analyte, got %v", err)
	}
}

func TestNewConverter_ExtraEntries(t *testing.T) {
	c := NewConverter(FactorEntry{From: UnitMEqPerL, To: UnitMmolPerL, Factor: 1})
	got, err := c.Convert(4.2, UnitMmolPerL, UnitMEqPerL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(got.Value, 4.2) {
		t.Errorf("got %v, want 4.2", got.Value)
	}
	if _, err := Convert(4.2, UnitMmolPerL, UnitMEqPerL); err == nil {
		t.Error("extra entries must not leak into the default converter")
	}
}

func TestConvertFor_AnalyteNeverBorrowsGlucoseFactor(t *testing.T) {
	c := NewConverter()

	crea, err := c.ConvertFor("2160-0", 0.1, UnitMmolPerL, UnitMgPerDL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(crea.Value, 0.1*1000/CreatinineUmolPerMg) {
		t.Errorf("creatinine 0.1 mmol/L: got %v mg/dL, want about 1.131", crea.Value)
	}

	// Cholesterol has no umol/L entry: the glucose factor must not be used.
	if _, err := c.ConvertFor("2093-3", 5000, UnitUmolPerL, UnitMgPerDL); !errors.Is(err, ErrUnsupportedConversion) {
		t.Errorf("expected ErrUnsupportedConversion, got %v", err)
	}

	// Scalings that do not depend on molar mass still apply.
	scaled, err := c.ConvertFor("2160-0", 1.2, UnitMmolPerL, UnitUmolPerL)
	if err != nil || !approx(scaled.Value, 1200) {
		t.Errorf("mmol/L -> umol/L: got %v, %v", scaled.Value, err)
	}
}

func TestConvert_RoundTrip(t *testing.T) {
	type pair struct {
		code     string
		from, to Unit
	}
	var pairs []pair
	for _, e := range defaultFactors {
		pairs = append(pairs, pair{"", e.From, e.To})
	}
	for code, entries := range analyteFactors {
		for _, e := range entries {
			pairs = append(pairs, pair{code, e.From, e.To})
		}
	}

	c := NewConverter()
	for _, p := range pairs {
		for _, x := range []float64{0, 0.37, 7, 126, 1e4} {
			there, err := c.ConvertFor(p.code, x, p.from, p.to)
			if err != nil {
				t.Fatalf("%s %s -> %s: %v", p.code, p.from, p.to, err)
			}
			back, err := c.ConvertFor(p.code, there.Value, p.to, p.from)
			if err != nil {
				t.Fatalf("%s %s -> %s: %v", p.code, p.to, p.from, err)
			}
			if math.Abs(back.Value-x) > 1e-9*math.Max(1, math.Abs(x)) {
				t.Errorf("%s %s <-> %s: %v came back as %v", p.code, p.from, p.to, x, back.Value)
			}
		}
	}
}
