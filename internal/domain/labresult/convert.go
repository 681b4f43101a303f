package labresult

import (
	"fmt"
	"strconv"
)

type unitPair struct {
	from Unit
	to   Unit
}

// factorRule converts from -> to by multiplying with factor, or by dividing
// when the rule was derived from the reverse entry.
type factorRule struct {
	factor float64
	divide bool
}

func (r factorRule) apply(v float64) float64 {
	if r.divide {
		return v / r.factor
	}
	return v * r.factor
}

// FactorEntry is one tabulated conversion: 1 From == Factor To.
type FactorEntry struct {
	From   Unit
	To     Unit
	Factor float64
}

// GlucoseMgPerMmol is the default mmol/L -> mg/dL factor. It is only
// correct for glucose-like analytes; other analytes need an analyte entry.
const GlucoseMgPerMmol = 18.0182

// CreatinineUmolPerMg is the mg/dL -> umol/L factor for creatinine.
const CreatinineUmolPerMg = 88.42

var defaultFactors = []FactorEntry{
	{From: UnitGPerDL, To: UnitGPerL, Factor: 10},
	{From: UnitMgPerDL, To: UnitGPerL, Factor: 0.01},
	{From: UnitMmolPerL, To: UnitUmolPerL, Factor: 1000},
	{From: UnitMmolPerL, To: UnitMgPerDL, Factor: GlucoseMgPerMmol},
}

// molarUnits measure amount of substance; converting them to or from a
// mass concentration depends on the analyte's molar mass.
var molarUnits = map[Unit]bool{UnitMmolPerL: true, UnitUmolPerL: true}

func crossesMolarMass(from, to Unit) bool {
	return molarUnits[from] != molarUnits[to]
}

// analyteFactors override the defaults for one canonical code.
var analyteFactors = map[string][]FactorEntry{
	// glucose
	"2345-7": {{From: UnitMmolPerL, To: UnitMgPerDL, Factor: GlucoseMgPerMmol}},
	// cholesterol: total, HDL, LDL
	"2093-3":  {{From: UnitMmolPerL, To: UnitMgPerDL, Factor: 38.67}},
	"2085-9":  {{From: UnitMmolPerL, To: UnitMgPerDL, Factor: 38.67}},
	"13457-7": {{From: UnitMmolPerL, To: UnitMgPerDL, Factor: 38.67}},
	// triglycerides
	"2571-8": {{From: UnitMmolPerL, To: UnitMgPerDL, Factor: 88.57}},
	// creatinine
	"2160-0": {
		{From: UnitMgPerDL, To: UnitUmolPerL, Factor: CreatinineUmolPerMg},
		{From: UnitMmolPerL, To: UnitMgPerDL, Factor: 1000 / CreatinineUmolPerMg},
	},
	// urea nitrogen
	"3094-0": {{From: UnitMmolPerL, To: UnitMgPerDL, Factor: 2.801}},
}

// Conversion is the result of a successful unit conversion. Note is nil
// for identity conversions.
type Conversion struct {
	Value float64
	Note  *string
}

// Converter holds an immutable bidirectional factor table.
type Converter struct {
	pairs   map[unitPair]factorRule
	analyte map[string]map[unitPair]factorRule
}

// NewConverter builds a converter from the built-in tables plus any extra
// default entries.
func NewConverter(extra ...FactorEntry) *Converter {
	c := &Converter{
		pairs:   make(map[unitPair]factorRule),
		analyte: make(map[string]map[unitPair]factorRule),
	}
	for _, e := range append(append([]FactorEntry{}, defaultFactors...), extra...) {
		addRule(c.pairs, e)
	}
	for code, entries := range analyteFactors {
		m := make(map[unitPair]factorRule)
		for _, e := range entries {
			addRule(m, e)
		}
		c.analyte[code] = m
	}
	return c
}

func addRule(m map[unitPair]factorRule, e FactorEntry) {
	m[unitPair{e.From, e.To}] = factorRule{factor: e.Factor}
	m[unitPair{e.To, e.From}] = factorRule{factor: e.Factor, divide: true}
}

var defaultConverter = NewConverter()

// Convert converts value between canonical units using the default table.
func Convert(value float64, from, to Unit) (Conversion, error) {
	return defaultConverter.Convert(value, from, to)
}

// Convert converts value using the default pair factors only.
func (c *Converter) Convert(value float64, from, to Unit) (Conversion, error) {
	return c.ConvertFor("", value, from, to)
}

// ConvertFor converts value for the given canonical code. An analyte entry
// for the code wins over the default pair factor. A code with analyte
// entries never borrows the default molar/mass factor, which is only valid
// for glucose. Untabulated pairs return ErrUnsupportedConversion.
func (c *Converter) ConvertFor(code string, value float64, from, to Unit) (Conversion, error) {
	if from == to {
		return Conversion{Value: value}, nil
	}
	p := unitPair{from, to}
	table, hasAnalyte := c.analyte[code]
	rule, ok := table[p]
	if !ok && !(hasAnalyte && crossesMolarMass(from, to)) {
		rule, ok = c.pairs[p]
	}
	if !ok {
		return Conversion{}, fmt.Errorf("%w: %s -> %s", ErrUnsupportedConversion, from, to)
	}
	op := "x"
	if rule.divide {
		op = "/"
	}
	note := fmt.Sprintf("converted from %s to %s (%s%s)", from, to, op, strconv.FormatFloat(rule.factor, 'f', -1, 64))
	return Conversion{Value: rule.apply(value), Note: &note}, nil
}
