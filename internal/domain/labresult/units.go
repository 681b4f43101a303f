package labresult

import (
	"fmt"
	"strings"
)

// Unit is a canonical unit token.
type Unit string

const (
	UnitMgPerDL     Unit = "mg/dL"
	UnitGPerDL      Unit = "g/dL"
	UnitGPerL       Unit = "g/L"
	UnitMmolPerL    Unit = "mmol/L"
	UnitUmolPerL    Unit = "umol/L"
	UnitPercent     Unit = "%"
	UnitMEqPerL     Unit = "mEq/L"
	UnitUPerL       Unit = "U/L"
	UnitThousandPUL Unit = "10*3/uL"
	UnitMillionPUL  Unit = "10*6/uL"
	UnitFL          Unit = "fL"
	UnitPg          Unit = "pg"
	UnitMlPerMin    Unit = "mL/min/1.73m2"
)

// unitAliases is keyed by the trimmed, lower-cased spelling.
var unitAliases = map[string]Unit{
	"mg/dl": UnitMgPerDL, "mg%": UnitMgPerDL, "mg/100ml": UnitMgPerDL,
	"g/dl": UnitGPerDL, "gm/dl": UnitGPerDL,
	"g/l": UnitGPerL, "gm/l": UnitGPerL,
	"mmol/l": UnitMmolPerL,
	"umol/l": UnitUmolPerL, "µmol/l": UnitUmolPerL, "μmol/l": UnitUmolPerL, "micromol/l": UnitUmolPerL,
	"%": UnitPercent, "percent": UnitPercent, "pct": UnitPercent,
	"meq/l": UnitMEqPerL,
	"u/l": UnitUPerL, "iu/l": UnitUPerL,
	"10*3/ul": UnitThousandPUL, "10^3/ul": UnitThousandPUL, "x10^3/ul": UnitThousandPUL, "k/ul": UnitThousandPUL, "10^9/l": UnitThousandPUL,
	"10*6/ul": UnitMillionPUL, "10^6/ul": UnitMillionPUL, "x10^6/ul": UnitMillionPUL, "m/ul": UnitMillionPUL, "10^12/l": UnitMillionPUL,
	"fl": UnitFL,
	"pg": UnitPg,
	"ml/min/1.73m2": UnitMlPerMin, "ml/min/1.73m^2": UnitMlPerMin,
}

// Canonicalize maps free-text unit spelling to its canonical token.
// Blank or unknown input returns ErrUnrecognizedUnit.
func Canonicalize(raw string) (Unit, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", fmt.Errorf("%w: empty unit", ErrUnrecognizedUnit)
	}
	if u, ok := unitAliases[key]; ok {
		return u, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnrecognizedUnit, raw)
}
