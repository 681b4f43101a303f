package labresult

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flag is the interpretation assigned to a processed value.
type Flag string

const (
	FlagNormal       Flag = "N"
	FlagLow          Flag = "L"
	FlagHigh         Flag = "H"
	FlagCriticalLow  Flag = "CRIT_LOW"
	FlagCriticalHigh Flag = "CRIT_HIGH"
	FlagNoReference  Flag = "NO_REF"
)

// Display returns a human readable label for the flag.
func (f Flag) Display() string {
	switch f {
	case FlagNormal:
		return "Normal"
	case FlagLow:
		return "Low"
	case FlagHigh:
		return "High"
	case FlagCriticalLow:
		return "Critical low"
	case FlagCriticalHigh:
		return "Critical high"
	case FlagNoReference:
		return "No reference range"
	}
	return string(f)
}

// Sex values used by reference ranges. SexUnisex on a range matches any patient.
const (
	SexMale   = "M"
	SexFemale = "F"
	SexUnisex = "U"
)

// NormalizeSex folds free-text patient sex into M, F or U.
func NormalizeSex(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male":
		return SexMale
	case "f", "female":
		return SexFemale
	}
	return SexUnisex
}

// RawValue holds a submitted reading exactly as it arrived: either a JSON
// number or a numeric-looking string. It is never coerced from other types.
type RawValue struct {
	text string
	set  bool
}

// NumberValue builds a RawValue from a float.
func NumberValue(f float64) RawValue {
	return RawValue{text: strconv.FormatFloat(f, 'f', -1, 64), set: true}
}

// StringValue builds a RawValue from submitted text.
func StringValue(s string) RawValue {
	return RawValue{text: s, set: true}
}

func (v *RawValue) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*v = RawValue{}
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = RawValue{text: s, set: true}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("value must be a number or numeric string")
	}
	*v = RawValue{text: n.String(), set: true}
	return nil
}

func (v RawValue) MarshalJSON() ([]byte, error) {
	if !v.set {
		return []byte("null"), nil
	}
	return json.Marshal(v.text)
}

// String returns the submitted text.
func (v RawValue) String() string { return v.text }

// Float parses the raw value. Blank, non-numeric and non-finite input is
// an error.
func (v RawValue) Float() (float64, error) {
	s := strings.TrimSpace(v.text)
	if !v.set || s == "" {
		return 0, fmt.Errorf("value is empty")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %q is not numeric", v.text)
	}
	return f, nil
}

// RawTestItem is one reading as submitted by the upstream instrument or LIS.
type RawTestItem struct {
	LocalTestID string   `json:"local_test_id"`
	Value       RawValue `json:"value"`
	Unit        string   `json:"unit"`
	Timestamp   string   `json:"timestamp"`
	Note        *string  `json:"note,omitempty"`
}

// TestMapping maps a site-local test identifier to a canonical code.
type TestMapping struct {
	ID            uuid.UUID `db:"id" json:"id"`
	LocalTestID   string    `db:"local_test_id" json:"local_test_id"`
	CanonicalCode string    `db:"canonical_code" json:"canonical_code"`
	CanonicalUnit *string   `db:"canonical_unit" json:"canonical_unit,omitempty"`
	DisplayName   *string   `db:"display_name" json:"display_name,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// ReferenceRange is one sex/age segment of the normal interval for a code.
// Absent age bounds are open-ended; bounds are inclusive.
type ReferenceRange struct {
	ID            uuid.UUID `db:"id" json:"id"`
	CanonicalCode string    `db:"canonical_code" json:"canonical_code"`
	Sex           string    `db:"sex" json:"sex"`
	AgeLow        *float64  `db:"age_low" json:"age_low,omitempty"`
	AgeHigh       *float64  `db:"age_high" json:"age_high,omitempty"`
	Low           *float64  `db:"low" json:"low,omitempty"`
	High          *float64  `db:"high" json:"high,omitempty"`
	CriticalLow   *float64  `db:"critical_low" json:"critical_low,omitempty"`
	CriticalHigh  *float64  `db:"critical_high" json:"critical_high,omitempty"`
	Unit          *string   `db:"unit" json:"unit,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Matches reports whether the range applies to a patient of the given sex and age.
func (r *ReferenceRange) Matches(sex string, age float64) bool {
	if !strings.EqualFold(r.Sex, SexUnisex) && !strings.EqualFold(r.Sex, sex) {
		return false
	}
	if r.AgeLow != nil && age < *r.AgeLow {
		return false
	}
	if r.AgeHigh != nil && age > *r.AgeHigh {
		return false
	}
	return true
}

// ageSpan is the width of the age window, +Inf when either side is open.
func (r *ReferenceRange) ageSpan() float64 {
	if r.AgeLow == nil || r.AgeHigh == nil {
		return math.Inf(1)
	}
	return *r.AgeHigh - *r.AgeLow
}

// ProcessedObservation is the output of one successfully processed item.
type ProcessedObservation struct {
	LocalTestID    string  `json:"local_test_id"`
	CanonicalCode  string  `json:"canonical_code"`
	Display        string  `json:"display"`
	Value          float64 `json:"value"`
	Unit           string  `json:"unit"`
	Interpretation Flag    `json:"interpretation"`
	Timestamp      string  `json:"timestamp"`
	Note           *string `json:"note,omitempty"`
	ConversionNote *string `json:"conversion_note,omitempty"`
	// RangeID is the reference range used for classification, if any.
	RangeID *uuid.UUID `json:"range_id,omitempty"`
}

// Batch is one patient encounter's submission.
type Batch struct {
	PatientID   *uuid.UUID    `json:"patient_id,omitempty"`
	EncounterID *uuid.UUID    `json:"encounter_id,omitempty"`
	PatientSex  string        `json:"patient_sex"`
	PatientAge  float64       `json:"patient_age"`
	Items       []RawTestItem `json:"items"`
}

// BatchMetadata travels with an accepted batch to the result sink.
type BatchMetadata struct {
	BatchID     uuid.UUID
	PatientID   *uuid.UUID
	EncounterID *uuid.UUID
	SubmittedBy string
	RequestID   string
	ReceivedAt  time.Time
}

// SinkHandle identifies what the sink durably recorded.
type SinkHandle struct {
	ReportID       uuid.UUID   `json:"report_id"`
	ObservationIDs []uuid.UUID `json:"observation_ids"`
}

// OutcomeKind discriminates BatchOutcome payloads.
type OutcomeKind string

const (
	OutcomeAccepted OutcomeKind = "accepted"
	OutcomeRejected OutcomeKind = "rejected"
)

// BatchOutcome is either accepted with every observation, or rejected with
// every item error. It never carries both.
type BatchOutcome struct {
	Kind         OutcomeKind            `json:"kind"`
	BatchID      uuid.UUID              `json:"batch_id"`
	Observations []ProcessedObservation `json:"observations,omitempty"`
	Errors       []ItemError            `json:"errors,omitempty"`
	Handle       *SinkHandle            `json:"handle,omitempty"`
}

// Accepted reports whether the batch passed validation.
func (o *BatchOutcome) Accepted() bool { return o.Kind == OutcomeAccepted }

// ReportStatusFinal is the status of every committed report.
const ReportStatusFinal = "final"

// LabReport is a committed batch as stored by the Postgres sink.
type LabReport struct {
	ID               uuid.UUID         `db:"id" json:"id"`
	BatchID          uuid.UUID         `db:"batch_id" json:"batch_id"`
	PatientID        *uuid.UUID        `db:"patient_id" json:"patient_id,omitempty"`
	EncounterID      *uuid.UUID        `db:"encounter_id" json:"encounter_id,omitempty"`
	Status           string            `db:"status" json:"status"`
	SubmittedBy      *string           `db:"submitted_by" json:"submitted_by,omitempty"`
	ObservationCount int               `db:"observation_count" json:"observation_count"`
	Issued           time.Time         `db:"issued" json:"issued"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	Observations     []*LabObservation `json:"observations,omitempty"`
}

// LabObservation is one stored observation of a LabReport.
type LabObservation struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	ReportID          uuid.UUID  `db:"report_id" json:"report_id"`
	Sequence          int        `db:"sequence" json:"sequence"`
	LocalTestID       string     `db:"local_test_id" json:"local_test_id"`
	CanonicalCode     string     `db:"canonical_code" json:"canonical_code"`
	Display           string     `db:"display" json:"display"`
	Value             float64    `db:"value" json:"value"`
	Unit              string     `db:"unit" json:"unit"`
	Interpretation    string     `db:"interpretation" json:"interpretation"`
	EffectiveDatetime *time.Time `db:"effective_datetime" json:"effective_datetime,omitempty"`
	ReferenceRangeID  *uuid.UUID `db:"reference_range_id" json:"reference_range_id,omitempty"`
	Note              *string    `db:"note" json:"note,omitempty"`
	ConversionNote    *string    `db:"conversion_note" json:"conversion_note,omitempty"`
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
