package labresult

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

func ptr[T any](v T) *T { return &v }

// -- Mapping directory --

type fakeMappings struct {
	byLocal map[string]*TestMapping
	err     error
	calls   int
}

func newFakeMappings(ms ...*TestMapping) *fakeMappings {
	f := &fakeMappings{byLocal: make(map[string]*TestMapping)}
	for _, m := range ms {
		f.byLocal[m.LocalTestID] = m
	}
	return f
}

func (f *fakeMappings) FindByLocalID(_ context.Context, localTestID string) (*TestMapping, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byLocal[localTestID], nil
}

func (f *fakeMappings) Upsert(_ context.Context, m *TestMapping) error {
	if f.err != nil {
		return f.err
	}
	if existing, ok := f.byLocal[m.LocalTestID]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	} else {
		m.ID = uuid.New()
		m.CreatedAt = time.Now()
	}
	m.UpdatedAt = time.Now()
	f.byLocal[m.LocalTestID] = m
	return nil
}

func (f *fakeMappings) List(_ context.Context, limit, offset int) ([]*TestMapping, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	keys := make([]string, 0, len(f.byLocal))
	for k := range f.byLocal {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []*TestMapping
	for i := offset; i < len(keys) && len(out) < limit; i++ {
		out = append(out, f.byLocal[keys[i]])
	}
	return out, len(keys), nil
}

// -- Range directory --

type fakeRanges struct {
	byCode map[string][]*ReferenceRange
	err    error
	calls  int
}

func newFakeRanges(rs ...*ReferenceRange) *fakeRanges {
	f := &fakeRanges{byCode: make(map[string][]*ReferenceRange)}
	for _, r := range rs {
		f.byCode[r.CanonicalCode] = append(f.byCode[r.CanonicalCode], r)
	}
	return f
}

func (f *fakeRanges) FindAllByCode(_ context.Context, code string) ([]*ReferenceRange, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byCode[code], nil
}

func (f *fakeRanges) Create(_ context.Context, r *ReferenceRange) error {
	if f.err != nil {
		return f.err
	}
	r.ID = uuid.New()
	f.byCode[r.CanonicalCode] = append(f.byCode[r.CanonicalCode], r)
	return nil
}

func (f *fakeRanges) ReplaceForCode(_ context.Context, code string, ranges []*ReferenceRange) error {
	if f.err != nil {
		return f.err
	}
	for _, r := range ranges {
		r.ID = uuid.New()
	}
	f.byCode[code] = ranges
	return nil
}

// -- Result sink --

type fakeSink struct {
	commits [][]ProcessedObservation
	metas   []BatchMetadata
	err     error
}

func (f *fakeSink) Commit(_ context.Context, observations []ProcessedObservation, meta BatchMetadata) (*SinkHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.commits = append(f.commits, observations)
	f.metas = append(f.metas, meta)
	h := &SinkHandle{ReportID: uuid.New()}
	for range observations {
		h.ObservationIDs = append(h.ObservationIDs, uuid.New())
	}
	return h, nil
}

// -- Reports --

type fakeReports struct {
	reports []*LabReport
	err     error
}

func (f *fakeReports) GetByID(_ context.Context, id uuid.UUID) (*LabReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.reports {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, ErrReportNotFound
}

func (f *fakeReports) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*LabReport, int, error) {
	var matched []*LabReport
	for _, r := range f.reports {
		if r.PatientID != nil && *r.PatientID == patientID {
			matched = append(matched, r)
		}
	}
	return page(matched, limit, offset), len(matched), f.err
}

func (f *fakeReports) List(_ context.Context, limit, offset int) ([]*LabReport, int, error) {
	return page(f.reports, limit, offset), len(f.reports), f.err
}

func page(rs []*LabReport, limit, offset int) []*LabReport {
	if offset >= len(rs) {
		return nil
	}
	end := offset + limit
	if end > len(rs) {
		end = len(rs)
	}
	return rs[offset:end]
}

// -- Fixtures --

const (
	codeGlucose    = "2345-7"
	codePotassium  = "2823-3"
	codeHemoglobin = "718-7"
)

func glucoseMapping() *TestMapping {
	return &TestMapping{
		ID:            uuid.New(),
		LocalTestID:   "GLU",
		CanonicalCode: codeGlucose,
		CanonicalUnit: ptr("mg/dL"),
		DisplayName:   ptr("Glucose"),
	}
}

func potassiumMapping() *TestMapping {
	return &TestMapping{
		ID:            uuid.New(),
		LocalTestID:   "K",
		CanonicalCode: codePotassium,
		CanonicalUnit: ptr("mmol/L"),
	}
}

func hemoglobinMapping() *TestMapping {
	return &TestMapping{
		ID:            uuid.New(),
		LocalTestID:   "HGB",
		CanonicalCode: codeHemoglobin,
		CanonicalUnit: ptr("g/dL"),
		DisplayName:   ptr("Hemoglobin"),
	}
}

func glucoseRange() *ReferenceRange {
	return &ReferenceRange{
		ID:            uuid.New(),
		CanonicalCode: codeGlucose,
		Sex:           SexUnisex,
		Low:           ptr(70.0),
		High:          ptr(99.0),
		CriticalLow:   ptr(40.0),
		CriticalHigh:  ptr(400.0),
		Unit:          ptr("mg/dL"),
	}
}

func potassiumRange() *ReferenceRange {
	return &ReferenceRange{
		ID:            uuid.New(),
		CanonicalCode: codePotassium,
		Sex:           SexUnisex,
		Low:           ptr(3.5),
		High:          ptr(5.1),
		CriticalLow:   ptr(2.5),
		CriticalHigh:  ptr(6.5),
	}
}

func item(localID string, value RawValue, unit string) RawTestItem {
	return RawTestItem{LocalTestID: localID, Value: value, Unit: unit, Timestamp: "2024-03-01T08:30:00Z"}
}
