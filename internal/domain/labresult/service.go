package labresult

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	proc     *Processor
	mappings TestMappingRepository
	ranges   ReferenceRangeRepository
	reports  LabReportRepository
}

func NewService(proc *Processor, mappings TestMappingRepository, ranges ReferenceRangeRepository, reports LabReportRepository) *Service {
	return &Service{proc: proc, mappings: mappings, ranges: ranges, reports: reports}
}

func validateBatch(batch *Batch) error {
	if batch == nil {
		return fmt.Errorf("%w: body is required", ErrInvalidBatch)
	}
	if len(batch.Items) == 0 {
		return fmt.Errorf("%w: items must not be empty", ErrInvalidBatch)
	}
	if math.IsNaN(batch.PatientAge) || math.IsInf(batch.PatientAge, 0) || batch.PatientAge < 0 {
		return fmt.Errorf("%w: patient_age must be a non-negative number", ErrInvalidBatch)
	}
	for i, item := range batch.Items {
		if strings.TrimSpace(item.LocalTestID) == "" {
			return fmt.Errorf("%w: items[%d].local_test_id is required", ErrInvalidBatch, i)
		}
	}
	return nil
}

// SubmitBatch validates the envelope and runs the batch through the
// pipeline, committing it when every item is accepted.
func (s *Service) SubmitBatch(ctx context.Context, batch *Batch, meta BatchMetadata) (*BatchOutcome, error) {
	if err := validateBatch(batch); err != nil {
		return nil, err
	}
	return s.proc.Process(ctx, batch, meta)
}

// EvaluateBatch runs the pipeline without committing.
func (s *Service) EvaluateBatch(ctx context.Context, batch *Batch) (*BatchOutcome, error) {
	if err := validateBatch(batch); err != nil {
		return nil, err
	}
	out := s.proc.Evaluate(ctx, batch)
	out.BatchID = uuid.New()
	return out, nil
}

// -- Test mappings --

func (s *Service) UpsertMapping(ctx context.Context, rec Record) (*TestMapping, error) {
	m, err := NormalizeMapping(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := s.mappings.Upsert(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) GetMapping(ctx context.Context, localTestID string) (*TestMapping, error) {
	m, err := s.mappings.FindByLocalID(ctx, localTestID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMappingNotFound, localTestID)
	}
	return m, nil
}

func (s *Service) ListMappings(ctx context.Context, limit, offset int) ([]*TestMapping, int, error) {
	return s.mappings.List(ctx, limit, offset)
}

// -- Reference ranges --

func (s *Service) CreateRange(ctx context.Context, rec Record) (*ReferenceRange, error) {
	r, err := NormalizeRange(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := s.ranges.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ReplaceRanges swaps the ranges of code for recs, keeping their order.
// Every record must name the same code, or none.
func (s *Service) ReplaceRanges(ctx context.Context, code string, recs []Record) ([]*ReferenceRange, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRecord)
	}
	out := make([]*ReferenceRange, 0, len(recs))
	for i, rec := range recs {
		if rec == nil {
			rec = Record{}
		}
		if v, _, _ := rec.lookup(codeKeys); v == nil {
			rec["canonical_code"] = code
		}
		r, err := NormalizeRange(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: ranges[%d]: %v", ErrInvalidRecord, i, err)
		}
		if r.CanonicalCode != code {
			return nil, fmt.Errorf("%w: ranges[%d] has code %q, want %q", ErrInvalidRecord, i, r.CanonicalCode, code)
		}
		out = append(out, r)
	}
	if err := s.ranges.ReplaceForCode(ctx, code, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListRanges(ctx context.Context, code string) ([]*ReferenceRange, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRecord)
	}
	return s.ranges.FindAllByCode(ctx, code)
}

// -- Reports --

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*LabReport, error) {
	return s.reports.GetByID(ctx, id)
}

func (s *Service) ListReports(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*LabReport, int, error) {
	if patientID != nil {
		return s.reports.ListByPatient(ctx, *patientID, limit, offset)
	}
	return s.reports.List(ctx, limit, offset)
}
