package labresult

import (
	"context"

	"github.com/google/uuid"
)

// MappingDirectory resolves local test identifiers. FindByLocalID returns
// (nil, nil) when no mapping exists.
type MappingDirectory interface {
	FindByLocalID(ctx context.Context, localTestID string) (*TestMapping, error)
}

// ReferenceRangeDirectory returns every range stored for a canonical code.
type ReferenceRangeDirectory interface {
	FindAllByCode(ctx context.Context, code string) ([]*ReferenceRange, error)
}

// ResultSink durably records an accepted batch as one atomic unit.
type ResultSink interface {
	Commit(ctx context.Context, observations []ProcessedObservation, meta BatchMetadata) (*SinkHandle, error)
}

type TestMappingRepository interface {
	MappingDirectory
	Upsert(ctx context.Context, m *TestMapping) error
	List(ctx context.Context, limit, offset int) ([]*TestMapping, int, error)
}

type ReferenceRangeRepository interface {
	ReferenceRangeDirectory
	Create(ctx context.Context, r *ReferenceRange) error
	// ReplaceForCode swaps every range of a code for the given set, in order.
	ReplaceForCode(ctx context.Context, code string, ranges []*ReferenceRange) error
}

type LabReportRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*LabReport, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabReport, int, error)
	List(ctx context.Context, limit, offset int) ([]*LabReport, int, error)
}
