package labresult

import (
	"errors"
	"fmt"
)

var (
	ErrMappingNotFound       = errors.New("no canonical mapping for local test id")
	ErrUnrecognizedUnit      = errors.New("unrecognized unit")
	ErrUnsupportedConversion = errors.New("unsupported unit conversion")
	ErrReportNotFound        = errors.New("lab report not found")
	ErrInvalidBatch          = errors.New("invalid batch")
	ErrInvalidRecord         = errors.New("invalid directory record")
)

// ErrorKind groups per-item rejection reasons.
type ErrorKind string

const (
	KindResolution ErrorKind = "resolution"
	KindUnit       ErrorKind = "unit"
	KindConversion ErrorKind = "conversion"
	KindValue      ErrorKind = "value"
)

// ItemError is one rejected item of a batch. It is collected, not thrown.
type ItemError struct {
	LocalTestID string    `json:"local_test_id"`
	Kind        ErrorKind `json:"kind"`
	Reason      string    `json:"reason"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.LocalTestID, e.Kind, e.Reason)
}

// SinkError is an infrastructure failure while committing an accepted batch.
type SinkError struct {
	Step        string
	LocalTestID string
	Err         error
}

func (e *SinkError) Error() string {
	if e.LocalTestID != "" {
		return fmt.Sprintf("commit failed at %s (%s): %v", e.Step, e.LocalTestID, e.Err)
	}
	return fmt.Sprintf("commit failed at %s: %v", e.Step, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// AsSinkError unwraps err into a *SinkError when it is one.
func AsSinkError(err error) (*SinkError, bool) {
	var se *SinkError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
