package labresult

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breakers around the directories.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Interval == 0 {
		s.Interval = 60 * time.Second
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	return s
}

func newBreaker(name string, s BreakerSettings, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	s = s.withDefaults()
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not a directory fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("circuit_breaker", name).
				Str("from_state", from.String()).
				Str("to_state", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

// BreakingMappingDirectory fails fast once the wrapped directory keeps
// erroring. Absent mappings are successes.
type BreakingMappingDirectory struct {
	next MappingDirectory
	cb   *gobreaker.CircuitBreaker
}

func NewBreakingMappingDirectory(next MappingDirectory, s BreakerSettings, logger zerolog.Logger) *BreakingMappingDirectory {
	return &BreakingMappingDirectory{next: next, cb: newBreaker("mapping-directory", s, logger)}
}

func (d *BreakingMappingDirectory) FindByLocalID(ctx context.Context, localTestID string) (*TestMapping, error) {
	res, err := d.cb.Execute(func() (interface{}, error) {
		return d.next.FindByLocalID(ctx, localTestID)
	})
	if err != nil {
		return nil, err
	}
	m, _ := res.(*TestMapping)
	return m, nil
}

// State reports the breaker state, for health output.
func (d *BreakingMappingDirectory) State() gobreaker.State { return d.cb.State() }

// BreakingRangeDirectory is the ReferenceRangeDirectory counterpart.
type BreakingRangeDirectory struct {
	next ReferenceRangeDirectory
	cb   *gobreaker.CircuitBreaker
}

func NewBreakingRangeDirectory(next ReferenceRangeDirectory, s BreakerSettings, logger zerolog.Logger) *BreakingRangeDirectory {
	return &BreakingRangeDirectory{next: next, cb: newBreaker("range-directory", s, logger)}
}

func (d *BreakingRangeDirectory) FindAllByCode(ctx context.Context, code string) ([]*ReferenceRange, error) {
	res, err := d.cb.Execute(func() (interface{}, error) {
		return d.next.FindAllByCode(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	ranges, _ := res.([]*ReferenceRange)
	return ranges, nil
}

func (d *BreakingRangeDirectory) State() gobreaker.State { return d.cb.State() }
