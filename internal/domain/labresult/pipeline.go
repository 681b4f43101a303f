package labresult

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Processor drives a batch through resolution, unit normalization,
// conversion, range selection and classification, then commits it.
type Processor struct {
	resolver  *TestResolver
	selector  *RangeSelector
	converter *Converter
	sink      ResultSink
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithTieBreak sets the range tie-break policy. Empty or unknown names
// mean TieBreakFirst.
func WithTieBreak(policy TieBreak) Option {
	return func(p *Processor) { p.selector.policy = policy.orFirst() }
}

// WithConverter replaces the default conversion table.
func WithConverter(c *Converter) Option {
	return func(p *Processor) { p.converter = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func NewProcessor(mappings MappingDirectory, ranges ReferenceRangeDirectory, sink ResultSink, opts ...Option) *Processor {
	p := &Processor{
		resolver:  NewTestResolver(mappings),
		selector:  NewRangeSelector(ranges, TieBreakFirst),
		converter: defaultConverter,
		sink:      sink,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate runs every item of the batch without committing anything. Items
// are processed in order and all item errors are collected; any error
// rejects the whole batch.
func (p *Processor) Evaluate(ctx context.Context, batch *Batch) *BatchOutcome {
	mappings := NewMappingCache()
	ranges := NewRangeCache()
	sex := NormalizeSex(batch.PatientSex)

	var observations []ProcessedObservation
	var itemErrs []ItemError
	for _, item := range batch.Items {
		obs, itemErr := p.processItem(ctx, item, sex, batch.PatientAge, mappings, ranges)
		if itemErr != nil {
			p.logger.Debug().
				Str("local_test_id", itemErr.LocalTestID).
				Str("kind", string(itemErr.Kind)).
				Str("reason", itemErr.Reason).
				Msg("lab item rejected")
			itemErrs = append(itemErrs, *itemErr)
			continue
		}
		observations = append(observations, *obs)
	}

	if len(itemErrs) > 0 {
		return &BatchOutcome{Kind: OutcomeRejected, Errors: itemErrs}
	}
	return &BatchOutcome{Kind: OutcomeAccepted, Observations: observations}
}

// Process evaluates the batch and, when every item succeeded, hands the
// observations to the sink. A rejected batch is returned with a nil error;
// a sink failure is returned as *SinkError and no outcome.
func (p *Processor) Process(ctx context.Context, batch *Batch, meta BatchMetadata) (*BatchOutcome, error) {
	if meta.BatchID == uuid.Nil {
		meta.BatchID = uuid.New()
	}
	if meta.ReceivedAt.IsZero() {
		meta.ReceivedAt = p.now().UTC()
	}
	if meta.PatientID == nil {
		meta.PatientID = batch.PatientID
	}
	if meta.EncounterID == nil {
		meta.EncounterID = batch.EncounterID
	}

	outcome := p.Evaluate(ctx, batch)
	outcome.BatchID = meta.BatchID
	if !outcome.Accepted() || len(outcome.Observations) == 0 {
		p.logOutcome(outcome, len(batch.Items))
		return outcome, nil
	}

	handle, err := p.sink.Commit(ctx, outcome.Observations, meta)
	if err != nil {
		se, ok := AsSinkError(err)
		if !ok {
			se = &SinkError{Step: "commit", Err: err}
		}
		p.logger.Error().Err(se.Err).
			Str("batch_id", meta.BatchID.String()).
			Str("step", se.Step).
			Str("local_test_id", se.LocalTestID).
			Msg("lab batch commit failed")
		return nil, se
	}
	outcome.Handle = handle
	p.logOutcome(outcome, len(batch.Items))
	return outcome, nil
}

func (p *Processor) logOutcome(outcome *BatchOutcome, items int) {
	p.logger.Info().
		Str("batch_id", outcome.BatchID.String()).
		Int("item_count", items).
		Str("outcome", string(outcome.Kind)).
		Int("error_count", len(outcome.Errors)).
		Msg("lab batch processed")
}

func (p *Processor) processItem(ctx context.Context, item RawTestItem, sex string, age float64, mappings *MappingCache, ranges *RangeCache) (*ProcessedObservation, *ItemError) {
	reject := func(kind ErrorKind, err error) *ItemError {
		return &ItemError{LocalTestID: item.LocalTestID, Kind: kind, Reason: err.Error()}
	}

	mapping, err := p.resolver.Resolve(ctx, item.LocalTestID, mappings)
	if err != nil {
		if !errors.Is(err, ErrMappingNotFound) {
			p.logger.Warn().Err(err).Str("local_test_id", item.LocalTestID).Msg("mapping directory lookup failed")
		}
		return nil, reject(KindResolution, err)
	}

	unit, err := Canonicalize(item.Unit)
	if err != nil {
		return nil, reject(KindUnit, err)
	}

	value, err := item.Value.Float()
	if err != nil {
		return nil, reject(KindValue, err)
	}

	var convNote *string
	if mapping.CanonicalUnit != nil && strings.TrimSpace(*mapping.CanonicalUnit) != "" {
		target, err := Canonicalize(*mapping.CanonicalUnit)
		if err != nil {
			return nil, reject(KindConversion, err)
		}
		if target != unit {
			conv, err := p.converter.ConvertFor(mapping.CanonicalCode, value, unit, target)
			if err != nil {
				return nil, reject(KindConversion, err)
			}
			value, unit, convNote = conv.Value, target, conv.Note
		}
	}

	rng, err := p.selector.Select(ctx, mapping.CanonicalCode, sex, age, ranges)
	if err != nil {
		p.logger.Warn().Err(err).Str("canonical_code", mapping.CanonicalCode).Msg("reference range lookup failed, classifying without range")
		rng = nil
	}

	obs := &ProcessedObservation{
		LocalTestID:    item.LocalTestID,
		CanonicalCode:  mapping.CanonicalCode,
		Display:        item.LocalTestID,
		Value:          value,
		Unit:           string(unit),
		Interpretation: p.classify(mapping.CanonicalCode, value, unit, rng),
		Timestamp:      item.Timestamp,
		Note:           item.Note,
		ConversionNote: convNote,
	}
	if d := strings.TrimSpace(strVal(mapping.DisplayName)); d != "" {
		obs.Display = d
	}
	if rng != nil && rng.ID != uuid.Nil {
		id := rng.ID
		obs.RangeID = &id
	}
	return obs, nil
}

// classify compares value with rng in the range's own unit. A range whose
// unit cannot be reached from the observation unit is not applicable.
func (p *Processor) classify(code string, value float64, unit Unit, rng *ReferenceRange) Flag {
	if rng == nil {
		return FlagNoReference
	}
	if rng.Unit != nil && strings.TrimSpace(*rng.Unit) != "" {
		rangeUnit, err := Canonicalize(*rng.Unit)
		if err != nil {
			return FlagNoReference
		}
		if rangeUnit != unit {
			conv, err := p.converter.ConvertFor(code, value, unit, rangeUnit)
			if err != nil {
				p.logger.Debug().Str("canonical_code", code).
					Str("unit", string(unit)).Str("range_unit", string(rangeUnit)).
					Msg("range unit unreachable, no reference applied")
				return FlagNoReference
			}
			value = conv.Value
		}
	}
	return Classify(value, rng)
}
