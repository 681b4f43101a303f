// Package catalog loads YAML seed files for the test mapping and reference
// range directories.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/labresults/internal/domain/labresult"
	"github.com/ehr/labresults/internal/platform/db"
)

// File is the on-disk shape. Records keep whatever field aliases the
// source used; they are normalized on Resolve.
type File struct {
	Mappings []labresult.Record `yaml:"mappings"`
	Ranges   []labresult.Record `yaml:"ranges"`
}

// Catalog is a normalized seed file. Ranges are grouped per code and keep
// file order within each code.
type Catalog struct {
	Mappings []*labresult.TestMapping
	Codes    []string
	Ranges   map[string][]*labresult.ReferenceRange

	byLocal map[string]*labresult.TestMapping
}

// FindByLocalID lets a catalog stand in for the mapping directory.
func (c *Catalog) FindByLocalID(_ context.Context, localTestID string) (*labresult.TestMapping, error) {
	return c.byLocal[localTestID], nil
}

// FindAllByCode lets a catalog stand in for the range directory.
func (c *Catalog) FindAllByCode(_ context.Context, code string) ([]*labresult.ReferenceRange, error) {
	return c.Ranges[code], nil
}

// RangeCount returns the number of ranges across all codes.
func (c *Catalog) RangeCount() int {
	n := 0
	for _, rs := range c.Ranges {
		n += len(rs)
	}
	return n
}

func Load(path string) (*Catalog, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(content)
}

func Parse(content []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Mappings) == 0 && len(f.Ranges) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return f.Resolve()
}

// Resolve normalizes every record. All record errors are reported
// together; a duplicate local id is an error.
func (f *File) Resolve() (*Catalog, error) {
	cat := &Catalog{
		Ranges:  make(map[string][]*labresult.ReferenceRange),
		byLocal: make(map[string]*labresult.TestMapping),
	}
	var errs []error

	seen := make(map[string]int)
	for i, rec := range f.Mappings {
		m, err := labresult.NormalizeMapping(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("mappings[%d]: %w", i, err))
			continue
		}
		if prev, dup := seen[m.LocalTestID]; dup {
			errs = append(errs, fmt.Errorf("mappings[%d]: local id %q already defined at mappings[%d]", i, m.LocalTestID, prev))
			continue
		}
		seen[m.LocalTestID] = i
		cat.byLocal[m.LocalTestID] = m
		cat.Mappings = append(cat.Mappings, m)
	}

	for i, rec := range f.Ranges {
		r, err := labresult.NormalizeRange(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("ranges[%d]: %w", i, err))
			continue
		}
		if _, ok := cat.Ranges[r.CanonicalCode]; !ok {
			cat.Codes = append(cat.Codes, r.CanonicalCode)
		}
		cat.Ranges[r.CanonicalCode] = append(cat.Ranges[r.CanonicalCode], r)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cat, nil
}

// TxRunner runs fn inside one transaction.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// PoolTx runs seeding in a pgx transaction carried on the context.
func PoolTx(pool *pgxpool.Pool) TxRunner {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	}
}

// Seeder writes a catalog into the directories. Mappings are upserted and
// each code's ranges replace whatever was stored for it.
type Seeder struct {
	run      TxRunner
	mappings labresult.TestMappingRepository
	ranges   labresult.ReferenceRangeRepository
	logger   zerolog.Logger
}

func NewSeeder(run TxRunner, mappings labresult.TestMappingRepository, ranges labresult.ReferenceRangeRepository, logger zerolog.Logger) *Seeder {
	return &Seeder{run: run, mappings: mappings, ranges: ranges, logger: logger}
}

// Result counts what Apply wrote.
type Result struct {
	Mappings int `json:"mappings"`
	Codes    int `json:"codes"`
	Ranges   int `json:"ranges"`
}

func (s *Seeder) Apply(ctx context.Context, cat *Catalog) (Result, error) {
	var res Result
	err := s.run(ctx, func(ctx context.Context) error {
		for _, m := range cat.Mappings {
			if err := s.mappings.Upsert(ctx, m); err != nil {
				return fmt.Errorf("upsert mapping %q: %w", m.LocalTestID, err)
			}
			res.Mappings++
		}
		for _, code := range cat.Codes {
			rs := cat.Ranges[code]
			if err := s.ranges.ReplaceForCode(ctx, code, rs); err != nil {
				return fmt.Errorf("replace ranges for %q: %w", code, err)
			}
			res.Codes++
			res.Ranges += len(rs)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Info().
		Int("mappings", res.Mappings).
		Int("codes", res.Codes).
		Int("ranges", res.Ranges).
		Msg("catalog seeded")
	return res, nil
}
