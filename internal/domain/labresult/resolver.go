package labresult

import (
	"context"
	"fmt"
)

// MappingCache memoizes mapping lookups for one batch. A cached nil entry
// records a confirmed absence. It must not outlive the batch.
type MappingCache struct {
	entries map[string]*TestMapping
}

func NewMappingCache() *MappingCache {
	return &MappingCache{entries: make(map[string]*TestMapping)}
}

// Len returns the number of cached lookups, hits and absences alike.
func (c *MappingCache) Len() int { return len(c.entries) }

// TestResolver resolves local test identifiers through a MappingDirectory.
type TestResolver struct {
	dir MappingDirectory
}

func NewTestResolver(dir MappingDirectory) *TestResolver {
	return &TestResolver{dir: dir}
}

// Resolve returns the mapping for localTestID. A missing record, or one
// without a canonical code, yields ErrMappingNotFound. Lookup failures are
// returned as-is and are not cached.
func (r *TestResolver) Resolve(ctx context.Context, localTestID string, cache *MappingCache) (*TestMapping, error) {
	m, hit := cache.entries[localTestID]
	if !hit {
		var err error
		m, err = r.dir.FindByLocalID(ctx, localTestID)
		if err != nil {
			return nil, fmt.Errorf("mapping lookup for %q: %w", localTestID, err)
		}
		cache.entries[localTestID] = m
	}
	if m == nil || m.CanonicalCode == "" {
		return nil, fmt.Errorf("%w: %q", ErrMappingNotFound, localTestID)
	}
	return m, nil
}
