package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/steveyegge/tracksync/internal/types"
)

// Index is an in-memory view of a project's correlation records. It is
// loaded once per orchestrator run and kept current with Put as passes link
// new items, so lookups never hit the database inside the per-item loop.
//
// An Index is owned by a single run and is not safe for concurrent use.
type Index struct {
	byCanonical map[string]*Record
	byBoard     map[string]*Record
	byBeads     map[string]*Record
	byTitle     map[string][]*Record
}

// NewIndex builds an index over records.
func NewIndex(records []*Record) *Index {
	idx := &Index{
		byCanonical: make(map[string]*Record, len(records)),
		byBoard:     make(map[string]*Record),
		byBeads:     make(map[string]*Record),
		byTitle:     make(map[string][]*Record),
	}
	for _, rec := range records {
		idx.Put(rec)
	}
	return idx
}

// LoadIndex reads a project's records into a new Index.
func (s *Store) LoadIndex(ctx context.Context, projectKey string) (*Index, error) {
	records, err := s.List(ctx, projectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load correlation index: %w", err)
	}
	return NewIndex(records), nil
}

// Put inserts or replaces a record.
func (idx *Index) Put(rec *Record) {
	if old, ok := idx.byCanonical[rec.CanonicalID]; ok {
		idx.remove(old)
	}
	idx.byCanonical[rec.CanonicalID] = rec
	if rec.BoardID != "" {
		idx.byBoard[rec.BoardID] = rec
	}
	if rec.BeadsID != "" {
		idx.byBeads[rec.BeadsID] = rec
	}
	if key := NormalizeTitle(rec.Title); key != "" {
		idx.byTitle[key] = append(idx.byTitle[key], rec)
	}
}

func (idx *Index) remove(rec *Record) {
	delete(idx.byCanonical, rec.CanonicalID)
	if rec.BoardID != "" && idx.byBoard[rec.BoardID] == rec {
		delete(idx.byBoard, rec.BoardID)
	}
	if rec.BeadsID != "" && idx.byBeads[rec.BeadsID] == rec {
		delete(idx.byBeads, rec.BeadsID)
	}
	key := NormalizeTitle(rec.Title)
	list := idx.byTitle[key]
	for i, r := range list {
		if r == rec {
			idx.byTitle[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(idx.byTitle[key]) == 0 {
		delete(idx.byTitle, key)
	}
}

// Get returns the record with the given canonical id, or nil.
func (idx *Index) Get(canonicalID string) *Record {
	return idx.byCanonical[canonicalID]
}

// FindByExternalID returns the record linked to id in sys, or nil.
func (idx *Index) FindByExternalID(sys types.System, id string) *Record {
	if id == "" {
		return nil
	}
	switch sys {
	case types.SystemTracker:
		return idx.byCanonical[id]
	case types.SystemBoard:
		return idx.byBoard[id]
	case types.SystemBeads:
		return idx.byBeads[id]
	}
	return nil
}

// FindByNormalizedTitle returns records whose title matches title, exact
// normalized matches first, then containment matches. Results are ordered by
// canonical id within each group so resolution is deterministic.
func (idx *Index) FindByNormalizedTitle(title string) []*Record {
	key := NormalizeTitle(title)
	if key == "" {
		return nil
	}

	exact := append([]*Record(nil), idx.byTitle[key]...)
	sortByCanonical(exact)

	var contained []*Record
	for k, recs := range idx.byTitle {
		if k == key || !normalizedContains(k, key) {
			continue
		}
		contained = append(contained, recs...)
	}
	sortByCanonical(contained)

	return append(exact, contained...)
}

// Records returns every record ordered by canonical id.
func (idx *Index) Records() []*Record {
	out := make([]*Record, 0, len(idx.byCanonical))
	for _, rec := range idx.byCanonical {
		out = append(out, rec)
	}
	sortByCanonical(out)
	return out
}

// Len returns the number of records.
func (idx *Index) Len() int {
	return len(idx.byCanonical)
}

func sortByCanonical(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].CanonicalID < recs[j].CanonicalID })
}
