// Package identity decides whether an item from one system already has a
// counterpart in another.
//
// Resolution tries three strategies in a fixed order and stops at the first
// success:
//
//  1. an existing correlation record for the item's own identifier
//  2. a cross-reference tag embedded in the item's description
//  3. a normalized-title match, first against records not yet linked to the
//     item's system, then against unlinked items of the target system
//
// Precedence is the only tie-breaker. The resolver never merges records, so an
// identifier can be linked to at most one record.
package identity

import (
	"sort"

	"github.com/steveyegge/tracksync/internal/store"
	"github.com/steveyegge/tracksync/internal/types"
)

// Method records which strategy produced a match.
type Method string

const (
	MethodNone       Method = ""
	MethodExternalID Method = "external-id"
	MethodRefTag     Method = "ref-tag"
	MethodTitle      Method = "title"
)

// Match is the result of Resolve.
type Match struct {
	Matched bool
	// Record is the matched record. When New is set it has not been
	// persisted yet and links the item to Candidate.
	Record *store.Record
	// Candidate is the counterpart in the target system, if it was found in
	// the candidate list.
	Candidate *types.Item
	Method    Method
	New       bool
}

// Resolver resolves identities against a run's correlation index.
type Resolver struct {
	index *store.Index
}

// NewResolver creates a resolver over idx.
func NewResolver(idx *store.Index) *Resolver {
	return &Resolver{index: idx}
}

// Resolve finds the counterpart of item (from source) in target.
// candidates is the target system's current item list.
//
// When the matched record is not linked in target yet, Resolve also looks
// for an unlinked candidate to link it to (see Counterpart).
func (r *Resolver) Resolve(item *types.Item, source, target types.System, candidates []*types.Item) Match {
	byID := make(map[string]*types.Item, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	if rec := r.index.FindByExternalID(source, item.ID); rec != nil {
		return r.complete(Match{Matched: true, Record: rec, Method: MethodExternalID}, item, source, target, byID, candidates)
	}

	for _, ref := range ParseRefs(item.Description) {
		if rec := r.index.FindByExternalID(ref.System, ref.ID); rec != nil {
			if !r.linkable(rec, source, target) {
				continue
			}
			m := Match{Matched: true, Record: withLink(rec, source, item.ID), Method: MethodRefTag}
			return r.complete(m, item, source, target, byID, candidates)
		}
		if ref.System == target {
			if c, ok := byID[ref.ID]; ok && r.free(target, c) {
				return r.newMatch(item, source, c, target, MethodRefTag)
			}
		}
	}

	for _, rec := range r.index.FindByNormalizedTitle(item.Title) {
		if !r.linkable(rec, source, target) {
			continue
		}
		m := Match{Matched: true, Record: withLink(rec, source, item.ID), Method: MethodTitle}
		return r.complete(m, item, source, target, byID, candidates)
	}

	if c, m := r.Counterpart(item, source, target, candidates); c != nil {
		return r.newMatch(item, source, c, target, m)
	}

	return Match{}
}

// Counterpart returns an unlinked target candidate for item, trying in order
// a candidate whose description tags item, a candidate tagged in item's
// description, and a title match.
func (r *Resolver) Counterpart(item *types.Item, source, target types.System, candidates []*types.Item) (*types.Item, Method) {
	self := Ref{System: source, ID: item.ID}
	for _, c := range candidates {
		if !r.free(target, c) {
			continue
		}
		for _, ref := range ParseRefs(c.Description) {
			if ref == self {
				return c, MethodRefTag
			}
		}
	}

	for _, ref := range ParseRefs(item.Description) {
		if ref.System != target {
			continue
		}
		for _, c := range candidates {
			if c.ID == ref.ID && r.free(target, c) {
				return c, MethodRefTag
			}
		}
	}

	if c := r.titleCandidate(item, target, candidates); c != nil {
		return c, MethodTitle
	}
	return nil, MethodNone
}

// complete fills in the candidate of a record match, linking the record to
// an unlinked candidate when it has no target link yet.
func (r *Resolver) complete(m Match, item *types.Item, source, target types.System, byID map[string]*types.Item, candidates []*types.Item) Match {
	if id := m.Record.ExternalID(target); id != "" {
		m.Candidate = byID[id]
		return m
	}
	if c, _ := r.Counterpart(item, source, target, candidates); c != nil {
		m.Record = withLink(m.Record, target, c.ID)
		m.Candidate = c
	}
	return m
}

// free reports whether candidate c is not linked to any record.
func (r *Resolver) free(target types.System, c *types.Item) bool {
	return r.index.FindByExternalID(target, c.ID) == nil
}

// linkable reports whether rec can take a link from source: it must not be
// linked there already and must not be soft-deleted from source or target.
func (r *Resolver) linkable(rec *store.Record, source, target types.System) bool {
	return rec.ExternalID(source) == "" && !rec.Deleted(source) && !rec.Deleted(target)
}

// titleCandidate returns the first unlinked candidate whose title matches,
// preferring exact normalized matches over containment.
func (r *Resolver) titleCandidate(item *types.Item, target types.System, candidates []*types.Item) *types.Item {
	key := store.NormalizeTitle(item.Title)
	if key == "" {
		return nil
	}

	free := make([]*types.Item, 0, len(candidates))
	for _, c := range candidates {
		if r.free(target, c) {
			free = append(free, c)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })

	for _, c := range free {
		if store.NormalizeTitle(c.Title) == key {
			return c
		}
	}
	for _, c := range free {
		if store.TitlesMatch(item.Title, c.Title) {
			return c
		}
	}
	return nil
}

func (r *Resolver) newMatch(item *types.Item, source types.System, c *types.Item, target types.System, m Method) Match {
	rec := &store.Record{}
	rec.SetExternalID(source, item.ID)
	rec.SetExternalID(target, c.ID)
	return Match{Matched: true, Record: rec, Candidate: c, Method: m, New: true}
}

func withLink(rec *store.Record, sys types.System, id string) *store.Record {
	c := rec.Clone()
	c.SetExternalID(sys, id)
	return c
}
