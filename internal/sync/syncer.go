package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/steveyegge/tracksync/internal/conflict"
	"github.com/steveyegge/tracksync/internal/identity"
	"github.com/steveyegge/tracksync/internal/store"
	"github.com/steveyegge/tracksync/internal/telemetry"
	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/types"
	"github.com/steveyegge/tracksync/internal/vocab"
)

// Config holds the dependencies of a Syncer.
type Config struct {
	Store *store.Store
	// Vocab translates enum fields. Defaults to vocab.Default().
	Vocab *vocab.Table
	// Logger defaults to stderr with a "[sync] " prefix.
	Logger *log.Logger
	// Metrics may be nil.
	Metrics *telemetry.SyncMetrics
}

// syncer implements the Syncer interface.
type syncer struct {
	store   *store.Store
	vocab   *vocab.Table
	logger  *log.Logger
	metrics *telemetry.SyncMetrics
}

// New creates a new Syncer.
//
// The store must be migrated before passing it in.
//
// Example:
//
//	st, err := store.Open(".tsync/correlations.db")
//	if err != nil {
//	    return err
//	}
//	if err := st.Migrate(ctx); err != nil {
//	    return err
//	}
//	syncer := sync.New(sync.Config{Store: st})
func New(cfg Config) Syncer {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Vocab == nil {
		cfg.Vocab = vocab.Default()
	}
	return &syncer{
		store:   cfg.Store,
		vocab:   cfg.Vocab,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// pendingLink is a parent link that could not be applied because the parent
// is not linked in the target yet.
type pendingLink struct {
	canonicalID string
	targetID    string
	parentID    string
}

// passRun is the mutable state of one running pass.
type passRun struct {
	*Pass
	resolver   *identity.Resolver
	candidates []*types.Item
	targets    map[string]*types.Item
	seen       map[string]bool
	deferred   []pendingLink
	res        *Result
}

// change is one field write against the target.
type change struct {
	field types.Field
	value string
}

// Run implements Syncer.Run.
func (s *syncer) Run(ctx context.Context, p *Pass) (*Result, error) {
	if err := s.validate(p); err != nil {
		return nil, err
	}

	start := time.Now()
	run := &passRun{
		Pass:       p,
		resolver:   identity.NewResolver(p.Index),
		candidates: append([]*types.Item(nil), p.TargetItems...),
		targets:    make(map[string]*types.Item, len(p.TargetItems)),
		seen:       make(map[string]bool, len(p.SourceItems)),
		res:        &Result{Direction: p.Direction.String()},
	}
	for _, it := range p.TargetItems {
		run.targets[it.ID] = it
	}

	for _, item := range p.SourceItems {
		if err := ctx.Err(); err != nil {
			run.res.Duration = time.Since(start)
			return run.res, err
		}
		run.seen[item.ID] = true

		outcome, err := s.safeSyncItem(ctx, run, item)
		if err != nil {
			s.logger.Printf("WARNING: %s: failed to sync %s: %v", p.Direction, item.ID, err)
			run.res.Errors = append(run.res.Errors, ItemError{Item: item.ID, Message: err.Error()})
			s.metrics.RecordPassItem(ctx, p.Direction.String(), telemetry.OutcomeError)
			continue
		}

		switch outcome {
		case telemetry.OutcomeCreated:
			run.res.Created++
			run.res.Synced++
		case telemetry.OutcomeUpdated:
			run.res.Updated++
			run.res.Synced++
		case telemetry.OutcomeNoop:
			run.res.Synced++
		default:
			run.res.Skipped++
		}
		s.metrics.RecordPassItem(ctx, p.Direction.String(), outcome)
	}

	s.retryDeferred(ctx, run)
	s.detectDeletions(ctx, run)

	run.res.Duration = time.Since(start)
	s.logger.Printf("Pass %s complete for %s: synced=%d (created=%d, updated=%d) skipped=%d conflicts=%d deferred=%d deleted=%d errors=%d",
		p.Direction, p.ProjectKey, run.res.Synced, run.res.Created, run.res.Updated,
		run.res.Skipped, run.res.Conflicts, run.res.Deferred, run.res.Deleted, len(run.res.Errors))
	return run.res, nil
}

func (s *syncer) validate(p *Pass) error {
	switch {
	case p == nil:
		return errors.New("pass is nil")
	case p.Target == nil:
		return errors.New("pass has no target client")
	case p.Index == nil:
		return errors.New("pass has no correlation index")
	case !p.Direction.Source.IsValid() || !p.Direction.Target.IsValid() || p.Direction.Source == p.Direction.Target:
		return fmt.Errorf("invalid direction %s", p.Direction)
	case p.Direction.Source != types.SystemTracker && p.Direction.Target != types.SystemTracker:
		return fmt.Errorf("direction %s does not involve the tracker", p.Direction)
	case p.Target.System() != p.Direction.Target:
		return fmt.Errorf("target client is %s, direction wants %s", p.Target.System(), p.Direction.Target)
	}
	return nil
}

// safeSyncItem turns a panic while syncing one item into an error.
func (s *syncer) safeSyncItem(ctx context.Context, run *passRun, item *types.Item) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.syncItem(ctx, run, item)
}

func (s *syncer) syncItem(ctx context.Context, run *passRun, item *types.Item) (string, error) {
	tgt := run.Direction.Target

	m := run.resolver.Resolve(item, run.Direction.Source, tgt, run.candidates)
	if !m.Matched {
		return s.create(ctx, run, item, nil)
	}

	// A deletion only stops the pairs that include the system it happened in.
	rec := m.Record
	if rec.Deleted(run.Direction.Source) || rec.Deleted(tgt) {
		return telemetry.OutcomeSkipped, nil
	}

	targetID := rec.ExternalID(tgt)
	if targetID == "" {
		return s.create(ctx, run, item, rec)
	}

	target := m.Candidate
	if target == nil {
		var err error
		target, err = s.lookup(ctx, run, targetID)
		if errors.Is(err, tracker.ErrNotFound) {
			if err := s.store.MarkDeleted(ctx, rec.CanonicalID, tgt); err != nil {
				return "", fmt.Errorf("failed to mark %s deleted from %s: %w", rec.CanonicalID, tgt, err)
			}
			s.reindex(ctx, run, rec.CanonicalID)
			s.logger.Printf("%s %s is gone; %s marked deleted from %s", tgt, targetID, rec.CanonicalID, tgt)
			return telemetry.OutcomeSkipped, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to fetch %s %s: %w", tgt, targetID, err)
		}
	}

	fresh := m.New ||
		run.Index.FindByExternalID(run.Direction.Source, item.ID) == nil ||
		run.Index.FindByExternalID(tgt, targetID) == nil
	return s.reconcile(ctx, run, item, rec, target, fresh)
}

// lookup fetches a linked target item that was not in the target list.
func (s *syncer) lookup(ctx context.Context, run *passRun, id string) (*types.Item, error) {
	if run.Gone[id] {
		return nil, fmt.Errorf("%s item %s: %w", run.Direction.Target, id, tracker.ErrNotFound)
	}
	it, err := run.Target.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	run.targets[id] = it
	return it, nil
}

// create makes a new target item for item and links it. rec is the
// existing record when the item is already correlated with another system.
func (s *syncer) create(ctx context.Context, run *passRun, item *types.Item, rec *store.Record) (string, error) {
	src, tgt := run.Direction.Source, run.Direction.Target

	fields := types.Fields{
		types.FieldTitle:       item.Title,
		types.FieldDescription: identity.EmbedRef(identity.StripRefs(item.Description), src, item.ID),
		types.FieldStatus:      s.vocab.Translate(src, tgt, types.FieldStatus, item.Status),
		types.FieldPriority:    s.vocab.Translate(src, tgt, types.FieldPriority, item.Priority),
		types.FieldType:        s.vocab.Translate(src, tgt, types.FieldType, item.Type),
	}
	var parentLink string
	if src == types.SystemTracker && item.ParentID != "" {
		parentLink, _ = s.parentLink(run, item.ParentID)
		if parentLink != "" {
			fields[types.FieldParent] = parentLink
		}
	}

	created, err := run.Target.CreateItem(ctx, run.TargetProjectID, fields)
	if err != nil {
		return "", fmt.Errorf("failed to create %s item: %w", tgt, err)
	}
	run.targets[created.ID] = created
	run.candidates = append(run.candidates, created)

	next := &store.Record{}
	if rec != nil {
		next = rec.Clone()
	}
	next.ProjectKey = run.ProjectKey
	next.SetExternalID(src, item.ID)
	next.SetExternalID(tgt, created.ID)
	next.SetLastSeen(src, item.UpdatedAt)
	next.SetLastSeen(tgt, created.UpdatedAt)
	if src == types.SystemTracker {
		s.stamp(next, item)
	} else {
		s.stamp(next, created)
	}

	// If this fails the ref tag in the created item links it on the next pass.
	saved, err := s.store.Upsert(ctx, next)
	if err != nil {
		return "", fmt.Errorf("created %s %s but failed to record it: %w", tgt, created.ID, err)
	}
	run.Index.Put(saved)

	if src == types.SystemTracker && item.ParentID != "" {
		if err := s.recordParent(ctx, run, saved, item.ParentID, parentLink); err != nil {
			return "", err
		}
		if parentLink == "" {
			s.deferParent(run, saved.CanonicalID, created.ID, item.ParentID)
		}
	}

	s.logger.Printf("Created %s %s from %s %s: %s", tgt, created.ID, src, item.ID, item.Title)
	return telemetry.OutcomeCreated, nil
}

// reconcile brings a linked target item in line with item when the conflict
// resolver lets the source win. fresh is set when the link was made by this
// pass and still has to be persisted.
func (s *syncer) reconcile(ctx context.Context, run *passRun, item *types.Item, rec *store.Record, target *types.Item, fresh bool) (string, error) {
	src, tgt := run.Direction.Source, run.Direction.Target
	next := rec.Clone()
	dirty := fresh
	outcome := telemetry.OutcomeNoop

	changes := s.diff(run.Direction, item, target)
	if len(changes) == 0 {
		if item.UpdatedAt.After(next.LastSeen(src)) {
			next.SetLastSeen(src, item.UpdatedAt)
			dirty = true
		}
		if target.UpdatedAt.After(next.LastSeen(tgt)) {
			next.SetLastSeen(tgt, target.UpdatedAt)
			dirty = true
		}
		if s.stamp(next, trackerSide(run.Direction, item, target)) {
			dirty = true
		}
	} else {
		d := s.decide(run.Direction, rec, item, target)
		if !sourceWins(run.Direction, d) {
			outcome = telemetry.OutcomeSkipped
		} else {
			updated, err := s.apply(ctx, run, target.ID, changes)
			if err != nil {
				return "", err
			}
			// A pair linked by this pass has no history to conflict with.
			if d.Conflict && !(rec.LastSeen(src).IsZero() && rec.LastSeen(tgt).IsZero()) {
				s.recordConflict(ctx, run, rec, item, target)
			}
			target = updated
			run.targets[target.ID] = target
			next.SetLastSeen(src, item.UpdatedAt)
			next.SetLastSeen(tgt, target.UpdatedAt)
			s.stamp(next, trackerSide(run.Direction, item, target))
			dirty = true
			outcome = telemetry.OutcomeUpdated
		}
	}

	if dirty {
		next.ProjectKey = run.ProjectKey
		saved, err := s.store.Upsert(ctx, next)
		if err != nil {
			return "", fmt.Errorf("failed to update correlation %s: %w", next.CanonicalID, err)
		}
		run.Index.Put(saved)
		next = saved
	}

	if src == types.SystemTracker {
		if err := s.syncParent(ctx, run, next, item, target); err != nil {
			return "", err
		}
	} else {
		s.reportParentDrift(run, next, item)
	}
	return outcome, nil
}

// reportParentDrift logs when item sits under a different parent in its own
// system than the tracker hierarchy says. The next tracker pass restores it.
func (s *syncer) reportParentDrift(run *passRun, rec *store.Record, item *types.Item) {
	src := run.Direction.Source
	want := rec.ParentLink(src)
	if item.ParentID == want || (want == "" && rec.ParentCanonicalID != "") {
		return
	}
	s.logger.Printf("WARNING: %s %s has parent %q but the tracker hierarchy gives %q; the next %s pass restores it",
		src, item.ID, item.ParentID, want, run.Direction.Reverse())
}

// diff lists the field writes that would make target match item. Enum fields
// are equal when they fall in the same canonical bucket in either system,
// which keeps lossy mappings (two native values sharing one bucket) stable.
func (s *syncer) diff(dir Direction, item, target *types.Item) []change {
	var out []change

	if strings.TrimSpace(item.Title) != strings.TrimSpace(target.Title) {
		out = append(out, change{types.FieldTitle, item.Title})
	}

	desc := identity.StripRefs(item.Description)
	if strings.TrimSpace(desc) != strings.TrimSpace(identity.StripRefs(target.Description)) {
		for _, ref := range identity.ParseRefs(target.Description) {
			desc = identity.EmbedRef(desc, ref.System, ref.ID)
		}
		out = append(out, change{types.FieldDescription, desc})
	}

	for _, f := range []types.Field{types.FieldStatus, types.FieldPriority} {
		want := s.vocab.Translate(dir.Source, dir.Target, f, item.Get(f))
		if s.vocab.Equivalent(dir.Target, f, want, target.Get(f)) {
			continue
		}
		back := s.vocab.Translate(dir.Target, dir.Source, f, target.Get(f))
		if s.vocab.Equivalent(dir.Source, f, item.Get(f), back) {
			continue
		}
		out = append(out, change{f, want})
	}
	return out
}

// decide runs the conflict resolver with the tracker as side A.
func (s *syncer) decide(dir Direction, rec *store.Record, item, target *types.Item) conflict.Decision {
	a, b := item, target
	other := dir.Target
	if dir.Source != types.SystemTracker {
		a, b = target, item
		other = dir.Source
	}
	return conflict.Resolve(conflict.Input{
		LastSeenA:    rec.LastSeen(types.SystemTracker),
		LastSeenB:    rec.LastSeen(other),
		CurrentA:     a.UpdatedAt,
		CurrentB:     b.UpdatedAt,
		HashA:        s.hash(types.SystemTracker, a),
		HashB:        s.hash(other, b),
		BaselineHash: rec.ContentHash,
	})
}

// sourceWins maps a decision onto the pass direction. When neither side
// moved but the values still differ (an earlier update was interrupted),
// the tracker is authoritative.
func sourceWins(dir Direction, d conflict.Decision) bool {
	switch d.Outcome {
	case conflict.ApplyAToB:
		return dir.Source == types.SystemTracker
	case conflict.ApplyBToA:
		return dir.Source != types.SystemTracker
	}
	return dir.Source == types.SystemTracker
}

// apply writes each change and returns the item as stored after the last one.
func (s *syncer) apply(ctx context.Context, run *passRun, id string, changes []change) (*types.Item, error) {
	var updated *types.Item
	for _, c := range changes {
		it, err := run.Target.UpdateItem(ctx, id, c.field, c.value)
		if err != nil {
			return nil, fmt.Errorf("failed to update %s of %s %s: %w", c.field, run.Direction.Target, id, err)
		}
		updated = it
	}
	s.logger.Printf("Updated %s %s from %s (%d fields)", run.Direction.Target, id, run.Direction.Source, len(changes))
	return updated, nil
}

func (s *syncer) recordConflict(ctx context.Context, run *passRun, rec *store.Record, winner, loser *types.Item) {
	src, tgt := run.Direction.Source, run.Direction.Target
	s.logger.Printf("CONFLICT: %s edited in both %s and %s; keeping %s (%s), dropping %s edit (status=%q priority=%q title=%q)",
		rec.CanonicalID, src, tgt, src, winner.UpdatedAt.Format(time.RFC3339), tgt,
		loser.Status, loser.Priority, loser.Title)

	run.res.Conflicts++
	s.metrics.RecordConflict(ctx, run.Direction.String())

	err := s.store.RecordConflict(ctx, &store.Conflict{
		CanonicalID:   rec.CanonicalID,
		Direction:     run.Direction.String(),
		Winner:        src,
		Loser:         tgt,
		LoserTitle:    loser.Title,
		LoserStatus:   loser.Status,
		LoserPriority: loser.Priority,
		WinnerAt:      winner.UpdatedAt,
		LoserAt:       loser.UpdatedAt,
	})
	if err != nil {
		s.logger.Printf("WARNING: failed to record conflict for %s: %v", rec.CanonicalID, err)
	}
}

// syncParent mirrors the tracker's parent of item onto the target item.
func (s *syncer) syncParent(ctx context.Context, run *passRun, rec *store.Record, item, target *types.Item) error {
	tgt := run.Direction.Target

	want, pending := "", false
	if item.ParentID != "" {
		want, pending = s.parentLink(run, item.ParentID)
	}

	current := rec.ParentLink(tgt)
	if target != nil {
		current = target.ParentID
	}

	switch {
	case want != "" && current != want:
		updated, err := run.Target.UpdateItem(ctx, target.ID, types.FieldParent, want)
		if err != nil {
			return fmt.Errorf("failed to link %s %s to parent %s: %w", tgt, target.ID, want, err)
		}
		run.targets[updated.ID] = updated
		s.logger.Printf("Linked %s %s to parent %s", tgt, target.ID, want)
	case want == "" && current != "":
		if _, err := run.Target.UpdateItem(ctx, target.ID, types.FieldParent, ""); err != nil {
			s.logger.Printf("WARNING: failed to remove stale parent %s from %s %s: %v", current, tgt, target.ID, err)
		} else {
			s.logger.Printf("Removed stale parent %s from %s %s", current, tgt, target.ID)
		}
	}

	if rec.ParentCanonicalID != item.ParentID || rec.ParentLink(tgt) != want {
		if err := s.recordParent(ctx, run, rec, item.ParentID, want); err != nil {
			return err
		}
	}
	if pending {
		s.deferParent(run, rec.CanonicalID, target.ID, item.ParentID)
	}
	return nil
}

// parentLink returns the parent's id in the target. pending is set when the
// parent exists but is not linked in the target yet.
func (s *syncer) parentLink(run *passRun, parentCanonicalID string) (link string, pending bool) {
	prec := run.Index.Get(parentCanonicalID)
	if prec == nil {
		return "", true
	}
	if prec.Deleted(run.Direction.Source) || prec.Deleted(run.Direction.Target) {
		return "", false
	}
	link = prec.ExternalID(run.Direction.Target)
	return link, link == ""
}

func (s *syncer) recordParent(ctx context.Context, run *passRun, rec *store.Record, parentCanonicalID, link string) error {
	if err := s.store.SetParentLink(ctx, rec.CanonicalID, parentCanonicalID, run.Direction.Target, link); err != nil {
		return fmt.Errorf("failed to record parent of %s: %w", rec.CanonicalID, err)
	}
	s.reindex(ctx, run, rec.CanonicalID)
	return nil
}

func (s *syncer) deferParent(run *passRun, canonicalID, targetID, parentID string) {
	run.deferred = append(run.deferred, pendingLink{canonicalID: canonicalID, targetID: targetID, parentID: parentID})
}

// retryDeferred applies parent links whose parent was linked later in the
// same pass. Whatever is still missing stays pending on the record.
func (s *syncer) retryDeferred(ctx context.Context, run *passRun) {
	for _, p := range run.deferred {
		link, _ := s.parentLink(run, p.parentID)
		if link == "" {
			run.res.Deferred++
			continue
		}
		if _, err := run.Target.UpdateItem(ctx, p.targetID, types.FieldParent, link); err != nil {
			s.logger.Printf("WARNING: failed to link deferred parent %s of %s: %v", link, p.targetID, err)
			run.res.Deferred++
			continue
		}
		if err := s.store.SetParentLink(ctx, p.canonicalID, p.parentID, run.Direction.Target, link); err != nil {
			s.logger.Printf("WARNING: failed to record deferred parent of %s: %v", p.canonicalID, err)
			continue
		}
		s.reindex(ctx, run, p.canonicalID)
		s.logger.Printf("Linked deferred parent %s of %s %s", link, run.Direction.Target, p.targetID)
	}
}

// detectDeletions marks records whose source item no longer exists.
func (s *syncer) detectDeletions(ctx context.Context, run *passRun) {
	src := run.Direction.Source
	for _, rec := range run.Index.Records() {
		id := rec.ExternalID(src)
		if id == "" || run.seen[id] || rec.Deleted(src) {
			continue
		}
		if err := s.store.MarkDeleted(ctx, rec.CanonicalID, src); err != nil {
			s.logger.Printf("WARNING: failed to mark %s deleted from %s: %v", rec.CanonicalID, src, err)
			continue
		}
		s.reindex(ctx, run, rec.CanonicalID)
		run.res.Deleted++
		s.logger.Printf("%s %s is gone; %s marked deleted from %s", src, id, rec.CanonicalID, src)
	}
}

// reindex reloads a record from the store into the pass index.
func (s *syncer) reindex(ctx context.Context, run *passRun, canonicalID string) {
	rec, err := s.store.Get(ctx, canonicalID)
	if err != nil {
		s.logger.Printf("WARNING: failed to reload correlation %s: %v", canonicalID, err)
		return
	}
	run.Index.Put(rec)
}

// stamp copies the canonical content of it (a tracker item) onto rec and
// reports whether anything changed.
func (s *syncer) stamp(rec *store.Record, it *types.Item) bool {
	status := s.vocab.ToCanonical(types.SystemTracker, types.FieldStatus, it.Status)
	priority := s.vocab.ToCanonical(types.SystemTracker, types.FieldPriority, it.Priority)
	hash := s.hash(types.SystemTracker, it)
	if rec.Title == it.Title && rec.Status == status && rec.Priority == priority && rec.ContentHash == hash {
		return false
	}
	rec.Title = it.Title
	rec.Status = status
	rec.Priority = priority
	rec.ContentHash = hash
	return true
}

// hash fingerprints the content of it in the canonical vocabulary.
func (s *syncer) hash(sys types.System, it *types.Item) string {
	return store.ContentHash(
		it.Title,
		identity.StripRefs(it.Description),
		s.vocab.ToCanonical(sys, types.FieldStatus, it.Status),
		s.vocab.ToCanonical(sys, types.FieldPriority, it.Priority),
	)
}

// trackerSide returns whichever of the pair lives in the tracker.
func trackerSide(dir Direction, item, target *types.Item) *types.Item {
	if dir.Source == types.SystemTracker {
		return item
	}
	return target
}
