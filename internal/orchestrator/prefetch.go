package orchestrator

import (
	"context"
	"errors"
	"sort"
	gosync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/tracksync/internal/store"
	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/types"
)

// prefetch fetches target items that records link to but the target list
// does not contain (moved, archived, or filtered out by the list call).
// It returns the items found and the ids confirmed missing. Other failures
// are logged and left for the pass to retry item by item.
func (o *Orchestrator) prefetch(ctx context.Context, target tracker.Client, idx *store.Index, listed []*types.Item) ([]*types.Item, map[string]bool) {
	sys := target.System()
	have := make(map[string]bool, len(listed))
	for _, it := range listed {
		have[it.ID] = true
	}

	var ids []string
	for _, rec := range idx.Records() {
		id := rec.ExternalID(sys)
		if id == "" || have[id] || rec.Deleted(sys) {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	var (
		mu      gosync.Mutex
		fetched []*types.Item
		gone    = make(map[string]bool)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.PrefetchConcurrency)
	for start := 0; start < len(ids); start += o.cfg.PrefetchBatch {
		batch := ids[start:min(start+o.cfg.PrefetchBatch, len(ids))]
		g.Go(func() error {
			found, missing := o.fetchBatch(gctx, target, batch)
			mu.Lock()
			defer mu.Unlock()
			fetched = append(fetched, found...)
			for _, id := range missing {
				gone[id] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].ID < fetched[j].ID })
	o.logger.Printf("Prefetched %d %s items (%d missing) outside the project list", len(fetched), sys, len(gone))
	return fetched, gone
}

// fetchBatch fetches one batch, in a single call when the client supports it.
func (o *Orchestrator) fetchBatch(ctx context.Context, target tracker.Client, ids []string) (found []*types.Item, missing []string) {
	if bg, ok := target.(tracker.BatchGetter); ok {
		items, err := bg.GetItems(ctx, ids)
		if err != nil {
			o.logger.Printf("WARNING: batch fetch of %d %s items failed: %v", len(ids), target.System(), err)
			return nil, nil
		}
		returned := make(map[string]bool, len(items))
		for _, it := range items {
			returned[it.ID] = true
		}
		for _, id := range ids {
			if !returned[id] {
				missing = append(missing, id)
			}
		}
		return items, missing
	}

	for _, id := range ids {
		it, err := target.GetItem(ctx, id)
		switch {
		case errors.Is(err, tracker.ErrNotFound):
			missing = append(missing, id)
		case err != nil:
			o.logger.Printf("WARNING: fetch of %s %s failed: %v", target.System(), id, err)
		default:
			found = append(found, it)
		}
	}
	return found, missing
}
