package sync

import (
	"context"
	"time"

	"github.com/steveyegge/tracksync/internal/store"
	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/types"
)

// Syncer runs directional sync passes.
//
// A Syncer holds no per-pass state; the same instance can run passes for
// different projects concurrently. Passes for the same project must not
// overlap, which the daemon's controller guarantees.
type Syncer interface {
	// Run performs one pass over p.SourceItems.
	//
	// Every item is processed independently: failures are collected in the
	// result and the pass continues with the next item. Records created or
	// changed by the pass are written to the store and to p.Index, so a
	// later pass in the same cycle sees them without reloading.
	//
	// Returns an error only if p is incomplete.
	//
	// Example:
	//   res, err := syncer.Run(ctx, &sync.Pass{
	//       Direction:       sync.TrackerToBoard,
	//       ProjectKey:      "web",
	//       TargetProjectID: "board-web",
	//       Target:          boardClient,
	//       Index:           idx,
	//       SourceItems:     trackerItems,
	//       TargetItems:     boardItems,
	//   })
	Run(ctx context.Context, p *Pass) (*Result, error)
}

// Direction is an ordered (source, target) pair.
type Direction struct {
	Source types.System
	Target types.System
}

func (d Direction) String() string {
	return string(d.Source) + "->" + string(d.Target)
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	return Direction{Source: d.Target, Target: d.Source}
}

// The four passes of a cycle.
var (
	TrackerToBoard = Direction{Source: types.SystemTracker, Target: types.SystemBoard}
	BoardToTracker = Direction{Source: types.SystemBoard, Target: types.SystemTracker}
	TrackerToBeads = Direction{Source: types.SystemTracker, Target: types.SystemBeads}
	BeadsToTracker = Direction{Source: types.SystemBeads, Target: types.SystemTracker}
)

// Cycle lists the passes in the order a cycle runs them.
var Cycle = []Direction{TrackerToBoard, BoardToTracker, TrackerToBeads, BeadsToTracker}

// Pass is the input of one directional pass.
type Pass struct {
	Direction  Direction
	ProjectKey string
	// TargetProjectID is the project new items are created in.
	TargetProjectID string
	Target          tracker.Client
	Index           *store.Index

	SourceItems []*types.Item
	// TargetItems is the target's current item list plus any items fetched
	// ahead of the pass by id.
	TargetItems []*types.Item
	// Gone holds target ids already confirmed missing, so the pass does not
	// look them up again.
	Gone map[string]bool
}

// ItemError attributes a failure to one source item.
type ItemError struct {
	Item    string `json:"item"`
	Message string `json:"message"`
}

// Result summarizes a pass.
type Result struct {
	Direction string        `json:"direction"`
	Synced    int           `json:"synced"`
	Skipped   int           `json:"skipped"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Conflicts int           `json:"conflicts"`
	Deferred  int           `json:"deferred"`
	Deleted   int           `json:"deleted"`
	Errors    []ItemError   `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Add folds o's counters into r.
func (r *Result) Add(o *Result) {
	if o == nil {
		return
	}
	r.Synced += o.Synced
	r.Skipped += o.Skipped
	r.Created += o.Created
	r.Updated += o.Updated
	r.Conflicts += o.Conflicts
	r.Deferred += o.Deferred
	r.Deleted += o.Deleted
	r.Errors = append(r.Errors, o.Errors...)
	r.Duration += o.Duration
}
