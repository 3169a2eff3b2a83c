// Package conflict decides which side of a pair wins when an item may have
// changed in both systems since the last sync.
//
// The decision is made from last-seen watermarks and current modification
// timestamps only. There is no field-level merge: the losing side's edit is
// dropped for the pass and reported as a conflict so callers can log it.
package conflict

import "time"

// Outcome is the resolver's decision.
type Outcome int

const (
	// NoOp means neither side changed.
	NoOp Outcome = iota
	// ApplyAToB means the primary side's values should overwrite the other side.
	ApplyAToB
	// ApplyBToA means the other side's values should overwrite the primary side.
	ApplyBToA
)

func (o Outcome) String() string {
	switch o {
	case NoOp:
		return "noop"
	case ApplyAToB:
		return "apply-a-to-b"
	case ApplyBToA:
		return "apply-b-to-a"
	}
	return "unknown"
}

// Input describes one correlated pair. A is always the primary system's side.
//
// A zero Current timestamp means unknown and counts as unchanged. When
// BaselineHash is set, a side whose hash equals it is unchanged even if its
// timestamp moved; that filters out timestamp-only noise.
type Input struct {
	LastSeenA time.Time
	LastSeenB time.Time
	CurrentA  time.Time
	CurrentB  time.Time

	HashA        string
	HashB        string
	BaselineHash string
}

// Decision is the resolver's result.
type Decision struct {
	Outcome  Outcome
	ChangedA bool
	ChangedB bool
	// Conflict is set when both sides changed; the loser's edit is dropped.
	Conflict bool
}

// Resolve applies the decision table:
//
//	changedA  changedB  outcome
//	no        no        NoOp
//	yes       no        ApplyAToB
//	no        yes       ApplyBToA
//	yes       yes       later current timestamp wins, ties go to A
func Resolve(in Input) Decision {
	d := Decision{
		ChangedA: changed(in.LastSeenA, in.CurrentA, in.HashA, in.BaselineHash),
		ChangedB: changed(in.LastSeenB, in.CurrentB, in.HashB, in.BaselineHash),
	}

	switch {
	case !d.ChangedA && !d.ChangedB:
		d.Outcome = NoOp
	case d.ChangedA && !d.ChangedB:
		d.Outcome = ApplyAToB
	case !d.ChangedA && d.ChangedB:
		d.Outcome = ApplyBToA
	default:
		d.Conflict = true
		if in.CurrentB.After(in.CurrentA) {
			d.Outcome = ApplyBToA
		} else {
			d.Outcome = ApplyAToB
		}
	}
	return d
}

func changed(lastSeen, current time.Time, hash, baseline string) bool {
	if current.IsZero() {
		return false
	}
	if !current.After(lastSeen) {
		return false
	}
	if baseline != "" && hash == baseline {
		return false
	}
	return true
}
