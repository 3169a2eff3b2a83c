// Package sync implements the directional sync pass: one sweep over a
// project's items in a source system that propagates them into a target.
//
// Overview
//
// A cycle runs four passes in a fixed order, every one of them paired with
// the tracker:
//
//	tracker -> board
//	board   -> tracker
//	tracker -> beads
//	beads   -> tracker
//
// For every source item a pass resolves its counterpart (identity package),
// then either creates it in the target, updates the target field by field,
// or does nothing. Whether an update is allowed is decided by the conflict
// package from the per-system watermarks kept on the correlation record.
//
// No-op exit
//
// Desired values are compared with the target's current values before the
// conflict resolver is consulted. Enum fields compare by canonical bucket, so
// "doing" on the board and "InProgress" in the tracker are equal. When every
// field is equal the pass only advances watermarks. This is what keeps two
// passes over the same pair from rewriting each other forever.
//
// Hierarchy
//
// The tracker owns parent/child links. Passes whose source is the tracker
// mirror the link into the target once the parent itself is linked there;
// until then the desired parent is persisted on the record and retried at
// the end of the pass and on every later pass.
//
// Error Handling
//
// A failing item (including a panic) is recorded in Result.Errors with its
// id and does not stop the pass. Run only returns an error for an invalid
// Pass or when the store cannot be written at all.
package sync
