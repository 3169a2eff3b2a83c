package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	t100 = time.Unix(100, 0)
	t150 = time.Unix(150, 0)
	t160 = time.Unix(160, 0)
	t170 = time.Unix(170, 0)
)

func TestResolve_DecisionTable(t *testing.T) {
	tests := []struct {
		name         string
		in           Input
		wantOutcome  Outcome
		wantConflict bool
	}{
		{
			name:        "neither changed",
			in:          Input{LastSeenA: t100, LastSeenB: t100, CurrentA: t100, CurrentB: t100},
			wantOutcome: NoOp,
		},
		{
			name:        "only A changed",
			in:          Input{LastSeenA: t100, LastSeenB: t100, CurrentA: t150, CurrentB: t100},
			wantOutcome: ApplyAToB,
		},
		{
			name:        "only B changed",
			in:          Input{LastSeenA: t100, LastSeenB: t100, CurrentA: t100, CurrentB: t150},
			wantOutcome: ApplyBToA,
		},
		{
			name:         "both changed, B later",
			in:           Input{LastSeenA: t100, LastSeenB: t100, CurrentA: t160, CurrentB: t170},
			wantOutcome:  ApplyBToA,
			wantConflict: true,
		},
		{
			name:         "both changed, A later",
			in:           Input{LastSeenA: t100, LastSeenB: t100, CurrentA: t170, CurrentB: t160},
			wantOutcome:  ApplyAToB,
			wantConflict: true,
		},
		{
			name:         "both changed, tie favors A",
			in:           Input{LastSeenA: t100, LastSeenB: t100, CurrentA: t160, CurrentB: t160},
			wantOutcome:  ApplyAToB,
			wantConflict: true,
		},
		{
			name:        "unknown current counts as unchanged",
			in:          Input{LastSeenA: t100, LastSeenB: t100, CurrentB: t150},
			wantOutcome: ApplyBToA,
		},
		{
			name:        "never seen, B present",
			in:          Input{CurrentA: time.Time{}, CurrentB: t150},
			wantOutcome: ApplyBToA,
		},
		{
			name: "timestamp noise filtered by hash",
			in: Input{
				LastSeenA: t100, LastSeenB: t100, CurrentA: t150, CurrentB: t100,
				HashA: "h1", BaselineHash: "h1",
			},
			wantOutcome: NoOp,
		},
		{
			name: "hash differs, real change",
			in: Input{
				LastSeenA: t100, LastSeenB: t100, CurrentA: t150, CurrentB: t100,
				HashA: "h2", BaselineHash: "h1",
			},
			wantOutcome: ApplyAToB,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(tt.in)
			assert.Equal(t, tt.wantOutcome, d.Outcome, "outcome")
			assert.Equal(t, tt.wantConflict, d.Conflict, "conflict")
		})
	}
}

// Scenario: both sides edited, the board's edit is later, so it wins and the
// tracker's edit is reported as a conflict.
func TestResolve_ConcurrentEditLaterWins(t *testing.T) {
	d := Resolve(Input{LastSeenA: t100, LastSeenB: t100, CurrentA: t160, CurrentB: t170})
	assert.True(t, d.ChangedA)
	assert.True(t, d.ChangedB)
	assert.True(t, d.Conflict)
	assert.Equal(t, ApplyBToA, d.Outcome)
	assert.Equal(t, "apply-b-to-a", d.Outcome.String())
}
