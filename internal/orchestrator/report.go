package orchestrator

import (
	"time"

	"github.com/steveyegge/tracksync/internal/sync"
)

// PassReport is the outcome of one pass. Result is nil when the pass could
// not start (for example when listing items failed).
type PassReport struct {
	Direction string       `json:"direction"`
	Result    *sync.Result `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Report summarizes one cycle.
type Report struct {
	RunID        string        `json:"run_id"`
	Project      string        `json:"project"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Passes       []PassReport  `json:"passes"`
	Totals       sync.Result   `json:"totals"`
	Published    bool          `json:"published"`
	PublishError string        `json:"publish_error,omitempty"`
}

// FailedPasses counts passes that returned an error.
func (r *Report) FailedPasses() int {
	n := 0
	for _, p := range r.Passes {
		if p.Error != "" {
			n++
		}
	}
	return n
}

// Success reports whether every pass ran and nothing failed.
func (r *Report) Success() bool {
	return r.FailedPasses() == 0 && len(r.Totals.Errors) == 0 && r.PublishError == ""
}
