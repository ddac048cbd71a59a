package models

import "time"

// RestoreStatus is the lifecycle state of a restore request.
type RestoreStatus string

const (
	RestorePending   RestoreStatus = "pending"
	RestoreRunning   RestoreStatus = "in_progress"
	RestorePartial   RestoreStatus = "partially_completed"
	RestoreCompleted RestoreStatus = "completed"
	RestoreFailed    RestoreStatus = "failed"
)

// TargetOutcome is the per-target result of one restore request.
type TargetOutcome string

const (
	OutcomeCompleted TargetOutcome = "completed"
	OutcomeFailed    TargetOutcome = "failed"
	OutcomeSkipped   TargetOutcome = "skipped" // not attempted: cancelled before its turn
)

// TargetResult reports what happened to one target within a restore request.
type TargetResult struct {
	TargetID string        `json:"targetId"`
	Outcome  TargetOutcome `json:"outcome"`
	JobID    string        `json:"jobId,omitempty"` // catalog entry applied
	Error    string        `json:"error,omitempty"`
}

// RestoreRequest is an operator-issued point-in-time restore across a set of
// targets. It is owned exclusively by the restore orchestrator for its
// lifetime; AsOf and JobID are mutually exclusive selectors.
type RestoreRequest struct {
	ID         string         `json:"id"`
	TargetIDs  []string       `json:"targetIds"`
	AsOf       *time.Time     `json:"asOf,omitempty"`
	JobID      string         `json:"jobId,omitempty"`
	DryRun     bool           `json:"dryRun"`
	Status     RestoreStatus  `json:"status"`
	Results    []TargetResult `json:"results"`
	CreatedAt  time.Time      `json:"createdAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// Aggregate derives the request status from its per-target results.
func (r *RestoreRequest) Aggregate() RestoreStatus {
	var ok, failed int
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeCompleted:
			ok++
		case OutcomeFailed:
			failed++
		}
	}
	switch {
	case failed == 0 && ok == len(r.Results):
		return RestoreCompleted
	case ok == 0:
		return RestoreFailed
	default:
		return RestorePartial
	}
}
