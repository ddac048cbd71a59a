package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of one backup attempt.
type JobStatus string

const (
	StatusScheduled JobStatus = "scheduled"
	StatusRunning   JobStatus = "running"
	StatusVerifying JobStatus = "verifying"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition may leave this status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var jobTransitions = map[JobStatus][]JobStatus{
	StatusScheduled: {StatusRunning},
	StatusRunning:   {StatusVerifying, StatusFailed},
	StatusVerifying: {StatusCompleted, StatusFailed},
}

// BackupRecord is one backup attempt for a target. It is owned by the running
// job: created at Running entry, mutated only by that job, and frozen once it
// reaches a terminal status.
type BackupRecord struct {
	TargetID    string    `json:"targetId"`
	JobID       string    `json:"jobId"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Status      JobStatus `json:"status"`
	ArtifactURI string    `json:"artifactUri"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	Verified    bool      `json:"verified"`
}

// Transition advances the record's status, rejecting any move the job state
// machine does not allow (in particular, any move out of a terminal state).
func (r *BackupRecord) Transition(next JobStatus) error {
	for _, allowed := range jobTransitions[r.Status] {
		if next == allowed {
			r.Status = next
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %s -> %s (job %s)", r.Status, next, r.JobID)
}
