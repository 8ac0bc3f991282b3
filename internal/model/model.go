package model

import (
	"errors"
	"time"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
)

var ErrNotFound = errors.New("not found")

// JobSnapshot is a read-only copy of a render job's aggregate state.
//
// - Progress counts tasks that finished successfully (including overwrite skips).
// - Failed counts tasks that finished unsuccessfully.
// - Time is the run's elapsed wall-clock seconds, nil until the job completes.
type JobSnapshot struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Time      *float64  `json:"time"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Done reports how many tasks have reached an outcome.
func (s JobSnapshot) Done() int { return s.Progress + s.Failed }

// Duration returns the recorded run time, zero while the job is running.
func (s JobSnapshot) Duration() time.Duration {
	if s.Time == nil {
		return 0
	}
	return time.Duration(*s.Time * float64(time.Second))
}

// JobPatch is used for partial updates.
type JobPatch struct {
	Status   *JobStatus
	Progress *int
	Failed   *int
	Time     *float64
}

// PatchFromSnapshot builds a patch that carries every mutable field of s.
func PatchFromSnapshot(s JobSnapshot) JobPatch {
	status := s.Status
	progress := s.Progress
	failed := s.Failed
	return JobPatch{
		Status:   &status,
		Progress: &progress,
		Failed:   &failed,
		Time:     s.Time,
	}
}
