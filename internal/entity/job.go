package entity

import (
	"time"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusClaimed   JobStatus = "claimed"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a job in this status counts against the
// one-active-job-per-resource rule.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusClaimed || s == StatusRunning
}

// IsValidStatus returns true if s is a known job status.
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case StatusPending, StatusClaimed, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

type JobKind string

const (
	KindDownload   JobKind = "download"
	KindTranscribe JobKind = "transcribe"
	KindTranslate  JobKind = "translate"
)

// IsValidKind returns true if k is a known job kind.
func IsValidKind(k string) bool {
	switch JobKind(k) {
	case KindDownload, KindTranscribe, KindTranslate:
		return true
	default:
		return false
	}
}

// Priority bounds: 1 is most urgent, 5 is least.
const (
	PriorityHighest = 1
	PriorityDefault = 3
	PriorityLowest  = 5
)

// ClampPriority forces p into the valid 1..5 range, defaulting out-of-range
// values to normal.
func ClampPriority(p int) int {
	if p < PriorityHighest || p > PriorityLowest {
		return PriorityDefault
	}
	return p
}

// Job is one row of the durable queue. The store is the single source of
// truth: dispatchers, the observer and the reconciler coordinate only
// through these fields.
//
// Field ownership: status, lease and terminal fields belong to the
// dispatcher and reconciler; progress_bytes/progress_percent belong to the
// progress observer. The two sets never overlap, which is what lets the
// observer run without any locking against the dispatcher.
type Job struct {
	ID              int64      `json:"id"`
	ResourceID      string     `json:"resource_id"`
	OwnerID         string     `json:"owner_id"`
	Kind            JobKind    `json:"kind"`
	Priority        int        `json:"priority"`
	Status          JobStatus  `json:"status"`
	ProgressBytes   int64      `json:"progress_bytes"`
	ProgressPct     int        `json:"progress_percent"`
	ExpectedBytes   *int64     `json:"expected_bytes,omitempty"`
	LeaseToken      *string    `json:"lease_token,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	Attempt         int        `json:"attempt"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// LeaseExpired reports whether the job holds a lease that lapsed before now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}
