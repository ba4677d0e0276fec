// Package repository defines the errors and parameter types shared by the
// job store implementations (postgresql for production, memory for tests
// and single-process development).
package repository

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost is returned by lease renewal when the caller's token no
	// longer owns the job (the reconciler reclaimed it, or the job reached
	// a terminal state through another path).
	ErrLeaseLost = errors.New("lease lost")
)

// SubmitParams are the caller-supplied fields of a new job.
type SubmitParams struct {
	ResourceID    string
	OwnerID       string
	Kind          string
	Priority      int
	ExpectedBytes *int64
}

// Messages written into error_message by the store and reconciler. The web
// layer shows these verbatim, so they are phrased for end users.
const (
	MsgCancelled    = "cancelled by operator"
	MsgStaleTimeout = "timed out waiting in queue"
)
