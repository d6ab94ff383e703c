// Package orchestrator implements the sync core: trigger admission, job
// execution, conflict escalation, the release gate and the reset
// operation, over the job ledger and the pair's clone.
package orchestrator

import (
	"context"
	"errors"

	"github.com/mirrorops/mirrorsyncd/internal/gitops"
)

// Admission rejections. Rejected requests are not queued; the caller or
// scheduler may retry later.

// ErrBusy is returned when a job is already running for the same
// destination-branch key.
var ErrBusy = errors.New("a sync job is already running for this destination")

// ErrBlockedByConflict is returned when an unresolved conflict report
// exists for the destination-branch key.
var ErrBlockedByConflict = errors.New("destination is blocked by an unresolved conflict report")

// ErrHistoryMismatch indicates the destination history gained commits the
// source does not have: a concurrent, unexpected branch mutation. Never
// silently overwritten, never retried.
var ErrHistoryMismatch = errors.New("destination history changed unexpectedly")

// ErrConfiguration indicates an admission-time configuration problem; the
// job never reaches running and no state is mutated.
var ErrConfiguration = errors.New("configuration error")

// Classification buckets every terminal failure. The dispatcher decides
// retry versus escalate from the classification alone, never from error
// text.
type Classification string

const (
	ClassTransient        Classification = "transient"
	ClassAuthorization    Classification = "authorization"
	ClassMergeConflict    Classification = "merge_conflict"
	ClassHistoryMismatch  Classification = "history_mismatch"
	ClassConfiguration    Classification = "configuration"
	ClassPermanentFailure Classification = "permanent_failure"
)

// Retryable reports whether the dispatcher may re-admit an equivalent job.
func (c Classification) Retryable() bool {
	return c == ClassTransient
}

// Classify maps an execution failure onto the taxonomy.
func Classify(err error) Classification {
	switch {
	case errors.Is(err, gitops.ErrMergeConflict):
		return ClassMergeConflict
	case errors.Is(err, ErrHistoryMismatch), errors.Is(err, gitops.ErrNotFastForward):
		return ClassHistoryMismatch
	case errors.Is(err, gitops.ErrAuthRequired), errors.Is(err, gitops.ErrAuthFailed):
		return ClassAuthorization
	case errors.Is(err, ErrConfiguration), errors.Is(err, gitops.ErrBranchMissing), errors.Is(err, gitops.ErrResolveFailed):
		return ClassConfiguration
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		// Network and transport failures land here.
		return ClassTransient
	}
}
