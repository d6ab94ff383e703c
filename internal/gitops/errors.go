// Package gitops provides the version-control capability used by the
// orchestrator: fetch, merge, push, reset and history queries against the
// repository pair's local clone, implemented on go-git.
package gitops

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors checked with errors.Is(). These wrap underlying go-git
// errors while providing a stable API for consumers.

// ErrAlreadyUpToDate is returned when a fetch, merge, or push results in
// no changes because both sides are already synchronized.
var ErrAlreadyUpToDate = errors.New("already up to date")

// ErrAuthRequired is returned when an operation requires authentication
// but no credentials were provided or available.
var ErrAuthRequired = errors.New("authentication required")

// ErrAuthFailed is returned when authentication was attempted but failed.
var ErrAuthFailed = errors.New("authentication failed")

// ErrBranchMissing is returned when operating on a branch that does not exist.
var ErrBranchMissing = errors.New("branch does not exist")

// ErrNotFastForward is returned when a push cannot be performed as a
// fast-forward update and force was not requested.
var ErrNotFastForward = errors.New("not a fast-forward")

// ErrMergeConflict is returned when a merge encounters conflicts that
// cannot be resolved automatically. Use errors.As with *ConflictError to
// recover the conflicting paths.
var ErrMergeConflict = errors.New("merge conflict")

// ErrResolveFailed is returned when a revision cannot be resolved to a
// valid commit.
var ErrResolveFailed = errors.New("cannot resolve revision")

// ConflictError carries the paths that conflicted during a merge attempt.
// It matches ErrMergeConflict under errors.Is.
type ConflictError struct {
	// Paths lists the conflicting repository paths, sorted.
	Paths []string
}

func (e *ConflictError) Error() string {
	if len(e.Paths) == 0 {
		return "merge conflict: unrelated histories"
	}
	return fmt.Sprintf("merge conflict in %d path(s): %s", len(e.Paths), strings.Join(e.Paths, ", "))
}

// Is makes ConflictError match the ErrMergeConflict sentinel.
func (e *ConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

// WrapError wraps an error with additional context while preserving
// the ability to check against sentinel errors using errors.Is().
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
