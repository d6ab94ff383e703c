package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mirrorops/mirrorsyncd/internal/config"
	"github.com/mirrorops/mirrorsyncd/internal/gitops"
	"github.com/mirrorops/mirrorsyncd/internal/ledger"
	"github.com/mirrorops/mirrorsyncd/internal/tracker"
)

// Executor runs one admitted job to a terminal status. It owns the ledger
// transitions for the job, the git operations of both directions and the
// tracker update on success. Conflicts and non-retryable failures are
// escalated before Run returns.
type Executor struct {
	cfg       *config.Config
	ledger    *ledger.Ledger
	git       gitops.Client
	tracker   *tracker.Tracker
	escalator *Escalator
	logger    *slog.Logger
}

func NewExecutor(cfg *config.Config, l *ledger.Ledger, git gitops.Client, tr *tracker.Tracker, esc *Escalator, logger *slog.Logger) *Executor {
	return &Executor{cfg: cfg, ledger: l, git: git, tracker: tr, escalator: esc, logger: logger}
}

type runResult struct {
	srcHead string
	dstHead string // destination head before the operation
	commit  string // resulting destination head
}

// Run executes a pending job and records its terminal state. The returned
// job reflects the final ledger row. A non-nil error means ledger or
// infrastructure failure, not an operation failure; operation failures are
// recorded on the job itself.
func (e *Executor) Run(ctx context.Context, job ledger.SyncJob) (ledger.SyncJob, error) {
	if err := e.ledger.MarkRunning(ctx, job.ID); err != nil {
		if !errors.Is(err, ledger.ErrAlreadyRunning) && !errors.Is(err, ledger.ErrInvalidTransition) {
			return job, err
		}
		// Lost the admission race to a concurrent trigger.
		if cerr := e.ledger.CancelPending(ctx, job.ID, ErrBusy.Error()); cerr != nil {
			e.logger.Error("failed to cancel raced job", "job", job.ID, "error", cerr)
		}
		done, jerr := e.ledger.Job(ctx, job.ID)
		if jerr != nil {
			done = job
		}
		return done, fmt.Errorf("destination %s: %w", job.DestBranch, ErrBusy)
	}

	opctx, cancel := context.WithTimeout(ctx, e.cfg.Sync.OperationTimeout.Std())
	defer cancel()

	var (
		res runResult
		err error
	)
	switch job.Direction {
	case ledger.DirectionPull:
		res, err = e.runPull(opctx, job)
	case ledger.DirectionPush:
		res, err = e.runPush(opctx, job)
	default:
		err = fmt.Errorf("unknown direction %q: %w", job.Direction, ErrConfiguration)
	}

	if err == nil {
		if rerr := e.recordSync(ctx, job, res); rerr != nil {
			e.logger.Error("branch state update failed", "job", job.ID, "error", rerr)
			e.refreshRecords(ctx, job)
		}
		if ferr := e.ledger.Finish(ctx, job.ID, ledger.StatusSucceeded, res.commit, "", false); ferr != nil {
			return job, ferr
		}
		e.logger.Info("job succeeded", "job", job.ID, "direction", job.Direction, "commit", res.commit)
		return e.ledger.Job(ctx, job.ID)
	}

	class := Classify(err)
	e.logger.Error("job failed",
		"job", job.ID, "direction", job.Direction, "classification", class, "error", err)

	status := ledger.StatusFailed
	if class == ClassMergeConflict {
		status = ledger.StatusConflict
	}
	if ferr := e.ledger.Finish(ctx, job.ID, status, "", err.Error(), class.Retryable()); ferr != nil {
		return job, ferr
	}

	// Transient failures are retried by the dispatcher; everything else
	// needs a human and is escalated now.
	if !class.Retryable() {
		var conflict *gitops.ConflictError
		details := EscalationDetails{Message: err.Error()}
		if errors.As(err, &conflict) {
			details.Paths = conflict.Paths
		}
		done, _ := e.ledger.Job(ctx, job.ID)
		if _, eerr := e.escalator.Escalate(ctx, done, class, details); eerr != nil {
			e.logger.Error("escalation failed", "job", job.ID, "error", eerr)
		}
	}
	return e.ledger.Job(ctx, job.ID)
}

// runPull merges the external main head into the local publish branch and
// pushes the result to the private side.
func (e *Executor) runPull(ctx context.Context, job ledger.SyncJob) (runResult, error) {
	var res runResult
	if err := e.git.Fetch(ctx, gitops.RemotePublic); err != nil {
		return res, err
	}
	if err := e.git.Fetch(ctx, gitops.RemotePrivate); err != nil {
		return res, err
	}

	srcHead, err := e.git.RemoteHead(gitops.RemotePublic, e.cfg.Branches.ExternalMain)
	if err != nil {
		return res, err
	}
	dstHead, err := e.git.Head(e.cfg.Branches.Publish)
	if err != nil {
		return res, err
	}
	res.srcHead, res.dstHead = srcHead, dstHead

	mres, err := e.git.Merge(ctx, srcHead, e.cfg.Branches.Publish)
	if err != nil {
		return res, err
	}
	if mres.UpToDate {
		res.commit = dstHead
		return res, nil
	}
	res.commit = mres.Commit

	if err := e.git.Push(ctx, gitops.RemotePrivate, e.cfg.Branches.Publish, e.cfg.Branches.Publish, false); err != nil {
		if !errors.Is(err, gitops.ErrAlreadyUpToDate) {
			return res, err
		}
	}

	e.verifyMirror(job, mres.Commit, srcHead)
	return res, nil
}

// runPush publishes the local publish branch head as the new external
// main. The external head must be an ancestor of what we push; anything
// else is a history mismatch and is never overwritten.
func (e *Executor) runPush(ctx context.Context, job ledger.SyncJob) (runResult, error) {
	var res runResult
	if err := e.git.Fetch(ctx, gitops.RemotePublic); err != nil {
		return res, err
	}

	srcHead, err := e.git.Head(e.cfg.Branches.Publish)
	if err != nil {
		return res, err
	}
	res.srcHead = srcHead

	extHead, err := e.git.RemoteHead(gitops.RemotePublic, e.cfg.Branches.ExternalMain)
	switch {
	case errors.Is(err, gitops.ErrBranchMissing):
		// First push to an empty external main.
	case err != nil:
		return res, err
	default:
		res.dstHead = extHead
		if extHead == srcHead {
			res.commit = srcHead
			return res, nil
		}
		ok, aerr := e.git.IsAncestor(extHead, srcHead)
		if aerr != nil {
			return res, aerr
		}
		if !ok {
			return res, fmt.Errorf("external main %s is not an ancestor of publish head %s: %w",
				short(extHead), short(srcHead), ErrHistoryMismatch)
		}
	}

	if err := e.git.Push(ctx, gitops.RemotePublic, e.cfg.Branches.Publish, e.cfg.Branches.ExternalMain, false); err != nil {
		if errors.Is(err, gitops.ErrNotFastForward) {
			return res, fmt.Errorf("push rejected: %w", ErrHistoryMismatch)
		}
		if !errors.Is(err, gitops.ErrAlreadyUpToDate) {
			return res, err
		}
	}
	res.commit = srcHead
	return res, nil
}

// recordSync updates both branch records through the tracker's
// compare-and-set. A stale record is refreshed from the clone and retried
// once.
func (e *Executor) recordSync(ctx context.Context, job ledger.SyncJob, res runResult) error {
	src := parseRef(job.SourceBranch)
	dst := parseRef(job.DestBranch)

	expectedSrc, err := e.tracker.Head(ctx, src)
	if err != nil {
		return err
	}
	expectedDst, err := e.tracker.Head(ctx, dst)
	if err != nil {
		return err
	}

	err = e.tracker.RecordSync(ctx, src, dst, expectedSrc, expectedDst, res.srcHead, res.commit)
	if !errors.Is(err, ledger.ErrStaleState) {
		return err
	}

	e.logger.Warn("stale branch record, refreshing", "job", job.ID)
	if expectedSrc, err = e.tracker.Refresh(ctx, src); err != nil {
		return err
	}
	if expectedDst, err = e.tracker.Refresh(ctx, dst); err != nil {
		return err
	}
	return e.tracker.RecordSync(ctx, src, dst, expectedSrc, expectedDst, res.srcHead, res.commit)
}

// refreshRecords overwrites both branch records from the clone after a
// failed recordSync, so status output reflects ground truth rather than
// the pre-sync heads.
func (e *Executor) refreshRecords(ctx context.Context, job ledger.SyncJob) {
	for _, ref := range []tracker.Ref{parseRef(job.SourceBranch), parseRef(job.DestBranch)} {
		if _, err := e.tracker.Refresh(ctx, ref); err != nil {
			e.logger.Warn("branch record refresh failed", "job", job.ID, "ref", ref.String(), "error", err)
		}
	}
}

// verifyMirror checks that after a pull the destination content matches
// the source outside the exclusion set. A residual difference cannot be
// fixed automatically and is surfaced in the log.
func (e *Executor) verifyMirror(job ledger.SyncJob, mergeCommit, srcHead string) {
	paths, err := e.git.ChangedPaths(mergeCommit, srcHead)
	if err != nil {
		e.logger.Warn("mirror verification skipped", "job", job.ID, "error", err)
		return
	}
	var leftover []string
	for _, p := range paths {
		if !e.cfg.IsExcluded(p) {
			leftover = append(leftover, p)
		}
	}
	if len(leftover) > 0 {
		e.logger.Warn("content differs outside exclusion set after pull",
			"job", job.ID, "paths", leftover)
	}
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
