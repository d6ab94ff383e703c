package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mirrorops/mirrorsyncd/internal/config"
	"github.com/mirrorops/mirrorsyncd/internal/ledger"
	"github.com/mirrorops/mirrorsyncd/internal/tracker"
)

// Dispatcher admits trigger events into the job ledger and drives the
// executor, including the bounded retry loop for transient failures.
// Every retry attempt is a fresh ledger job; job records are never
// reused.
type Dispatcher struct {
	cfg       *config.Config
	ledger    *ledger.Ledger
	executor  *Executor
	escalator *Escalator
	logger    *slog.Logger
}

func NewDispatcher(cfg *config.Config, l *ledger.Ledger, ex *Executor, esc *Escalator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, ledger: l, executor: ex, escalator: esc, logger: logger}
}

// OnScheduleTick handles the periodic pull trigger.
func (d *Dispatcher) OnScheduleTick(ctx context.Context) (*ledger.SyncJob, error) {
	return d.Dispatch(ctx, ledger.DirectionPull, ledger.TriggerSchedule)
}

// OnExternalPush handles a push notification from the private side. Only
// pushes to the publish branch drive an external push; everything else is
// ignored.
func (d *Dispatcher) OnExternalPush(ctx context.Context, branch string) (*ledger.SyncJob, error) {
	if branch != d.cfg.Branches.Publish {
		d.logger.Debug("ignoring push event for non-publish branch", "branch", branch)
		return nil, nil
	}
	return d.Dispatch(ctx, ledger.DirectionPush, ledger.TriggerEvent)
}

// OnReleaseGateCompleted handles a merged release gate by pushing the
// resulting publish head to the public side.
func (d *Dispatcher) OnReleaseGateCompleted(ctx context.Context, gateID string) (*ledger.SyncJob, error) {
	gate, err := d.ledger.Gate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if gate.State != ledger.GateMerged {
		return nil, fmt.Errorf("release gate %s is %s, not merged: %w", gateID, gate.State, ErrConfiguration)
	}
	return d.Dispatch(ctx, ledger.DirectionPush, ledger.TriggerRelease)
}

// OnManualRequest handles an operator-initiated sync in either direction.
func (d *Dispatcher) OnManualRequest(ctx context.Context, dir ledger.Direction) (*ledger.SyncJob, error) {
	return d.Dispatch(ctx, dir, ledger.TriggerManual)
}

// Dispatch admits one job for the given direction and runs it to a
// terminal state, re-admitting fresh jobs with exponential backoff while
// failures stay transient. After the retry limit is exhausted the last
// failure is escalated as a permanent failure.
func (d *Dispatcher) Dispatch(ctx context.Context, dir ledger.Direction, trigger ledger.TriggerKind) (*ledger.SyncJob, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.Sync.RetryBackoff.Std()
	bo.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		job, err := d.admit(ctx, dir, trigger, attempt)
		if err != nil {
			return nil, err
		}
		done, err := d.executor.Run(ctx, *job)
		if err != nil {
			return nil, err
		}
		if done.Status != ledger.StatusFailed || !done.Retryable {
			return &done, nil
		}
		if attempt >= d.cfg.Sync.RetryLimit {
			d.logger.Error("retry limit exhausted",
				"job", done.ID, "direction", dir, "attempts", attempt)
			if err := d.ledger.MarkExhausted(ctx, done.ID); err != nil {
				d.logger.Error("failed to mark job exhausted", "job", done.ID, "error", err)
			} else {
				done.Retryable = false
			}
			if _, err := d.escalator.Escalate(ctx, done, ClassPermanentFailure, EscalationDetails{
				Message: done.Error,
			}); err != nil {
				d.logger.Error("failed to escalate permanent failure", "job", done.ID, "error", err)
			}
			return &done, nil
		}
		wait := bo.NextBackOff()
		d.logger.Warn("transient failure, retrying",
			"job", done.ID, "attempt", attempt, "backoff", wait, "error", done.Error)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return &done, ctx.Err()
		}
	}
}

// admit validates the trigger against current ledger state and creates a
// pending job. Rejections never create a job record.
func (d *Dispatcher) admit(ctx context.Context, dir ledger.Direction, trigger ledger.TriggerKind, attempt int) (*ledger.SyncJob, error) {
	src, dst := d.route(dir)
	wf := d.cfg.Branches.WorkflowStorage
	if src.Name == wf || dst.Name == wf {
		return nil, fmt.Errorf("workflow storage branch %q cannot be a sync endpoint: %w", wf, ErrConfiguration)
	}

	if id, running, err := d.ledger.RunningJob(ctx, dst.String()); err != nil {
		return nil, err
	} else if running {
		return nil, fmt.Errorf("job %s: %w", id, ErrBusy)
	}

	if report, err := d.ledger.OpenConflict(ctx, dst.String()); err == nil {
		return nil, fmt.Errorf("conflict report %s: %w", report.ID, ErrBlockedByConflict)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	job := &ledger.SyncJob{
		ID:           uuid.NewString(),
		Direction:    dir,
		SourceBranch: src.String(),
		DestBranch:   dst.String(),
		Trigger:      trigger,
		Status:       ledger.StatusPending,
		Attempt:      attempt,
	}
	if err := d.ledger.CreateJob(ctx, *job); err != nil {
		return nil, err
	}
	d.logger.Info("job admitted",
		"job", job.ID, "direction", dir, "trigger", trigger, "attempt", attempt,
		"source", job.SourceBranch, "dest", job.DestBranch)
	return job, nil
}

// route maps a direction onto the pair's source and destination refs.
func (d *Dispatcher) route(dir ledger.Direction) (src, dst tracker.Ref) {
	pub := tracker.Ref{Repo: ledger.RepoPublic, Name: d.cfg.Branches.ExternalMain}
	priv := tracker.Ref{Repo: ledger.RepoPrivate, Name: d.cfg.Branches.Publish}
	if dir == ledger.DirectionPull {
		return pub, priv
	}
	return priv, pub
}

// parseRef splits a ledger branch key back into a tracker ref.
func parseRef(key string) tracker.Ref {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return tracker.Ref{Name: key}
	}
	return tracker.Ref{Repo: parts[0], Name: parts[1]}
}
