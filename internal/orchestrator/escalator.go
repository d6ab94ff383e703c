package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mirrorops/mirrorsyncd/internal/ledger"
	"github.com/mirrorops/mirrorsyncd/internal/notify"
)

// Escalator turns failed jobs into conflict reports and routes them to
// the notification target. Reports are keyed by job, so escalating the
// same job twice yields the original report and no second notification.
type Escalator struct {
	ledger   *ledger.Ledger
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewEscalator(l *ledger.Ledger, n notify.Notifier, logger *slog.Logger) *Escalator {
	return &Escalator{ledger: l, notifier: n, logger: logger}
}

// EscalationDetails carries the failure context included in the
// notification body.
type EscalationDetails struct {
	Paths   []string
	Commits []string
	Message string
}

// Escalate records a conflict report for the job and sends exactly one
// notification. The open report blocks further automated jobs for the
// destination until resolved.
func (e *Escalator) Escalate(ctx context.Context, job ledger.SyncJob, class Classification, details EscalationDetails) (ledger.ConflictReport, error) {
	report := ledger.ConflictReport{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		DestBranch:     job.DestBranch,
		Classification: string(class),
		Paths:          details.Paths,
		State:          ledger.ConflictOpen,
	}
	created, err := e.ledger.CreateConflict(ctx, report)
	if err != nil {
		return ledger.ConflictReport{}, err
	}
	if !created {
		existing, err := e.ledger.ConflictByJob(ctx, job.ID)
		if err != nil {
			return ledger.ConflictReport{}, err
		}
		e.logger.Debug("conflict already reported", "job", job.ID, "report", existing.ID)
		return existing, nil
	}

	e.logger.Warn("conflict escalated",
		"job", job.ID, "report", report.ID, "classification", class, "dest", job.DestBranch)

	ref, err := e.notifier.Notify(ctx, notify.Notification{
		JobID:          job.ID,
		Direction:      string(job.Direction),
		Classification: string(class),
		Subject:        subject(job, class),
		Body:           body(job, class, details),
		Commits:        details.Commits,
		Paths:          details.Paths,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		// The report stands; the operator can still find it via status.
		e.logger.Error("notification delivery failed", "report", report.ID, "error", err)
		return e.ledger.Conflict(ctx, report.ID)
	}
	if err := e.ledger.SetConflictNotification(ctx, report.ID, ref); err != nil {
		return ledger.ConflictReport{}, err
	}
	return e.ledger.Conflict(ctx, report.ID)
}

// Resolve closes an open report, unblocking its destination branch.
func (e *Escalator) Resolve(ctx context.Context, reportID string) error {
	if err := e.ledger.ResolveConflict(ctx, reportID); err != nil {
		return err
	}
	e.logger.Info("conflict resolved", "report", reportID)
	return nil
}

func subject(job ledger.SyncJob, class Classification) string {
	return fmt.Sprintf("sync %s blocked (%s) on %s", job.Direction, class, job.DestBranch)
}

func body(job ledger.SyncJob, class Classification, details EscalationDetails) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sync job %s (%s, trigger %s) failed with classification %s.\n",
		job.ID, job.Direction, job.Trigger, class)
	if details.Message != "" {
		fmt.Fprintf(&b, "Error: %s\n", details.Message)
	}
	if len(details.Paths) > 0 {
		fmt.Fprintf(&b, "Conflicting paths:\n")
		for _, p := range details.Paths {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}
	b.WriteString("Automated syncs to this destination are blocked until the report is resolved.\n")
	return b.String()
}
