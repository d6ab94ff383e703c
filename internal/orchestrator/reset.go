package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mirrorops/mirrorsyncd/internal/config"
	"github.com/mirrorops/mirrorsyncd/internal/gitops"
	"github.com/mirrorops/mirrorsyncd/internal/ledger"
	"github.com/mirrorops/mirrorsyncd/internal/notify"
	"github.com/mirrorops/mirrorsyncd/internal/tracker"
)

// ResetHandler implements the operator-initiated divergence reset: the
// divergence branch is force-pointed at the current publish head and
// every feature branch based on the discarded history is flagged for a
// rebase.
type ResetHandler struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	git      gitops.Client
	tracker  *tracker.Tracker
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewResetHandler(cfg *config.Config, l *ledger.Ledger, git gitops.Client, tr *tracker.Tracker, n notify.Notifier, logger *slog.Logger) *ResetHandler {
	return &ResetHandler{cfg: cfg, ledger: l, git: git, tracker: tr, notifier: n, logger: logger}
}

// ResetResult summarizes a completed reset.
type ResetResult struct {
	PriorHead string
	NewHead   string
	Flagged   []string
}

// Reset points the divergence branch at the current publish head and
// force-pushes it to the private side. Branches that still contain the
// prior divergence head get a needs-rebase work item. A summary
// notification is sent best effort.
func (h *ResetHandler) Reset(ctx context.Context) (*ResetResult, error) {
	div := h.cfg.Branches.Divergence
	pub := h.cfg.Branches.Publish

	priorHead, err := h.git.Head(div)
	if err != nil {
		return nil, err
	}
	newHead, err := h.git.Head(pub)
	if err != nil {
		return nil, err
	}
	if priorHead == newHead {
		h.logger.Info("divergence branch already at publish head", "commit", short(newHead))
		return &ResetResult{PriorHead: priorHead, NewHead: newHead}, nil
	}

	// Affected branches must be computed against the pre-reset head.
	affected, err := h.git.BranchesContaining(priorHead)
	if err != nil {
		return nil, err
	}
	flagged := h.filterRoleBranches(affected)

	if err := h.git.SetBranchHead(div, newHead); err != nil {
		return nil, err
	}
	if err := h.git.Push(ctx, gitops.RemotePrivate, div, div, true); err != nil {
		if !errors.Is(err, gitops.ErrAlreadyUpToDate) {
			return nil, fmt.Errorf("force push %s: %w", div, err)
		}
	}
	h.logger.Info("divergence branch reset",
		"branch", div, "prior", short(priorHead), "new", short(newHead))

	n, err := h.ledger.FlagWorkItems(ctx, flagged, priorHead, uuid.NewString)
	if err != nil {
		return nil, err
	}
	h.logger.Info("work items flagged for rebase", "count", n)

	for _, ref := range []tracker.Ref{
		{Repo: ledger.RepoPrivate, Name: div},
		{Repo: ledger.RepoPrivate, Name: pub},
	} {
		if _, err := h.tracker.Refresh(ctx, ref); err != nil {
			h.logger.Warn("branch record refresh failed", "ref", ref, "error", err)
		}
	}

	if _, err := h.notifier.Notify(ctx, notify.Notification{
		Classification: "reset",
		Subject:        fmt.Sprintf("divergence branch %s reset to %s", div, short(newHead)),
		Body:           resetBody(div, priorHead, newHead, flagged),
		Commits:        []string{priorHead, newHead},
		Paths:          nil,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		h.logger.Warn("reset notification failed", "error", err)
	}

	return &ResetResult{PriorHead: priorHead, NewHead: newHead, Flagged: flagged}, nil
}

// filterRoleBranches drops the pair's role branches from the affected
// set; only feature branches get work items.
func (h *ResetHandler) filterRoleBranches(branches []string) []string {
	roles := map[string]bool{
		h.cfg.Branches.Divergence:      true,
		h.cfg.Branches.Publish:         true,
		h.cfg.Branches.WorkflowStorage: true,
		h.cfg.Branches.ExternalMain:    true,
	}
	var out []string
	for _, b := range branches {
		if !roles[b] {
			out = append(out, b)
		}
	}
	return out
}

func resetBody(branch, prior, head string, flagged []string) string {
	body := fmt.Sprintf("Branch %s was reset from %s to %s.\n", branch, short(prior), short(head))
	if len(flagged) == 0 {
		return body + "No feature branches require a rebase.\n"
	}
	body += "Branches flagged for rebase:\n"
	for _, b := range flagged {
		body += "  - " + b + "\n"
	}
	return body
}
