package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mirrorops/mirrorsyncd/internal/config"
	"github.com/mirrorops/mirrorsyncd/internal/gitops"
	"github.com/mirrorops/mirrorsyncd/internal/ledger"
	"github.com/mirrorops/mirrorsyncd/internal/tracker"
)

// GateController manages the human-reviewed promotion of the divergence
// branch into the publish branch. A gate moves open -> approved -> merged,
// or open -> closed when abandoned. Merging a gate triggers an external
// push of the new publish head.
type GateController struct {
	cfg        *config.Config
	ledger     *ledger.Ledger
	git        gitops.Client
	tracker    *tracker.Tracker
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewGateController(cfg *config.Config, l *ledger.Ledger, git gitops.Client, tr *tracker.Tracker, d *Dispatcher, logger *slog.Logger) *GateController {
	return &GateController{cfg: cfg, ledger: l, git: git, tracker: tr, dispatcher: d, logger: logger}
}

// Open creates a new gate proposing the current divergence head for
// release.
func (g *GateController) Open(ctx context.Context) (ledger.ReleaseGate, error) {
	gate := ledger.ReleaseGate{
		ID:           uuid.NewString(),
		SourceBranch: g.cfg.Branches.Divergence,
		TargetBranch: g.cfg.Branches.Publish,
		State:        ledger.GateOpen,
	}
	if err := g.ledger.CreateGate(ctx, gate); err != nil {
		return ledger.ReleaseGate{}, err
	}
	g.logger.Info("release gate opened",
		"gate", gate.ID, "source", gate.SourceBranch, "target", gate.TargetBranch)
	return gate, nil
}

// Approve marks an open gate as reviewed.
func (g *GateController) Approve(ctx context.Context, id string) error {
	if err := g.ledger.TransitionGate(ctx, id, ledger.GateOpen, ledger.GateApproved, ""); err != nil {
		return err
	}
	g.logger.Info("release gate approved", "gate", id)
	return nil
}

// Close abandons an open gate without merging.
func (g *GateController) Close(ctx context.Context, id string) error {
	if err := g.ledger.TransitionGate(ctx, id, ledger.GateOpen, ledger.GateClosed, ""); err != nil {
		return err
	}
	g.logger.Info("release gate closed", "gate", id)
	return nil
}

// Merge lands an approved gate: the divergence head is merged into the
// publish branch, pushed to the private side, and the completed gate
// triggers a push job toward external main. A merge conflict leaves the
// gate approved so the branches can be reconciled and the merge retried.
func (g *GateController) Merge(ctx context.Context, id string) (ledger.ReleaseGate, *ledger.SyncJob, error) {
	gate, err := g.ledger.Gate(ctx, id)
	if err != nil {
		return ledger.ReleaseGate{}, nil, err
	}
	if gate.State != ledger.GateApproved {
		return gate, nil, fmt.Errorf("release gate %s is %s, not approved: %w", id, gate.State, ledger.ErrInvalidTransition)
	}

	srcHead, err := g.git.Head(gate.SourceBranch)
	if err != nil {
		return gate, nil, err
	}
	mres, err := g.git.Merge(ctx, srcHead, gate.TargetBranch)
	if err != nil {
		return gate, nil, fmt.Errorf("merge %s into %s: %w", gate.SourceBranch, gate.TargetBranch, err)
	}
	mergeCommit := mres.Commit
	if mres.UpToDate {
		mergeCommit, err = g.git.Head(gate.TargetBranch)
		if err != nil {
			return gate, nil, err
		}
	}

	if err := g.git.Push(ctx, gitops.RemotePrivate, gate.TargetBranch, gate.TargetBranch, false); err != nil {
		if !errors.Is(err, gitops.ErrAlreadyUpToDate) {
			return gate, nil, err
		}
	}

	if err := g.ledger.TransitionGate(ctx, id, ledger.GateApproved, ledger.GateMerged, mergeCommit); err != nil {
		return gate, nil, err
	}
	g.logger.Info("release gate merged", "gate", id, "commit", mergeCommit)

	for _, ref := range []tracker.Ref{
		{Repo: ledger.RepoPrivate, Name: gate.TargetBranch},
		{Repo: ledger.RepoPrivate, Name: gate.SourceBranch},
	} {
		if _, err := g.tracker.Refresh(ctx, ref); err != nil {
			g.logger.Warn("branch record refresh failed", "ref", ref, "error", err)
		}
	}

	job, err := g.dispatcher.OnReleaseGateCompleted(ctx, id)
	if err != nil {
		// The gate is merged; the push can be re-driven manually or by
		// the next publish-branch event.
		g.logger.Error("post-merge push not dispatched", "gate", id, "error", err)
	}
	gate, gerr := g.ledger.Gate(ctx, id)
	if gerr != nil {
		return ledger.ReleaseGate{}, job, gerr
	}
	return gate, job, nil
}
