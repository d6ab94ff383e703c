package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirrorops/mirrorsyncd/internal/config"
	"github.com/mirrorops/mirrorsyncd/internal/gitops"
	"github.com/mirrorops/mirrorsyncd/internal/ledger"
	"github.com/mirrorops/mirrorsyncd/internal/notify"
	"github.com/mirrorops/mirrorsyncd/internal/tracker"
)

// Orchestrator bundles the sync core components over one repository pair.
type Orchestrator struct {
	Tracker    *tracker.Tracker
	Dispatcher *Dispatcher
	Escalator  *Escalator
	Gates      *GateController
	Reset      *ResetHandler

	cfg    *config.Config
	ledger *ledger.Ledger
	git    gitops.Client
	logger *slog.Logger
}

// New wires the orchestrator components together.
func New(cfg *config.Config, l *ledger.Ledger, git gitops.Client, notifier notify.Notifier, logger *slog.Logger) *Orchestrator {
	tr := tracker.New(l, git, logger)
	esc := NewEscalator(l, notifier, logger)
	ex := NewExecutor(cfg, l, git, tr, esc, logger)
	d := NewDispatcher(cfg, l, ex, esc, logger)
	return &Orchestrator{
		Tracker:    tr,
		Dispatcher: d,
		Escalator:  esc,
		Gates:      NewGateController(cfg, l, git, tr, d, logger),
		Reset:      NewResetHandler(cfg, l, git, tr, notifier, logger),
		cfg:        cfg,
		ledger:     l,
		git:        git,
		logger:     logger,
	}
}

// Bootstrap fetches both remotes, materializes the role branches locally
// and seeds the branch records from the clone.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if err := o.git.Fetch(ctx, gitops.RemotePrivate); err != nil {
		return fmt.Errorf("fetch private: %w", err)
	}
	if err := o.git.Fetch(ctx, gitops.RemotePublic); err != nil {
		return fmt.Errorf("fetch public: %w", err)
	}
	for _, branch := range []string{o.cfg.Branches.Publish, o.cfg.Branches.Divergence} {
		if err := o.git.EnsureLocalBranch(branch, gitops.RemotePrivate); err != nil {
			return fmt.Errorf("materialize branch %s: %w", branch, err)
		}
	}

	publish := tracker.Ref{Repo: ledger.RepoPrivate, Name: o.cfg.Branches.Publish}
	divergence := tracker.Ref{Repo: ledger.RepoPrivate, Name: o.cfg.Branches.Divergence}
	external := tracker.Ref{Repo: ledger.RepoPublic, Name: o.cfg.Branches.ExternalMain}
	return o.Tracker.Bootstrap(ctx, map[tracker.Ref]tracker.Ref{
		publish:    external,
		divergence: publish,
		external:   publish,
	})
}
