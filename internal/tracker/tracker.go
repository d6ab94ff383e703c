// Package tracker maintains the recorded head and divergence metadata for
// each tracked branch pair. Updates are optimistic: every head update
// supplies the expected prior value, and a mismatch surfaces as
// ledger.ErrStaleState so racing triggers cannot clobber each other.
package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirrorops/mirrorsyncd/internal/gitops"
	"github.com/mirrorops/mirrorsyncd/internal/ledger"
)

// Ref identifies one branch inside one repository of the pair.
type Ref struct {
	Repo string // ledger.RepoPrivate or ledger.RepoPublic
	Name string
}

func (r Ref) String() string {
	return r.Repo + "/" + r.Name
}

// Tracker reconciles the ledger's branch records against the clone.
type Tracker struct {
	ledger *ledger.Ledger
	git    gitops.Client
	logger *slog.Logger
}

// New creates a tracker over the given ledger and clone.
func New(l *ledger.Ledger, git gitops.Client, logger *slog.Logger) *Tracker {
	return &Tracker{ledger: l, git: git, logger: logger}
}

// Head returns the recorded head of a tracked branch.
func (t *Tracker) Head(ctx context.Context, ref Ref) (string, error) {
	b, err := t.ledger.Branch(ctx, ref.Repo, ref.Name)
	if err != nil {
		return "", err
	}
	return b.Head, nil
}

// Divergence returns the recorded (ahead, behind) counts of a branch
// against its paired branch.
func (t *Tracker) Divergence(ctx context.Context, ref Ref) (int, int, error) {
	b, err := t.ledger.Branch(ctx, ref.Repo, ref.Name)
	if err != nil {
		return 0, 0, err
	}
	return b.Ahead, b.Behind, nil
}

// RecordSync updates both branches' recorded heads after a successful
// sync and recomputes divergence counts from the clone. Each update is
// guarded by the caller's expected prior head; on ledger.ErrStaleState
// the caller must re-read current state (Refresh) before retrying.
func (t *Tracker) RecordSync(ctx context.Context, src, dst Ref, expectedSrcHead, expectedDstHead, srcHead, resultCommit string) error {
	if err := t.casUpdate(ctx, dst, expectedDstHead, resultCommit); err != nil {
		return err
	}
	if err := t.casUpdate(ctx, src, expectedSrcHead, srcHead); err != nil {
		return err
	}
	t.logger.Debug("recorded sync",
		"source", src.String(),
		"dest", dst.String(),
		"commit", resultCommit)
	return nil
}

// casUpdate writes one branch head guarded by its expected prior value,
// with divergence recomputed against the paired branch's current head.
func (t *Tracker) casUpdate(ctx context.Context, ref Ref, expectedHead, newHead string) error {
	b, err := t.ledger.Branch(ctx, ref.Repo, ref.Name)
	if err != nil {
		return err
	}
	ahead, behind, err := t.divergenceFor(Ref{Repo: b.PairedRepo, Name: b.PairedName}, newHead)
	if err != nil {
		return err
	}
	return t.ledger.CompareAndSetBranchHead(ctx, ref.Repo, ref.Name, expectedHead, newHead, ahead, behind)
}

// divergenceFor computes (ahead, behind) of head against the current
// clone head of the paired branch.
func (t *Tracker) divergenceFor(paired Ref, head string) (int, int, error) {
	if paired.Name == "" {
		return 0, 0, nil
	}
	pairedHead, err := t.cloneHead(paired)
	if err != nil {
		return 0, 0, err
	}
	ahead, behind, err := t.git.Divergence(head, pairedHead)
	if err != nil {
		return 0, 0, fmt.Errorf("divergence of %s: %w", paired.String(), err)
	}
	return ahead, behind, nil
}

// cloneHead resolves a Ref against the clone: private branches are local
// heads, public branches are remote-tracking refs.
func (t *Tracker) cloneHead(ref Ref) (string, error) {
	if ref.Repo == ledger.RepoPublic {
		return t.git.RemoteHead(gitops.RemotePublic, ref.Name)
	}
	return t.git.Head(ref.Name)
}

// Bootstrap creates or refreshes the branch records for the pair from the
// clone's current state. Safe to call on every startup.
func (t *Tracker) Bootstrap(ctx context.Context, pairs map[Ref]Ref) error {
	for ref, paired := range pairs {
		head, err := t.cloneHead(ref)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", ref.String(), err)
		}
		ahead, behind, err := t.divergenceFor(paired, head)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", ref.String(), err)
		}
		b := ledger.Branch{
			Repo:       ref.Repo,
			Name:       ref.Name,
			Head:       head,
			PairedRepo: paired.Repo,
			PairedName: paired.Name,
			Ahead:      ahead,
			Behind:     behind,
		}
		if err := t.ledger.UpsertBranch(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Refresh re-reads one branch's head from the clone and overwrites the
// record, bypassing the compare-and-set guard. Used after a stale-state
// failure to re-establish ground truth before a retry.
func (t *Tracker) Refresh(ctx context.Context, ref Ref) (string, error) {
	b, err := t.ledger.Branch(ctx, ref.Repo, ref.Name)
	if err != nil {
		return "", err
	}
	head, err := t.cloneHead(ref)
	if err != nil {
		return "", err
	}
	ahead, behind, err := t.divergenceFor(Ref{Repo: b.PairedRepo, Name: b.PairedName}, head)
	if err != nil {
		return "", err
	}
	b.Head = head
	b.Ahead = ahead
	b.Behind = behind
	if err := t.ledger.UpsertBranch(ctx, b); err != nil {
		return "", err
	}
	return head, nil
}
