package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	transporthttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Remote names inside the orchestrator's clone. The pair is fixed, so the
// names are too.
const (
	RemotePrivate = "private"
	RemotePublic  = "public"
)

// Client provides the version-control operations the orchestrator needs.
// Implemented by Repo (production) and by mocks in consumer tests.
type Client interface {
	// Fetch updates the remote-tracking refs for one remote.
	Fetch(ctx context.Context, remote string) error
	// Head returns the commit id of a local branch.
	Head(branch string) (string, error)
	// RemoteHead returns the commit id of a remote-tracking branch.
	RemoteHead(remote, branch string) (string, error)
	// SetBranchHead forcibly points a local branch at a commit.
	SetBranchHead(branch, commit string) error
	// Merge merges srcCommit into the named local branch. On a clean
	// merge the branch ref is advanced; a conflicted attempt leaves the
	// branch untouched and returns a *ConflictError.
	Merge(ctx context.Context, srcCommit, dstBranch string) (*MergeResult, error)
	// Push updates remoteBranch on the given remote from a local branch.
	Push(ctx context.Context, remote, localBranch, remoteBranch string, force bool) error
	// Divergence returns how many commits a has that b lacks, and vice versa.
	Divergence(a, b string) (ahead, behind int, err error)
	// ChangedPaths lists paths whose content differs between two commits.
	ChangedPaths(a, b string) ([]string, error)
	// IsAncestor reports whether ancestor is reachable from descendant.
	IsAncestor(ancestor, descendant string) (bool, error)
	// BranchesContaining lists local branches whose history includes commit.
	BranchesContaining(commit string) ([]string, error)
	// EnsureLocalBranch creates a local branch from its remote-tracking
	// ref if it does not exist yet.
	EnsureLocalBranch(branch, remote string) error
}

// Options configures the local clone of the repository pair.
type Options struct {
	// Dir is the path of the bare clone the orchestrator works in.
	Dir string
	// PrivateURL and PublicURL address the two repositories of the pair.
	PrivateURL string
	PublicURL  string
	// TokenFile optionally holds an access token, presented as an
	// x-access-token basic credential on fetch and push.
	TokenFile string
}

// Repo is the go-git implementation of Client, working against a bare
// clone with two remotes (private, public).
type Repo struct {
	repo *git.Repository
	opts Options
}

var _ Client = (*Repo)(nil)

// Open opens the orchestrator clone, initializing it with both remotes on
// first use. Remote URLs are fixed after setup; a mismatch is an error.
func Open(ctx context.Context, opts Options) (*Repo, error) {
	repo, err := git.PlainOpen(opts.Dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(opts.Dir, true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", opts.Dir, err)
	}

	r := &Repo{repo: repo, opts: opts}
	for remote, url := range map[string]string{
		RemotePrivate: opts.PrivateURL,
		RemotePublic:  opts.PublicURL,
	} {
		if err := r.ensureRemote(remote, url); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Repo) ensureRemote(name, url string) error {
	remote, err := r.repo.Remote(name)
	if errors.Is(err, git.ErrRemoteNotFound) {
		_, err = r.repo.CreateRemote(&gitconfig.RemoteConfig{
			Name:  name,
			URLs:  []string{url},
			Fetch: []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", name))},
		})
		if err != nil {
			return fmt.Errorf("failed to create remote %s: %w", name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect remote %s: %w", name, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 || urls[0] != url {
		return fmt.Errorf("remote %s already points at %v, refusing to repoint to %s", name, urls, url)
	}
	return nil
}

// auth loads the token credential, if configured. The file is re-read on
// every call so token rotation does not require a restart.
func (r *Repo) auth() (transport.AuthMethod, error) {
	if r.opts.TokenFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.opts.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	return &transporthttp.BasicAuth{
		Username: "x-access-token",
		Password: strings.TrimSpace(string(data)),
	}, nil
}

// Fetch updates the remote-tracking refs for one remote.
func (r *Repo) Fetch(ctx context.Context, remote string) error {
	auth, err := r.auth()
	if err != nil {
		return err
	}
	err = r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		Auth:       auth,
		Force:      true,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return mapTransportErr(err, "fetch from "+remote)
}

// Head returns the commit id of a local branch.
func (r *Repo) Head(branch string) (string, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", WrapError(ErrBranchMissing, branch)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve branch %s: %w", branch, err)
	}
	return ref.Hash().String(), nil
}

// RemoteHead returns the commit id of a remote-tracking branch.
func (r *Repo) RemoteHead(remote, branch string) (string, error) {
	ref, err := r.repo.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", WrapError(ErrBranchMissing, remote+"/"+branch)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s/%s: %w", remote, branch, err)
	}
	return ref.Hash().String(), nil
}

// EnsureLocalBranch creates a local branch from its remote-tracking ref
// when it does not exist yet. Used at bootstrap.
func (r *Repo) EnsureLocalBranch(branch, remote string) error {
	if _, err := r.Head(branch); err == nil {
		return nil
	}
	head, err := r.RemoteHead(remote, branch)
	if err != nil {
		return err
	}
	return r.SetBranchHead(branch, head)
}

// SetBranchHead forcibly points a local branch at a commit.
func (r *Repo) SetBranchHead(branch, commit string) error {
	c, err := r.resolveCommit(commit)
	if err != nil {
		return err
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), c.Hash)
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("failed to update branch %s: %w", branch, err)
	}
	return nil
}

// Push updates remoteBranch on the given remote from a local branch.
// Returns ErrAlreadyUpToDate when the remote already matches, and
// ErrNotFastForward when the update would discard remote commits and
// force was not requested.
func (r *Repo) Push(ctx context.Context, remote, localBranch, remoteBranch string, force bool) error {
	auth, err := r.auth()
	if err != nil {
		return err
	}
	prefix := ""
	if force {
		prefix = "+"
	}
	spec := gitconfig.RefSpec(fmt.Sprintf("%srefs/heads/%s:refs/heads/%s", prefix, localBranch, remoteBranch))
	err = r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return ErrAlreadyUpToDate
	}
	if err != nil && (errors.Is(err, git.ErrNonFastForwardUpdate) || strings.Contains(err.Error(), "non-fast-forward")) {
		return WrapError(ErrNotFastForward, "push to "+remote)
	}
	return mapTransportErr(err, "push to "+remote)
}

// Divergence returns how many commits a has that b lacks, and vice versa.
func (r *Repo) Divergence(a, b string) (int, int, error) {
	ca, err := r.resolveCommit(a)
	if err != nil {
		return 0, 0, err
	}
	cb, err := r.resolveCommit(b)
	if err != nil {
		return 0, 0, err
	}
	if ca.Hash == cb.Hash {
		return 0, 0, nil
	}

	bases, err := ca.MergeBase(cb)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute merge base: %w", err)
	}
	stops := make([]plumbing.Hash, 0, len(bases))
	for _, base := range bases {
		stops = append(stops, base.Hash)
	}

	ahead, err := countCommits(ca, stops)
	if err != nil {
		return 0, 0, err
	}
	behind, err := countCommits(cb, stops)
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// countCommits counts commits reachable from c, stopping at the given
// boundary commits.
func countCommits(c *object.Commit, stops []plumbing.Hash) (int, error) {
	count := 0
	iter := object.NewCommitPreorderIter(c, nil, stops)
	defer iter.Close()
	err := iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk history: %w", err)
	}
	return count, nil
}

// ChangedPaths lists paths whose content differs between two commits.
func (r *Repo) ChangedPaths(a, b string) ([]string, error) {
	ca, err := r.resolveCommit(a)
	if err != nil {
		return nil, err
	}
	cb, err := r.resolveCommit(b)
	if err != nil {
		return nil, err
	}
	ta, err := ca.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree for %s: %w", a, err)
	}
	tb, err := cb.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree for %s: %w", b, err)
	}

	changes, err := object.DiffTree(ta, tb)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	seen := make(map[string]bool, len(changes))
	for _, change := range changes {
		name := change.To.Name
		if name == "" {
			name = change.From.Name
		}
		seen[name] = true
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repo) IsAncestor(ancestor, descendant string) (bool, error) {
	ca, err := r.resolveCommit(ancestor)
	if err != nil {
		return false, err
	}
	cd, err := r.resolveCommit(descendant)
	if err != nil {
		return false, err
	}
	ok, err := ca.IsAncestor(cd)
	if err != nil {
		return false, fmt.Errorf("failed to check ancestry: %w", err)
	}
	return ok, nil
}

// BranchesContaining lists local branches whose history includes commit.
func (r *Repo) BranchesContaining(commit string) ([]string, error) {
	base, err := r.resolveCommit(commit)
	if err != nil {
		return nil, err
	}
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer iter.Close()

	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		tip, err := r.repo.CommitObject(ref.Hash())
		if err != nil {
			return fmt.Errorf("failed to load tip of %s: %w", ref.Name().Short(), err)
		}
		ok, err := base.IsAncestor(tip)
		if err != nil {
			return fmt.Errorf("failed to check ancestry for %s: %w", ref.Name().Short(), err)
		}
		if ok {
			names = append(names, ref.Name().Short())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (r *Repo) resolveCommit(id string) (*object.Commit, error) {
	if !plumbing.IsHash(id) {
		return nil, WrapError(ErrResolveFailed, id)
	}
	c, err := r.repo.CommitObject(plumbing.NewHash(id))
	if err != nil {
		return nil, WrapError(ErrResolveFailed, id)
	}
	return c, nil
}

// mapTransportErr converts go-git transport failures into the package's
// sentinel errors where a stable category exists.
func mapTransportErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrAuthenticationRequired) {
		return WrapError(ErrAuthRequired, op)
	}
	if errors.Is(err, transport.ErrAuthorizationFailed) {
		return WrapError(ErrAuthFailed, op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
