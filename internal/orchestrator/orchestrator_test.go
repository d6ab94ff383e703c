package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorops/mirrorsyncd/internal/config"
	"github.com/mirrorops/mirrorsyncd/internal/gitops"
	"github.com/mirrorops/mirrorsyncd/internal/ledger"
	"github.com/mirrorops/mirrorsyncd/internal/notify"
)

type pushCall struct {
	remote string
	local  string
	branch string
	force  bool
}

// fakeGit is a scriptable test double for gitops.Client.
type fakeGit struct {
	mu          sync.Mutex
	heads       map[string]string // local branch -> head
	remoteHeads map[string]string // "remote/branch" -> head
	fetchErr    map[string]error
	pushErr     map[string]error
	mergeFn     func(srcCommit, dstBranch string) (*gitops.MergeResult, error)
	divergeFn   func(a, b string) (int, int, error)
	ancestors   map[string]bool // "ancestor..descendant"
	containing  []string
	pushes      []pushCall
}

func newFakeGit() *fakeGit {
	f := &fakeGit{
		heads:       map[string]string{"main": "C1", "develop": "D1"},
		remoteHeads: map[string]string{"public/main": "P1", "private/main": "C1", "private/develop": "D1"},
		fetchErr:    map[string]error{},
		pushErr:     map[string]error{},
		ancestors:   map[string]bool{},
	}
	f.mergeFn = func(srcCommit, dstBranch string) (*gitops.MergeResult, error) {
		f.heads[dstBranch] = "M1"
		return &gitops.MergeResult{Commit: "M1"}, nil
	}
	return f
}

func (f *fakeGit) Fetch(_ context.Context, remote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchErr[remote]
}

func (f *fakeGit) Head(branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.heads[branch]
	if !ok {
		return "", gitops.WrapError(gitops.ErrBranchMissing, branch)
	}
	return h, nil
}

func (f *fakeGit) RemoteHead(remote, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.remoteHeads[remote+"/"+branch]
	if !ok {
		return "", gitops.WrapError(gitops.ErrBranchMissing, remote+"/"+branch)
	}
	return h, nil
}

func (f *fakeGit) SetBranchHead(branch, commit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads[branch] = commit
	return nil
}

func (f *fakeGit) Merge(_ context.Context, srcCommit, dstBranch string) (*gitops.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mergeFn(srcCommit, dstBranch)
}

func (f *fakeGit) Push(_ context.Context, remote, localBranch, remoteBranch string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pushErr[remote]; err != nil {
		return err
	}
	f.pushes = append(f.pushes, pushCall{remote: remote, local: localBranch, branch: remoteBranch, force: force})
	f.remoteHeads[remote+"/"+remoteBranch] = f.heads[localBranch]
	return nil
}

func (f *fakeGit) Divergence(a, b string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.divergeFn != nil {
		return f.divergeFn(a, b)
	}
	return 0, 0, nil
}

func (f *fakeGit) ChangedPaths(a, b string) ([]string, error) { return nil, nil }

func (f *fakeGit) IsAncestor(ancestor, descendant string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ancestors[ancestor+".."+descendant], nil
}

func (f *fakeGit) BranchesContaining(commit string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containing, nil
}

func (f *fakeGit) EnsureLocalBranch(branch, remote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.heads[branch]; ok {
		return nil
	}
	h, ok := f.remoteHeads[remote+"/"+branch]
	if !ok {
		return gitops.WrapError(gitops.ErrBranchMissing, remote+"/"+branch)
	}
	f.heads[branch] = h
	return nil
}

// recordingNotifier captures every delivered notification.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, note notify.Notification) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return "", n.err
	}
	n.notes = append(n.notes, note)
	return fmt.Sprintf("NOTE-%d", len(n.notes)), nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Pair: config.PairConfig{
			PrivateURL: "https://git.internal/org/product.git",
			PublicURL:  "https://github.com/org/product.git",
			Workdir:    "/var/lib/mirrorsyncd",
		},
		Branches: config.BranchConfig{
			WorkflowStorage: "sync-config",
			Divergence:      "develop",
			Publish:         "main",
			ExternalMain:    "main",
		},
		Sync: config.SyncConfig{
			RetryLimit:       2,
			RetryBackoff:     config.Duration(time.Millisecond),
			OperationTimeout: config.Duration(time.Minute),
		},
	}
}

type testEnv struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	git      *fakeGit
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, l.Close())
	})

	env := &testEnv{
		cfg:      testConfig(),
		ledger:   l,
		git:      newFakeGit(),
		notifier: &recordingNotifier{},
	}
	env.orch = New(env.cfg, l, env.git, env.notifier, testLogger())
	require.NoError(t, env.orch.Bootstrap(context.Background()))
	return env
}

func TestPullMergesAndPushesPrivate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.orch.Dispatcher.OnScheduleTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, job.Status)
	assert.Equal(t, "M1", job.ResultCommit)
	assert.Equal(t, ledger.TriggerSchedule, job.Trigger)
	assert.Equal(t, "public/main", job.SourceBranch)
	assert.Equal(t, "private/main", job.DestBranch)

	// The merged head went out to the private side.
	require.Len(t, env.git.pushes, 1)
	assert.Equal(t, pushCall{remote: gitops.RemotePrivate, local: "main", branch: "main"}, env.git.pushes[0])

	// Branch records track the new heads.
	b, err := env.ledger.Branch(ctx, ledger.RepoPrivate, "main")
	require.NoError(t, err)
	assert.Equal(t, "M1", b.Head)
	b, err = env.ledger.Branch(ctx, ledger.RepoPublic, "main")
	require.NoError(t, err)
	assert.Equal(t, "P1", b.Head)

	assert.Zero(t, env.notifier.count())
}

func TestPullUpToDateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.git.mergeFn = func(srcCommit, dstBranch string) (*gitops.MergeResult, error) {
		return &gitops.MergeResult{Commit: env.git.heads[dstBranch], UpToDate: true}, nil
	}

	for range 2 {
		job, err := env.orch.Dispatcher.OnScheduleTick(ctx)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusSucceeded, job.Status)
		assert.Equal(t, "C1", job.ResultCommit)
	}

	// Nothing pushed, nothing escalated, head unchanged.
	assert.Empty(t, env.git.pushes)
	assert.Zero(t, env.notifier.count())
	b, err := env.ledger.Branch(ctx, ledger.RepoPrivate, "main")
	require.NoError(t, err)
	assert.Equal(t, "C1", b.Head)
}

func TestPullConflictEscalatesOnceAndBlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.git.mergeFn = func(srcCommit, dstBranch string) (*gitops.MergeResult, error) {
		return nil, &gitops.ConflictError{Paths: []string{"src/app.go"}}
	}

	job, err := env.orch.Dispatcher.OnScheduleTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConflict, job.Status)
	assert.False(t, job.Retryable)

	// Exactly one open report with the conflicting paths, one notification.
	report, err := env.ledger.ConflictByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "merge_conflict", report.Classification)
	assert.Equal(t, []string{"src/app.go"}, report.Paths)
	assert.Equal(t, "NOTE-1", report.NotificationRef)
	assert.Equal(t, 1, env.notifier.count())

	// The destination head was never moved.
	b, err := env.ledger.Branch(ctx, ledger.RepoPrivate, "main")
	require.NoError(t, err)
	assert.Equal(t, "C1", b.Head)

	// Further automated pulls are blocked until the report is resolved.
	_, err = env.orch.Dispatcher.OnScheduleTick(ctx)
	require.ErrorIs(t, err, ErrBlockedByConflict)
	assert.Equal(t, 1, env.notifier.count())

	require.NoError(t, env.orch.Escalator.Resolve(ctx, report.ID))

	env.git.mergeFn = func(srcCommit, dstBranch string) (*gitops.MergeResult, error) {
		env.git.heads[dstBranch] = "M2"
		return &gitops.MergeResult{Commit: "M2"}, nil
	}
	job, err = env.orch.Dispatcher.OnScheduleTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, job.Status)
}

func TestTransientFailureRetriesThenEscalates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.git.fetchErr[gitops.RemotePublic] = errors.New("dial tcp: connection refused")

	job, err := env.orch.Dispatcher.OnScheduleTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, job.Status)
	assert.False(t, job.Retryable)

	// Every attempt is a fresh job record. The exhausted final job no
	// longer reads as retryable; earlier attempts keep their flag.
	jobs, err := env.ledger.RecentJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, env.cfg.Sync.RetryLimit)
	for _, j := range jobs {
		assert.Equal(t, ledger.StatusFailed, j.Status)
		if j.ID == job.ID {
			assert.False(t, j.Retryable)
		} else {
			assert.True(t, j.Retryable)
		}
	}

	// Exhaustion is escalated as a permanent failure.
	report, err := env.ledger.ConflictByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(ClassPermanentFailure), report.Classification)
	assert.Equal(t, 1, env.notifier.count())

	// And the destination is now blocked.
	_, err = env.orch.Dispatcher.OnScheduleTick(ctx)
	require.ErrorIs(t, err, ErrBlockedByConflict)
}

func TestBusyDestinationRejectsTrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	running := ledger.SyncJob{
		ID:           "running-job",
		Direction:    ledger.DirectionPull,
		SourceBranch: "public/main",
		DestBranch:   "private/main",
		Trigger:      ledger.TriggerSchedule,
		Status:       ledger.StatusPending,
		Attempt:      1,
	}
	require.NoError(t, env.ledger.CreateJob(ctx, running))
	require.NoError(t, env.ledger.MarkRunning(ctx, running.ID))

	_, err := env.orch.Dispatcher.OnScheduleTick(ctx)
	require.ErrorIs(t, err, ErrBusy)

	// A push to the other destination is unaffected.
	env.git.ancestors["P1..C1"] = true
	job, err := env.orch.Dispatcher.OnManualRequest(ctx, ledger.DirectionPush)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, job.Status)
}

func TestAdmissionRaceFailsLoserJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Two triggers for the same destination both passed the busy check;
	// the first already holds the running slot.
	winner := ledger.SyncJob{
		ID:           "winner",
		Direction:    ledger.DirectionPull,
		SourceBranch: "public/main",
		DestBranch:   "private/main",
		Trigger:      ledger.TriggerSchedule,
		Status:       ledger.StatusPending,
		Attempt:      1,
	}
	require.NoError(t, env.ledger.CreateJob(ctx, winner))
	require.NoError(t, env.ledger.MarkRunning(ctx, winner.ID))

	loser := winner
	loser.ID = "loser"
	loser.Trigger = ledger.TriggerManual
	require.NoError(t, env.ledger.CreateJob(ctx, loser))

	done, err := env.orch.Dispatcher.executor.Run(ctx, loser)
	require.ErrorIs(t, err, ErrBusy)

	// The loser ends terminal instead of stranded in pending.
	assert.Equal(t, ledger.StatusFailed, done.Status)
	assert.False(t, done.Retryable)
	got, err := env.ledger.Job(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.False(t, got.Retryable)

	// The winner's run is untouched.
	id, running, err := env.ledger.RunningJob(ctx, "private/main")
	require.NoError(t, err)
	require.True(t, running)
	assert.Equal(t, winner.ID, id)
}

func TestBranchRecordsRefreshAfterFailedStateUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Another writer keeps moving the destination record mid-update, so
	// both compare-and-set attempts fail with stale state.
	n := 0
	env.git.divergeFn = func(a, b string) (int, int, error) {
		n++
		rec, err := env.ledger.Branch(ctx, ledger.RepoPrivate, "main")
		require.NoError(t, err)
		rec.Head = fmt.Sprintf("X%d", n)
		require.NoError(t, env.ledger.UpsertBranch(ctx, rec))
		return 0, 0, nil
	}

	job, err := env.orch.Dispatcher.OnScheduleTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, job.Status)
	assert.Equal(t, "M1", job.ResultCommit)

	// The records were re-read from the clone, not left on the writer's
	// interleaved heads.
	b, err := env.ledger.Branch(ctx, ledger.RepoPrivate, "main")
	require.NoError(t, err)
	assert.Equal(t, "M1", b.Head)
	b, err = env.ledger.Branch(ctx, ledger.RepoPublic, "main")
	require.NoError(t, err)
	assert.Equal(t, "P1", b.Head)
}

func TestPushPublishesExternalMain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.git.ancestors["P1..C1"] = true

	job, err := env.orch.Dispatcher.OnExternalPush(ctx, "main")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ledger.StatusSucceeded, job.Status)
	assert.Equal(t, "C1", job.ResultCommit)
	assert.Equal(t, ledger.TriggerEvent, job.Trigger)

	require.Len(t, env.git.pushes, 1)
	assert.Equal(t, pushCall{remote: gitops.RemotePublic, local: "main", branch: "main"}, env.git.pushes[0])

	b, err := env.ledger.Branch(ctx, ledger.RepoPublic, "main")
	require.NoError(t, err)
	assert.Equal(t, "C1", b.Head)
}

func TestPushIgnoresOtherBranches(t *testing.T) {
	env := newTestEnv(t)

	job, err := env.orch.Dispatcher.OnExternalPush(context.Background(), "feature/x")
	require.NoError(t, err)
	assert.Nil(t, job)

	jobs, err := env.ledger.RecentJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPushHistoryMismatchNeverOverwrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// External main gained commits the publish branch does not contain.
	env.git.remoteHeads["public/main"] = "X1"
	env.git.ancestors["X1..C1"] = false

	job, err := env.orch.Dispatcher.OnExternalPush(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, job.Status)
	assert.False(t, job.Retryable)

	// Nothing was pushed and the failure was escalated exactly once.
	assert.Empty(t, env.git.pushes)
	report, err := env.ledger.ConflictByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(ClassHistoryMismatch), report.Classification)
	assert.Equal(t, 1, env.notifier.count())
}

func TestWorkflowStorageBranchNeverSyncs(t *testing.T) {
	env := newTestEnv(t)

	// A misconfigured pair where publish collides with workflow storage.
	env.cfg.Branches.WorkflowStorage = "main"

	_, err := env.orch.Dispatcher.OnManualRequest(context.Background(), ledger.DirectionPull)
	require.ErrorIs(t, err, ErrConfiguration)

	jobs, err := env.ledger.RecentJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestEscalateIsIdempotentPerJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := ledger.SyncJob{
		ID:           "job-1",
		Direction:    ledger.DirectionPull,
		SourceBranch: "public/main",
		DestBranch:   "private/main",
		Trigger:      ledger.TriggerSchedule,
		Status:       ledger.StatusPending,
		Attempt:      1,
	}
	require.NoError(t, env.ledger.CreateJob(ctx, job))

	first, err := env.orch.Escalator.Escalate(ctx, job, ClassMergeConflict, EscalationDetails{Paths: []string{"a.txt"}})
	require.NoError(t, err)
	second, err := env.orch.Escalator.Escalate(ctx, job, ClassMergeConflict, EscalationDetails{Paths: []string{"a.txt"}})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.notifier.count())
}

func TestReleaseGateFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.git.mergeFn = func(srcCommit, dstBranch string) (*gitops.MergeResult, error) {
		require.Equal(t, "D1", srcCommit)
		require.Equal(t, "main", dstBranch)
		env.git.heads["main"] = "G1"
		return &gitops.MergeResult{Commit: "G1"}, nil
	}
	env.git.ancestors["P1..G1"] = true

	gate, err := env.orch.Gates.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.GateOpen, gate.State)

	// Merge before approval is rejected.
	_, _, err = env.orch.Gates.Merge(ctx, gate.ID)
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	require.NoError(t, env.orch.Gates.Approve(ctx, gate.ID))

	merged, job, err := env.orch.Gates.Merge(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.GateMerged, merged.State)
	assert.Equal(t, "G1", merged.MergeCommit)

	// The completed gate triggered an external push of the new head.
	require.NotNil(t, job)
	assert.Equal(t, ledger.TriggerRelease, job.Trigger)
	assert.Equal(t, ledger.StatusSucceeded, job.Status)
	assert.Equal(t, "G1", job.ResultCommit)

	// Pushes: publish to private, then publish to external main.
	require.Len(t, env.git.pushes, 2)
	assert.Equal(t, gitops.RemotePrivate, env.git.pushes[0].remote)
	assert.Equal(t, gitops.RemotePublic, env.git.pushes[1].remote)
}

func TestReleaseGateMergeConflictKeepsGateApproved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.git.mergeFn = func(srcCommit, dstBranch string) (*gitops.MergeResult, error) {
		return nil, &gitops.ConflictError{Paths: []string{"app.go"}}
	}

	gate, err := env.orch.Gates.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, env.orch.Gates.Approve(ctx, gate.ID))

	_, _, err = env.orch.Gates.Merge(ctx, gate.ID)
	require.ErrorIs(t, err, gitops.ErrMergeConflict)

	got, err := env.ledger.Gate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.GateApproved, got.State)
	assert.Empty(t, env.git.pushes)
}

func TestReleaseGateClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	gate, err := env.orch.Gates.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, env.orch.Gates.Close(ctx, gate.ID))

	got, err := env.ledger.Gate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.GateClosed, got.State)

	// Closed gates cannot be approved.
	require.ErrorIs(t, env.orch.Gates.Approve(ctx, gate.ID), ledger.ErrInvalidTransition)
}

func TestResetFlagsAffectedBranches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.git.containing = []string{"develop", "feature/a", "feature/b", "sync-config"}

	res, err := env.orch.Reset.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, "D1", res.PriorHead)
	assert.Equal(t, "C1", res.NewHead)
	assert.Equal(t, []string{"feature/a", "feature/b"}, res.Flagged)

	// The divergence branch now sits at the publish head and was force
	// pushed.
	head, err := env.git.Head("develop")
	require.NoError(t, err)
	assert.Equal(t, "C1", head)
	require.Len(t, env.git.pushes, 1)
	assert.Equal(t, pushCall{remote: gitops.RemotePrivate, local: "develop", branch: "develop", force: true}, env.git.pushes[0])

	// Work items flagged, one summary notification.
	items, err := env.ledger.WorkItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.True(t, it.NeedsRebase)
		assert.Equal(t, "D1", it.BaseCommit)
	}
	assert.Equal(t, 1, env.notifier.count())

	// Branch record reflects zero divergence.
	b, err := env.ledger.Branch(ctx, ledger.RepoPrivate, "develop")
	require.NoError(t, err)
	assert.Equal(t, "C1", b.Head)
}

func TestResetNoopWhenAlreadyAtPublishHead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.git.heads["develop"] = "C1"

	res, err := env.orch.Reset.Reset(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Flagged)
	assert.Empty(t, env.git.pushes)
	assert.Zero(t, env.notifier.count())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"merge conflict", &gitops.ConflictError{Paths: []string{"a"}}, ClassMergeConflict},
		{"not fast forward", gitops.ErrNotFastForward, ClassHistoryMismatch},
		{"history mismatch", ErrHistoryMismatch, ClassHistoryMismatch},
		{"auth required", gitops.ErrAuthRequired, ClassAuthorization},
		{"auth failed", gitops.ErrAuthFailed, ClassAuthorization},
		{"configuration", ErrConfiguration, ClassConfiguration},
		{"branch missing", gitops.ErrBranchMissing, ClassConfiguration},
		{"timeout", context.DeadlineExceeded, ClassTransient},
		{"network", errors.New("dial tcp: connection refused"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}

	assert.True(t, ClassTransient.Retryable())
	assert.False(t, ClassMergeConflict.Retryable())
	assert.False(t, ClassPermanentFailure.Retryable())
}
