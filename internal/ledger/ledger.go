// Package ledger provides durable storage for the orchestrator's job
// ledger: branch state, sync jobs, conflict reports, release gates and
// work items. Uses SQLite with WAL mode.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStaleState is returned when a compare-and-set branch update supplies
// an expected head that no longer matches the stored one. The caller must
// recompute from the current state before retrying.
var ErrStaleState = errors.New("stale branch state")

// ErrInvalidTransition is returned when a status change does not follow
// the record's state machine, or the row was concurrently moved on.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAlreadyRunning is returned by MarkRunning when another job already
// holds the running slot for the same destination branch.
var ErrAlreadyRunning = errors.New("a job is already running for this destination")

// Ledger wraps the SQLite database holding all orchestrator records.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at the given path.
// Applies required pragmas and the schema automatically. Idempotent.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY surprises.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// ---- branches ----

// UpsertBranch creates or refreshes a branch record. Used at bootstrap;
// steady-state head updates go through CompareAndSetBranchHead.
func (l *Ledger) UpsertBranch(ctx context.Context, b Branch) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO branches (repo, name, head, paired_repo, paired_name, ahead, behind, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo, name) DO UPDATE SET
			head = excluded.head,
			paired_repo = excluded.paired_repo,
			paired_name = excluded.paired_name,
			ahead = excluded.ahead,
			behind = excluded.behind,
			updated_at = excluded.updated_at`,
		b.Repo, b.Name, b.Head, b.PairedRepo, b.PairedName, b.Ahead, b.Behind, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert branch %s/%s: %w", b.Repo, b.Name, err)
	}
	return nil
}

// Branch returns one branch record.
func (l *Ledger) Branch(ctx context.Context, repo, name string) (Branch, error) {
	var b Branch
	err := l.db.QueryRowContext(ctx, `
		SELECT repo, name, head, paired_repo, paired_name, ahead, behind, updated_at
		FROM branches WHERE repo = ? AND name = ?`, repo, name).
		Scan(&b.Repo, &b.Name, &b.Head, &b.PairedRepo, &b.PairedName, &b.Ahead, &b.Behind, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, fmt.Errorf("branch %s/%s: %w", repo, name, ErrNotFound)
	}
	if err != nil {
		return Branch{}, fmt.Errorf("read branch %s/%s: %w", repo, name, err)
	}
	return b, nil
}

// Branches returns all tracked branch records.
func (l *Ledger) Branches(ctx context.Context) ([]Branch, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT repo, name, head, paired_repo, paired_name, ahead, behind, updated_at
		FROM branches ORDER BY repo, name`)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var out []Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.Repo, &b.Name, &b.Head, &b.PairedRepo, &b.PairedName, &b.Ahead, &b.Behind, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CompareAndSetBranchHead updates a branch's recorded head and divergence
// counts only if the stored head still equals expectedHead. A mismatch
// means a concurrent update happened and returns ErrStaleState.
func (l *Ledger) CompareAndSetBranchHead(ctx context.Context, repo, name, expectedHead, newHead string, ahead, behind int) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE branches SET head = ?, ahead = ?, behind = ?, updated_at = ?
		WHERE repo = ? AND name = ? AND head = ?`,
		newHead, ahead, behind, time.Now().UTC(), repo, name, expectedHead)
	if err != nil {
		return fmt.Errorf("update branch %s/%s: %w", repo, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update branch %s/%s: %w", repo, name, err)
	}
	if n == 0 {
		return fmt.Errorf("branch %s/%s expected head %s: %w", repo, name, expectedHead, ErrStaleState)
	}
	return nil
}

// ---- sync jobs ----

// CreateJob persists a new job in pending state.
func (l *Ledger) CreateJob(ctx context.Context, j SyncJob) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, direction, source_branch, dest_branch, trigger_kind, status, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Direction, j.SourceBranch, j.DestBranch, j.Trigger, StatusPending, j.Attempt, j.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

// Job returns one sync job.
func (l *Ledger) Job(ctx context.Context, id string) (SyncJob, error) {
	return l.scanJob(l.db.QueryRowContext(ctx, `
		SELECT id, direction, source_branch, dest_branch, trigger_kind, status,
		       attempt, retryable, error, result_commit, created_at, started_at, finished_at
		FROM sync_jobs WHERE id = ?`, id))
}

// RecentJobs returns the most recently created jobs, newest first.
func (l *Ledger) RecentJobs(ctx context.Context, limit int) ([]SyncJob, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, direction, source_branch, dest_branch, trigger_kind, status,
		       attempt, retryable, error, result_commit, created_at, started_at, finished_at
		FROM sync_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []SyncJob
	for rows.Next() {
		j, err := l.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RunningJob returns the id of the running job for a destination branch,
// if any.
func (l *Ledger) RunningJob(ctx context.Context, destBranch string) (string, bool, error) {
	var id string
	err := l.db.QueryRowContext(ctx,
		`SELECT id FROM sync_jobs WHERE dest_branch = ? AND status = ?`, destBranch, StatusRunning).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query running job: %w", err)
	}
	return id, true, nil
}

// MarkRunning transitions a job from pending to running. The partial
// unique index on running jobs turns an admission race into
// ErrAlreadyRunning here.
func (l *Ledger) MarkRunning(ctx context.Context, id string) error {
	err := l.transition(ctx, id, StatusPending, StatusRunning,
		`UPDATE sync_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		StatusRunning, time.Now().UTC(), id, StatusPending)
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("job %s: %w", id, ErrAlreadyRunning)
	}
	return err
}

// CancelPending fails a job that never started running. Used when a job
// loses the admission race or is cancelled before execution.
func (l *Ledger) CancelPending(ctx context.Context, id, reason string) error {
	return l.transition(ctx, id, StatusPending, StatusFailed,
		`UPDATE sync_jobs SET status = ?, error = ?, retryable = 0, finished_at = ?
		 WHERE id = ? AND status = ?`,
		StatusFailed, reason, time.Now().UTC(), id, StatusPending)
}

// MarkExhausted clears the retryable flag on a failed job whose retry
// budget is spent, so ledger readers do not see a failure that looks
// retryable but never will be.
func (l *Ledger) MarkExhausted(ctx context.Context, id string) error {
	return l.transition(ctx, id, StatusFailed, StatusFailed,
		`UPDATE sync_jobs SET retryable = 0 WHERE id = ? AND status = ? AND retryable = 1`,
		id, StatusFailed)
}

// Finish transitions a running job to a terminal status.
func (l *Ledger) Finish(ctx context.Context, id string, to Status, resultCommit, errMsg string, retryable bool) error {
	if !to.Terminal() {
		return fmt.Errorf("status %s is not terminal: %w", to, ErrInvalidTransition)
	}
	return l.transition(ctx, id, StatusRunning, to,
		`UPDATE sync_jobs SET status = ?, result_commit = ?, error = ?, retryable = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		to, resultCommit, errMsg, retryable, time.Now().UTC(), id, StatusRunning)
}

// transition runs a guarded UPDATE; zero rows means the job was not in
// the expected prior state.
func (l *Ledger) transition(ctx context.Context, id string, from, to Status, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s not in state %s: %w", id, from, ErrInvalidTransition)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (l *Ledger) scanJob(row rowScanner) (SyncJob, error) {
	var (
		j                 SyncJob
		started, finished sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Direction, &j.SourceBranch, &j.DestBranch, &j.Trigger, &j.Status,
		&j.Attempt, &j.Retryable, &j.Error, &j.ResultCommit, &j.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncJob{}, ErrNotFound
	}
	if err != nil {
		return SyncJob{}, fmt.Errorf("scan job: %w", err)
	}
	if started.Valid {
		j.StartedAt = started.Time
	}
	if finished.Valid {
		j.FinishedAt = finished.Time
	}
	return j, nil
}

// ---- conflict reports ----

// CreateConflict persists a report for a job. Idempotent on job id: when
// a report already exists for the job, nothing is written and created is
// false. Callers send the notification only when created is true.
func (l *Ledger) CreateConflict(ctx context.Context, r ConflictReport) (created bool, err error) {
	paths, err := json.Marshal(r.Paths)
	if err != nil {
		return false, fmt.Errorf("marshal conflict paths: %w", err)
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO conflict_reports (id, job_id, dest_branch, classification, paths, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		r.ID, r.JobID, r.DestBranch, r.Classification, string(paths), ConflictOpen, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("create conflict report for job %s: %w", r.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create conflict report for job %s: %w", r.JobID, err)
	}
	return n > 0, nil
}

// SetConflictNotification records the external notification reference.
func (l *Ledger) SetConflictNotification(ctx context.Context, id, ref string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE conflict_reports SET notification_ref = ? WHERE id = ?`, ref, id)
	if err != nil {
		return fmt.Errorf("set notification ref on report %s: %w", id, err)
	}
	return nil
}

// Conflict returns one report by id.
func (l *Ledger) Conflict(ctx context.Context, id string) (ConflictReport, error) {
	return l.scanConflict(l.db.QueryRowContext(ctx, `
		SELECT id, job_id, dest_branch, classification, paths, notification_ref, state, created_at, resolved_at
		FROM conflict_reports WHERE id = ?`, id))
}

// ConflictByJob returns the report linked to a job.
func (l *Ledger) ConflictByJob(ctx context.Context, jobID string) (ConflictReport, error) {
	return l.scanConflict(l.db.QueryRowContext(ctx, `
		SELECT id, job_id, dest_branch, classification, paths, notification_ref, state, created_at, resolved_at
		FROM conflict_reports WHERE job_id = ?`, jobID))
}

// OpenConflict returns the oldest unresolved report for a destination
// branch, or ErrNotFound when the key is unblocked.
func (l *Ledger) OpenConflict(ctx context.Context, destBranch string) (ConflictReport, error) {
	return l.scanConflict(l.db.QueryRowContext(ctx, `
		SELECT id, job_id, dest_branch, classification, paths, notification_ref, state, created_at, resolved_at
		FROM conflict_reports WHERE dest_branch = ? AND state = ?
		ORDER BY created_at LIMIT 1`, destBranch, ConflictOpen))
}

// OpenConflicts returns all unresolved reports.
func (l *Ledger) OpenConflicts(ctx context.Context) ([]ConflictReport, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, job_id, dest_branch, classification, paths, notification_ref, state, created_at, resolved_at
		FROM conflict_reports WHERE state = ? ORDER BY created_at`, ConflictOpen)
	if err != nil {
		return nil, fmt.Errorf("list open conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictReport
	for rows.Next() {
		r, err := l.scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveConflict marks an open report resolved, clearing the block for
// its destination branch. Resolving does not retry the original job.
func (l *Ledger) ResolveConflict(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE conflict_reports SET state = ?, resolved_at = ? WHERE id = ? AND state = ?`,
		ConflictResolved, time.Now().UTC(), id, ConflictOpen)
	if err != nil {
		return fmt.Errorf("resolve report %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve report %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("report %s is not open: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (l *Ledger) scanConflict(row rowScanner) (ConflictReport, error) {
	var (
		r        ConflictReport
		paths    string
		resolved sql.NullTime
	)
	err := row.Scan(&r.ID, &r.JobID, &r.DestBranch, &r.Classification, &paths, &r.NotificationRef, &r.State, &r.CreatedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictReport{}, ErrNotFound
	}
	if err != nil {
		return ConflictReport{}, fmt.Errorf("scan conflict report: %w", err)
	}
	if err := json.Unmarshal([]byte(paths), &r.Paths); err != nil {
		return ConflictReport{}, fmt.Errorf("decode conflict paths: %w", err)
	}
	if resolved.Valid {
		r.ResolvedAt = resolved.Time
	}
	return r, nil
}

// ---- release gates ----

// CreateGate persists a new gate in open state.
func (l *Ledger) CreateGate(ctx context.Context, g ReleaseGate) error {
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO release_gates (id, source_branch, target_branch, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.SourceBranch, g.TargetBranch, GateOpen, now, now)
	if err != nil {
		return fmt.Errorf("create gate %s: %w", g.ID, err)
	}
	return nil
}

// Gate returns one gate by id.
func (l *Ledger) Gate(ctx context.Context, id string) (ReleaseGate, error) {
	var g ReleaseGate
	err := l.db.QueryRowContext(ctx, `
		SELECT id, source_branch, target_branch, state, merge_commit, created_at, updated_at
		FROM release_gates WHERE id = ?`, id).
		Scan(&g.ID, &g.SourceBranch, &g.TargetBranch, &g.State, &g.MergeCommit, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReleaseGate{}, ErrNotFound
	}
	if err != nil {
		return ReleaseGate{}, fmt.Errorf("read gate %s: %w", id, err)
	}
	return g, nil
}

// TransitionGate moves a gate between states with a guarded UPDATE.
func (l *Ledger) TransitionGate(ctx context.Context, id string, from, to GateState, mergeCommit string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE release_gates SET state = ?, merge_commit = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		to, mergeCommit, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("transition gate %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition gate %s to %s: %w", id, to, err)
	}
	if n == 0 {
		return fmt.Errorf("gate %s not in state %s: %w", id, from, ErrInvalidTransition)
	}
	return nil
}

// ---- work items ----

// FlagWorkItems upserts one work item per branch, flagged needsRebase
// with the given base commit. Returns the number of flagged items.
func (l *Ledger) FlagWorkItems(ctx context.Context, branches []string, baseCommit string, newID func() string) (int, error) {
	now := time.Now().UTC()
	for _, branch := range branches {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO work_items (id, branch, base_commit, needs_rebase, flagged_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(branch) DO UPDATE SET
				base_commit = excluded.base_commit,
				needs_rebase = 1,
				flagged_at = excluded.flagged_at`,
			newID(), branch, baseCommit, now)
		if err != nil {
			return 0, fmt.Errorf("flag work item %s: %w", branch, err)
		}
	}
	return len(branches), nil
}

// WorkItems returns all recorded work items.
func (l *Ledger) WorkItems(ctx context.Context) ([]WorkItem, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, branch, base_commit, needs_rebase, flagged_at
		FROM work_items ORDER BY branch`)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var out []WorkItem
	for rows.Next() {
		var (
			w       WorkItem
			flagged sql.NullTime
		)
		if err := rows.Scan(&w.ID, &w.Branch, &w.BaseCommit, &w.NeedsRebase, &flagged); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		if flagged.Valid {
			w.FlaggedAt = flagged.Time
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
