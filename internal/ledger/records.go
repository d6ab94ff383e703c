package ledger

import "time"

// Repository roles within the pair.
const (
	RepoPrivate = "private"
	RepoPublic  = "public"
)

// Direction of a sync job.
type Direction string

const (
	DirectionPull Direction = "pull" // external main -> private publish branch
	DirectionPush Direction = "push" // private publish branch -> external main
)

// TriggerKind records what caused a job to be admitted.
type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule"
	TriggerEvent    TriggerKind = "event"
	TriggerManual   TriggerKind = "manual"
	TriggerRelease  TriggerKind = "release"
)

// Status is the sync job state machine. Transitions are monotonic:
// pending -> running -> {succeeded | conflict | failed}. A new attempt is
// always a new job with a fresh identifier.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusConflict  Status = "conflict"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusConflict, StatusFailed:
		return true
	}
	return false
}

// ConflictState tracks human acknowledgement of a report.
type ConflictState string

const (
	ConflictOpen     ConflictState = "open"
	ConflictResolved ConflictState = "resolved"
)

// GateState is the release gate state machine:
// open -> approved -> merged, or open -> closed.
type GateState string

const (
	GateOpen     GateState = "open"
	GateApproved GateState = "approved"
	GateMerged   GateState = "merged"
	GateClosed   GateState = "closed"
)

// Branch is the tracked state of one branch of the pair: its recorded
// head and divergence against its paired branch.
type Branch struct {
	Repo       string
	Name       string
	Head       string
	PairedRepo string
	PairedName string
	Ahead      int
	Behind     int
	UpdatedAt  time.Time
}

// SyncJob is a single synchronization attempt. Immutable once terminal.
type SyncJob struct {
	ID           string
	Direction    Direction
	SourceBranch string
	DestBranch   string
	Trigger      TriggerKind
	Status       Status
	Attempt      int
	Retryable    bool
	Error        string
	ResultCommit string
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
}

// ConflictReport is linked to exactly one SyncJob. Its open state blocks
// further automated jobs for the destination branch until resolved.
type ConflictReport struct {
	ID              string
	JobID           string
	DestBranch      string
	Classification  string
	Paths           []string
	NotificationRef string
	State           ConflictState
	CreatedAt       time.Time
	ResolvedAt      time.Time
}

// ReleaseGate models the human-reviewed divergence -> publish merge.
type ReleaseGate struct {
	ID           string
	SourceBranch string
	TargetBranch string
	State        GateState
	MergeCommit  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WorkItem is an open feature branch whose base is a recorded
// divergence-branch head. Flagged needsRebase by the reset operation.
type WorkItem struct {
	ID          string
	Branch      string
	BaseCommit  string
	NeedsRebase bool
	FlaggedAt   time.Time
}
