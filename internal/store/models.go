package store

import "time"

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// ReplicationRun records one replicate or watch invocation
type ReplicationRun struct {
	ID               int64
	RunID            string // uuid shared with log lines and audit.json
	Telescope        string
	Night            string
	Operation        string // "replicate", "watch"
	CheckOnly        bool
	StartTime        time.Time
	EndTime          time.Time
	FilesTotal       int
	FilesVerified    int
	FilesSkipped     int
	FilesFailed      int
	FilesCompressed  int
	BytesTransferred int64
	Status           string // "running", "success", "partial", "failed"
	ErrorMessage     string
}

// FailedTransfer is a dead letter entry for a (file, target) pair that ended
// Failed. It is resolved when a later run verifies the pair.
type FailedTransfer struct {
	ID           int64
	Telescope    string
	Night        string
	Target       string
	FilePath     string
	LocalDigest  string
	Cause        string // fault kind
	Error        string
	RetryCount   int
	FirstFailure time.Time
	LastFailure  time.Time
	Resolved     bool
}

// TargetCounts is the per-target part of an audit
type TargetCounts struct {
	Target    string `json:"target"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	Live      int    `json:"live"`
	LiveKnown bool   `json:"live_known"`
}

// AuditRecord is a stored night audit
type AuditRecord struct {
	ID          int64
	RunID       string
	Telescope   string
	Night       string
	SourceCount int
	Passed      bool
	Eligible    bool
	Staged      bool
	Targets     []TargetCounts
	Reasons     []string
	CreatedAt   time.Time
}

// StagedDir is a night directory renamed for deletion
type StagedDir struct {
	ID           int64
	Telescope    string
	Night        string
	OriginalPath string
	StagedPath   string
	StagedAt     time.Time
	Swept        bool
	SweptAt      time.Time
}
