package engine

import (
	"sort"
	"time"

	"github.com/BadgerOps/nightsync/internal/checksum"
	"github.com/BadgerOps/nightsync/internal/fault"
)

// TransferStatus is the state of a (file, target) pair.
type TransferStatus string

const (
	StatusPending         TransferStatus = "pending"
	StatusSkippedVerified TransferStatus = "skipped-already-verified"
	StatusTransferred     TransferStatus = "transferred"
	StatusVerified        TransferStatus = "verified"
	StatusFailed          TransferStatus = "failed"
)

// MaxAttempts bounds the transfers of one pair in one run.
const MaxAttempts = 2

// Terminal reports whether no further transition is possible in this run.
func (s TransferStatus) Terminal() bool {
	return s == StatusSkippedVerified || s == StatusVerified || s == StatusFailed
}

// Succeeded reports whether the destination holds a verified copy.
func (s TransferStatus) Succeeded() bool {
	return s == StatusSkippedVerified || s == StatusVerified
}

// TransferRecord is the outcome of one (file, target) pair in one run.
type TransferRecord struct {
	File         string          `json:"file"`
	Target       string          `json:"target"`
	Status       TransferStatus  `json:"status"`
	DigestMatch  bool            `json:"digest_match"`
	Attempts     int             `json:"attempts"`
	Timestamp    time.Time       `json:"timestamp"`
	Cause        fault.Kind      `json:"cause,omitempty"`
	Error        string          `json:"error,omitempty"`
	LocalDigest  checksum.Digest `json:"local_digest,omitempty"`
	RemoteDigest checksum.Digest `json:"remote_digest,omitempty"`
	Bytes        int64           `json:"bytes,omitempty"`
	// Overwrite is set in check-only runs when the destination holds a
	// different copy that a real run would replace.
	Overwrite bool `json:"overwrite,omitempty"`
}

// TargetSummary counts pair outcomes for one target.
type TargetSummary struct {
	Target   string `json:"target"`
	Verified int    `json:"verified"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
	Pending  int    `json:"pending"`
	Bytes    int64  `json:"bytes"`
}

// RunReport aggregates a replication run.
type RunReport struct {
	RunID      string           `json:"run_id"`
	Telescope  string           `json:"telescope"`
	Night      string           `json:"night"`
	CheckOnly  bool             `json:"check_only"`
	StartTime  time.Time        `json:"start_time"`
	EndTime    time.Time        `json:"end_time"`
	Files      int              `json:"files"`
	Compressed int              `json:"compressed"`
	Rejected   []string         `json:"rejected,omitempty"`
	Records    []TransferRecord `json:"records"`
	Aborted    string           `json:"aborted,omitempty"`
}

func (r *RunReport) add(rec TransferRecord) {
	r.Records = append(r.Records, rec)
}

// Summaries returns per-target counts ordered by target name.
func (r *RunReport) Summaries() []TargetSummary {
	byName := map[string]*TargetSummary{}
	for _, rec := range r.Records {
		s, ok := byName[rec.Target]
		if !ok {
			s = &TargetSummary{Target: rec.Target}
			byName[rec.Target] = s
		}
		switch rec.Status {
		case StatusVerified:
			s.Verified++
		case StatusSkippedVerified:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
		s.Bytes += rec.Bytes
	}
	out := make([]TargetSummary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Failures returns the failed pairs.
func (r *RunReport) Failures() []TransferRecord {
	var out []TransferRecord
	for _, rec := range r.Records {
		if rec.Status == StatusFailed {
			out = append(out, rec)
		}
	}
	return out
}

// BytesTransferred sums the bytes sent to every target.
func (r *RunReport) BytesTransferred() int64 {
	var n int64
	for _, rec := range r.Records {
		n += rec.Bytes
	}
	return n
}

// Transfers counts the transfer attempts made.
func (r *RunReport) Transfers() int {
	n := 0
	for _, rec := range r.Records {
		n += rec.Attempts
	}
	return n
}

// FileCounts classifies files: verified when every pair succeeded and at
// least one was transferred, skipped when every pair was already verified,
// failed when any pair failed.
func (r *RunReport) FileCounts() (verified, skipped, failed int) {
	type acc struct{ transferred, failed, pending bool }
	files := map[string]*acc{}
	var order []string
	for _, rec := range r.Records {
		a, ok := files[rec.File]
		if !ok {
			a = &acc{}
			files[rec.File] = a
			order = append(order, rec.File)
		}
		switch rec.Status {
		case StatusFailed:
			a.failed = true
		case StatusVerified:
			a.transferred = true
		case StatusSkippedVerified:
		default:
			a.pending = true
		}
	}
	for _, f := range order {
		a := files[f]
		switch {
		case a.failed:
			failed++
		case a.pending:
		case a.transferred:
			verified++
		default:
			skipped++
		}
	}
	return verified, skipped, failed
}

// OK reports whether the run finished without failed pairs.
func (r *RunReport) OK() bool {
	return r.Aborted == "" && len(r.Failures()) == 0
}
