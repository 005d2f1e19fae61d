package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/BadgerOps/nightsync/internal/batch"
	"github.com/BadgerOps/nightsync/internal/checksum"
	"github.com/BadgerOps/nightsync/internal/compression"
	"github.com/BadgerOps/nightsync/internal/fault"
	"github.com/BadgerOps/nightsync/internal/ledger"
	"github.com/BadgerOps/nightsync/internal/metrics"
	"github.com/BadgerOps/nightsync/internal/store"
	"github.com/BadgerOps/nightsync/internal/target"
)

// Controller drives every (file, target) pair of a night through the
// transfer and verify state machine.
type Controller struct {
	enumerator *batch.Enumerator
	compressor *compression.Stage
	store      *store.Store
	metrics    *metrics.Recorder
	logger     *slog.Logger
}

// NewController creates a Controller. The compression stage, store and
// metrics recorder may be nil.
func NewController(
	compressor *compression.Stage,
	st *store.Store,
	rec *metrics.Recorder,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		enumerator: batch.NewEnumerator(logger),
		compressor: compressor,
		store:      st,
		metrics:    rec,
		logger:     logger,
	}
}

// targetState is a target as seen by one session.
type targetState struct {
	t      target.Target
	ledger *ledger.Writer
	// down is set once the target is excluded for the rest of the session.
	down error
}

// Session holds the per-run state shared by every file: capacity decisions,
// open ledgers and the report.
type Session struct {
	c       *Controller
	rc      *RunContext
	targets []*targetState
	report  *RunReport
	run     *store.ReplicationRun
	op      string
	logger  *slog.Logger
}

// Replicate enumerates the night and replicates every file to every target.
// Per-pair faults end up in the report and the ledgers; only a vanished
// source volume is returned as an error.
func (c *Controller) Replicate(ctx context.Context, rc *RunContext) (*RunReport, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	rc.ensureRunID()

	b, err := c.enumerator.Enumerate(ctx, rc.Telescope, rc.Night, rc.SourceRoot)
	if err != nil {
		if fault.Is(err, fault.SourceUnavailable) {
			c.logger.Error("source volume unavailable, aborting run",
				"telescope", rc.Telescope, "night", rc.Night, "critical", true, "error", err)
		}
		return nil, err
	}

	sess, err := c.Begin(ctx, rc, "replicate", b.TotalSize())
	if err != nil {
		return nil, err
	}
	sess.report.Rejected = b.Rejected

	var runErr error
	for _, f := range b.Files {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := sess.ReplicateFile(ctx, f); err != nil {
			runErr = err
			break
		}
	}

	report, err := sess.Close(runErr)
	if runErr != nil {
		return report, runErr
	}
	return report, err
}

// Begin opens a session: it snapshots every target's capacity against the
// estimated bytes and opens the ledgers. Targets below their threshold or
// unreachable are excluded for the whole session.
func (c *Controller) Begin(ctx context.Context, rc *RunContext, operation string, estimated int64) (*Session, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	rc.ensureRunID()
	logger := c.logger.With("run_id", rc.RunID, "telescope", rc.Telescope, "night", rc.Night)

	s := &Session{
		c:      c,
		rc:     rc,
		op:     operation,
		logger: logger,
		report: &RunReport{
			RunID:     rc.RunID,
			Telescope: rc.Telescope,
			Night:     rc.Night,
			CheckOnly: rc.CheckOnly,
			StartTime: rc.now(),
		},
	}

	logger.Info("starting replication", "operation", operation, "targets", len(rc.Targets),
		"check_only", rc.CheckOnly, "estimated_bytes", estimated)

	for _, t := range rc.Targets {
		ts := &targetState{t: t}
		s.targets = append(s.targets, ts)

		capacity, err := t.Capacity(ctx)
		switch {
		case err != nil && fault.Is(err, fault.HostUnreachable):
			ts.down = err
			logger.Warn("target unreachable, excluding from run", "target", t.Name(), "error", err)
		case err != nil:
			ts.down = fault.New(fault.InsufficientCapacity, "capacity", t.Name(), err)
			logger.Warn("capacity unknown, excluding target from run", "target", t.Name(), "error", err)
		case !t.HasCapacity(estimated):
			ts.down = fault.Errorf(fault.InsufficientCapacity, "capacity", t.Name(),
				"%d bytes free of %d, %d bytes needed", capacity.Free, capacity.Total, estimated)
			logger.Warn("target below free-space threshold, excluding from run",
				"target", t.Name(), "free", capacity.Free, "estimated", estimated)
		default:
			logger.Debug("capacity ok", "target", t.Name(), "free", capacity.Free, "unbounded", capacity.Unbounded)
		}

		if rc.CheckOnly {
			continue
		}
		w, err := ledger.Open(rc.LedgerDir, rc.Telescope, rc.Night, t.Name())
		if err != nil {
			s.closeLedgers()
			return nil, fmt.Errorf("failed to open ledger for %s: %w", t.Name(), err)
		}
		ts.ledger = w
	}

	if c.store != nil {
		s.run = &store.ReplicationRun{
			RunID:     rc.RunID,
			Telescope: rc.Telescope,
			Night:     rc.Night,
			Operation: operation,
			CheckOnly: rc.CheckOnly,
			StartTime: s.report.StartTime,
			Status:    store.StatusRunning,
		}
		if err := c.store.CreateRun(s.run); err != nil {
			logger.Warn("failed to record run", "error", err)
			s.run = nil
		}
	}

	return s, nil
}

// Report returns the report accumulated so far.
func (s *Session) Report() *RunReport {
	return s.report
}

// ReplicateFile runs one source file through compression, digesting and
// every target. The returned error is non-nil only when the source volume is
// gone or the context is done.
func (s *Session) ReplicateFile(ctx context.Context, f *batch.SourceFile) error {
	s.report.Files++
	logger := s.logger.With("path", f.Rel)

	if s.c.compressor.Enabled() && !s.rc.CheckOnly {
		newPath, did, err := s.c.compressor.MaybeCompress(ctx, f.Path)
		switch {
		case err != nil && fault.Is(err, fault.Unreadable):
			if srcErr := s.sourceGone(); srcErr != nil {
				return srcErr
			}
			s.failFile(f, "", err)
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("compression failed, replicating uncompressed", "error", err)
		case did:
			if err := f.Rewritten(newPath); err != nil {
				s.failFile(f, "", err)
				return nil
			}
			s.report.Compressed++
			logger = s.logger.With("path", f.Rel)
			logger.Debug("compressed", "size", f.Size)
		}
	}

	local, err := f.Digest()
	if err != nil {
		if srcErr := s.sourceGone(); srcErr != nil {
			return srcErr
		}
		s.failFile(f, "", err)
		return nil
	}

	for _, ts := range s.targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := s.pair(ctx, ts, f, local)
		s.finish(ts, rec)
	}
	return nil
}

// sourceGone returns a SourceUnavailable fault when the source root itself
// has disappeared.
func (s *Session) sourceGone() error {
	if _, err := os.Stat(s.rc.SourceRoot); err != nil {
		s.logger.Error("source volume unavailable, aborting run", "critical", true, "error", err)
		return fault.New(fault.SourceUnavailable, "replicate", s.rc.SourceRoot, err)
	}
	return nil
}

// failFile records every pair of an unreadable file as Failed.
func (s *Session) failFile(f *batch.SourceFile, local checksum.Digest, err error) {
	s.logger.Warn("source file unreadable", "path", f.Rel, "error", err)
	for _, ts := range s.targets {
		rec := s.newRecord(ts, f, local)
		s.fail(&rec, err)
		s.finish(ts, rec)
	}
}

func (s *Session) newRecord(ts *targetState, f *batch.SourceFile, local checksum.Digest) TransferRecord {
	return TransferRecord{
		File:        f.Rel,
		Target:      ts.t.Name(),
		Status:      StatusPending,
		Timestamp:   s.rc.now(),
		LocalDigest: local,
	}
}

func (s *Session) fail(rec *TransferRecord, err error) {
	rec.Status = StatusFailed
	rec.Cause = fault.KindOf(err)
	if rec.Cause == "" {
		rec.Cause = fault.RemoteFault
	}
	rec.Error = err.Error()
}

// pair runs the state machine for one (file, target) pair.
func (s *Session) pair(ctx context.Context, ts *targetState, f *batch.SourceFile, local checksum.Digest) TransferRecord {
	rec := s.newRecord(ts, f, local)
	if ts.down != nil {
		s.fail(&rec, ts.down)
		return rec
	}
	t := ts.t
	logger := s.logger.With("target", t.Name(), "path", f.Rel)

	overwrite := false
	remote, err := t.Digest(ctx, f.Rel)
	switch {
	case err == nil && remote == local:
		rec.Status = StatusSkippedVerified
		rec.DigestMatch = true
		rec.RemoteDigest = remote
		return rec
	case err == nil:
		logger.Info("destination copy differs, overwriting", "local", local.Short(), "remote", remote.Short())
		rec.RemoteDigest = remote
		overwrite = true
	case fault.Is(err, fault.NotFound):
	default:
		s.targetFault(ts, err)
		s.fail(&rec, err)
		return rec
	}

	if s.rc.CheckOnly {
		rec.Overwrite = overwrite
		return rec
	}

	if dir := path.Dir(f.Rel); dir != "." {
		if err := t.EnsureDir(ctx, dir); err != nil {
			s.targetFault(ts, err)
			s.fail(&rec, err)
			return rec
		}
	}

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		rec.Attempts = attempt
		rec.Status = StatusTransferred
		if err := t.Put(ctx, f.Path, f.Rel, overwrite); err != nil {
			if !fault.Is(err, fault.Unreadable) {
				s.targetFault(ts, err)
			}
			s.fail(&rec, err)
			return rec
		}
		rec.Bytes += f.Size

		remote, err := t.Digest(ctx, f.Rel)
		if err != nil {
			if fault.Is(err, fault.NotFound) {
				err = fault.New(fault.RemoteFault, "verify", f.Rel, err)
			}
			s.targetFault(ts, err)
			s.fail(&rec, err)
			return rec
		}
		rec.RemoteDigest = remote
		if remote == local {
			rec.Status = StatusVerified
			rec.DigestMatch = true
			return rec
		}

		logger.Warn("verification mismatch", "attempt", attempt, "local", local.Short(), "remote", remote.Short())
		overwrite = true
	}

	s.fail(&rec, fault.Errorf(fault.ChecksumMismatch, "verify", f.Rel,
		"destination digest %s differs from %s after %d attempts", rec.RemoteDigest.Short(), local.Short(), MaxAttempts))
	return rec
}

// targetFault excludes a target for the rest of the session when it can no
// longer be reached.
func (s *Session) targetFault(ts *targetState, err error) {
	if fault.Is(err, fault.HostUnreachable) {
		if ts.down == nil {
			s.logger.Warn("target unreachable, failing remaining files", "target", ts.t.Name(), "error", err)
		}
		ts.down = err
		return
	}
	s.logger.Warn("target fault", "target", ts.t.Name(), "error", err)
}

// finish records a terminal pair in the report, ledger, store and metrics.
func (s *Session) finish(ts *targetState, rec TransferRecord) {
	s.report.add(rec)
	if s.rc.CheckOnly {
		return
	}

	if ts.ledger != nil {
		entry := ledger.Entry{Outcome: ledger.Failed, LocalPath: rec.File, LocalDigest: rec.LocalDigest}
		if rec.Status.Succeeded() {
			entry = ledger.Entry{
				Outcome:      ledger.Success,
				LocalPath:    rec.File,
				LocalDigest:  rec.LocalDigest,
				Location:     ts.t.Location(rec.File),
				RemoteDigest: rec.RemoteDigest,
			}
		}
		if err := ts.ledger.Append(entry); err != nil {
			s.logger.Error("failed to append ledger entry", "target", rec.Target, "path", rec.File, "error", err)
		}
	}

	s.c.metrics.Transfer(rec.Target, string(rec.Status), rec.Bytes)

	switch rec.Status {
	case StatusVerified:
		s.logger.Info("verified", "target", rec.Target, "path", rec.File, "attempts", rec.Attempts)
	case StatusFailed:
		s.logger.Warn("transfer failed", "target", rec.Target, "path", rec.File, "cause", rec.Cause)
	}

	if s.c.store == nil {
		return
	}
	var err error
	if rec.Status == StatusFailed {
		err = s.c.store.AddFailedTransfer(&store.FailedTransfer{
			Telescope:   s.rc.Telescope,
			Night:       s.rc.Night,
			Target:      rec.Target,
			FilePath:    rec.File,
			LocalDigest: string(rec.LocalDigest),
			Cause:       string(rec.Cause),
			Error:       rec.Error,
			LastFailure: rec.Timestamp,
		})
	} else {
		err = s.c.store.ResolveFailedTransfer(s.rc.Telescope, s.rc.Night, rec.Target, rec.File)
	}
	if err != nil {
		s.logger.Warn("failed to update dead letter table", "path", rec.File, "error", err)
	}
}

func (s *Session) closeLedgers() error {
	var errs []error
	for _, ts := range s.targets {
		if ts.ledger != nil {
			if err := ts.ledger.Close(); err != nil {
				errs = append(errs, err)
			}
			ts.ledger = nil
		}
	}
	return errors.Join(errs...)
}

// Close finalizes the session and returns its report. runErr is the error
// that stopped the session early, if any.
func (s *Session) Close(runErr error) (*RunReport, error) {
	s.report.EndTime = s.rc.now()
	if runErr != nil {
		s.report.Aborted = runErr.Error()
	}
	err := s.closeLedgers()

	verified, skipped, failed := s.report.FileCounts()
	s.logger.Info("replication finished",
		"files", s.report.Files, "verified", verified, "skipped", skipped, "failed", failed,
		"compressed", s.report.Compressed, "bytes", s.report.BytesTransferred(),
		"duration", s.report.EndTime.Sub(s.report.StartTime))

	if s.run != nil {
		s.run.EndTime = s.report.EndTime
		s.run.FilesTotal = s.report.Files
		s.run.FilesVerified = verified
		s.run.FilesSkipped = skipped
		s.run.FilesFailed = failed
		s.run.FilesCompressed = s.report.Compressed
		s.run.BytesTransferred = s.report.BytesTransferred()
		switch {
		case runErr != nil:
			s.run.Status = store.StatusFailed
			s.run.ErrorMessage = runErr.Error()
		case failed > 0:
			s.run.Status = store.StatusPartial
			s.run.ErrorMessage = fmt.Sprintf("%d files with failed transfers", failed)
		default:
			s.run.Status = store.StatusSuccess
		}
		if uerr := s.c.store.UpdateRun(s.run); uerr != nil {
			s.logger.Warn("failed to update run record", "error", uerr)
		}
	}
	s.c.metrics.Finished(s.rc.Telescope, s.op, s.report.EndTime)

	return s.report, err
}
