package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/nightsync/internal/batch"
	"github.com/BadgerOps/nightsync/internal/checksum"
	"github.com/BadgerOps/nightsync/internal/fault"
	"github.com/BadgerOps/nightsync/internal/ledger"
	"github.com/BadgerOps/nightsync/internal/metrics"
	"github.com/BadgerOps/nightsync/internal/store"
	"github.com/BadgerOps/nightsync/internal/target"
)

// Verdict is the outcome of a night audit.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// TargetAudit holds the counts of one target.
type TargetAudit struct {
	Target     string `json:"target"`
	Required   bool   `json:"required"`
	Successes  int    `json:"ledger_successes"`
	Failures   int    `json:"ledger_failures"`
	Live       int    `json:"live_count"`
	LiveKnown  bool   `json:"live_known"`
	Reconciled bool   `json:"reconciled"`
}

// StagedMove is one night directory renamed for deletion.
type StagedMove struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NightAudit is the verdict on one night. It is computed once and never
// changed.
type NightAudit struct {
	RunID       string
	Telescope   string
	Night       string
	CheckedAt   time.Time
	SourceCount int
	Targets     []TargetAudit
	Verdict     Verdict
	Eligible    bool
	Reasons     []string
	Staged      []StagedMove
	Files       []ManifestFile
}

// Auditor decides whether a night may be reclaimed and stages it.
type Auditor struct {
	enumerator *batch.Enumerator
	store      *store.Store
	metrics    *metrics.Recorder
	logger     *slog.Logger
}

// NewAuditor creates an Auditor. The store and metrics recorder may be nil.
func NewAuditor(st *store.Store, rec *metrics.Recorder, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		enumerator: batch.NewEnumerator(logger),
		store:      st,
		metrics:    rec,
		logger:     logger,
	}
}

// Audit re-enumerates the night, reconciles it against every target's ledger
// and live file count, and on a deletable verdict renames the night
// directories with a staged-for-deletion marker. Check-only audits decide
// but neither stage nor record anything.
func (a *Auditor) Audit(ctx context.Context, rc *RunContext) (*NightAudit, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	rc.ensureRunID()
	logger := a.logger.With("run_id", rc.RunID, "telescope", rc.Telescope, "night", rc.Night)

	b, err := a.enumerator.Enumerate(ctx, rc.Telescope, rc.Night, rc.SourceRoot)
	if err != nil {
		if fault.Is(err, fault.SourceUnavailable) {
			logger.Error("source volume unavailable, cannot audit", "critical", true, "error", err)
		}
		return nil, err
	}

	audit := &NightAudit{
		RunID:       rc.RunID,
		Telescope:   rc.Telescope,
		Night:       rc.Night,
		CheckedAt:   rc.now(),
		SourceCount: len(b.Files),
	}

	digests := make(map[string]checksum.Digest, len(b.Files))
	for _, f := range b.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := f.Digest()
		if err != nil {
			audit.Reasons = append(audit.Reasons, fmt.Sprintf("%s: source unreadable", f.Rel))
			logger.Warn("source file unreadable during audit", "path", f.Rel, "error", err)
		}
		digests[f.Rel] = d
		audit.Files = append(audit.Files, ManifestFile{Path: f.Rel, Size: f.Size, SHA256: d})
	}

	required := 0
	passed := true
	for _, t := range rc.Targets {
		ta, reasons := a.auditTarget(ctx, rc, t, b, digests)
		ta.Required = t.Required()
		audit.Targets = append(audit.Targets, ta)
		if !ta.Required {
			continue
		}
		required++
		if !ta.Reconciled {
			passed = false
			audit.Reasons = append(audit.Reasons, reasons...)
		}
	}
	if required == 0 {
		passed = false
		audit.Reasons = append(audit.Reasons, "no required targets configured")
	}
	for _, d := range digests {
		if d.Empty() {
			passed = false
			break
		}
	}

	audit.Verdict = VerdictFail
	if passed {
		audit.Verdict = VerdictPass
	}

	today := batch.NightOf(audit.CheckedAt)
	audit.Eligible = passed
	if rc.Night >= today {
		audit.Eligible = false
		audit.Reasons = append(audit.Reasons, fmt.Sprintf("night %s is not over (today is %s UTC)", rc.Night, today))
	}

	logger.Info("audit complete", "verdict", audit.Verdict, "eligible", audit.Eligible,
		"sources", audit.SourceCount, "reasons", len(audit.Reasons))
	for _, r := range audit.Reasons {
		logger.Info("audit reason", "reason", r)
	}

	if rc.CheckOnly {
		return audit, nil
	}

	var stageErr error
	if audit.Eligible {
		stageErr = a.stage(rc, audit)
	}

	m := &AuditManifest{
		Version:   "1.0",
		RunID:     audit.RunID,
		Created:   audit.CheckedAt,
		Telescope: audit.Telescope,
		Night:     audit.Night,
		Verdict:   audit.Verdict,
		Eligible:  audit.Eligible,
		Staged:    audit.Staged,
		Sources:   audit.SourceCount,
		Targets:   audit.Targets,
		Reasons:   audit.Reasons,
		Inventory: audit.Files,
	}
	if err := writeManifest(ManifestPath(rc.LedgerDir, rc.Telescope, rc.Night), m); err != nil {
		logger.Warn("failed to write audit manifest", "error", err)
	}

	a.record(rc, audit, logger)
	return audit, stageErr
}

// auditTarget computes the counts of one target. Ledger successes only count
// when the recorded local digest equals the current source digest.
func (a *Auditor) auditTarget(
	ctx context.Context,
	rc *RunContext,
	t target.Target,
	b *batch.NightBatch,
	digests map[string]checksum.Digest,
) (TargetAudit, []string) {
	name := t.Name()
	ta := TargetAudit{Target: name}
	var reasons []string

	latest, err := ledger.ReadLatest(ledger.Path(rc.LedgerDir, rc.Telescope, rc.Night, name))
	if err != nil {
		reasons = append(reasons, fmt.Sprintf("%s: ledger unreadable: %v", name, err))
	}
	for _, f := range b.Files {
		e, ok := latest[f.Rel]
		if !ok {
			continue
		}
		d := digests[f.Rel]
		switch {
		case e.Outcome == ledger.Failed:
			ta.Failures++
		case !d.Empty() && e.LocalDigest == d && e.RemoteDigest == d:
			ta.Successes++
		}
	}

	live, err := t.Count(ctx, batch.NightDirs(rc.Night)...)
	if err != nil {
		a.logger.Warn("live count failed", "target", name, "error", err)
		reasons = append(reasons, fmt.Sprintf("%s: live count unavailable: %v", name, err))
	} else {
		ta.Live = live
		ta.LiveKnown = true
	}

	src := len(b.Files)
	if ta.Successes != src {
		reasons = append(reasons, fmt.Sprintf("%s: %d of %d files verified in ledger", name, ta.Successes, src))
	}
	if ta.Failures > 0 {
		reasons = append(reasons, fmt.Sprintf("%s: %d failed transfers in ledger", name, ta.Failures))
	}
	if ta.LiveKnown && ta.Live != src {
		reasons = append(reasons, fmt.Sprintf("%s: %d files on target, %d at source", name, ta.Live, src))
	}
	ta.Reconciled = err == nil && len(reasons) == 0
	return ta, reasons
}

// stage renames the night directories with the staged-for-deletion marker.
func (a *Auditor) stage(rc *RunContext, audit *NightAudit) error {
	var errs []error
	for _, dir := range batch.NightDirs(rc.Night) {
		src := filepath.Join(rc.SourceRoot, filepath.FromSlash(dir))
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		dst := StagedName(src, audit.CheckedAt)
		if err := os.Rename(src, dst); err != nil {
			errs = append(errs, fmt.Errorf("staging %s: %w", src, err))
			continue
		}
		audit.Staged = append(audit.Staged, StagedMove{From: src, To: dst})
		a.logger.Info("staged for deletion", "telescope", rc.Telescope, "night", rc.Night, "path", dst)

		if a.store != nil {
			err := a.store.AddStagedDir(&store.StagedDir{
				Telescope:    rc.Telescope,
				Night:        rc.Night,
				OriginalPath: src,
				StagedPath:   dst,
				StagedAt:     audit.CheckedAt,
			})
			if err != nil {
				a.logger.Warn("failed to record staged directory", "path", dst, "error", err)
			}
		}
	}
	return errors.Join(errs...)
}

func (a *Auditor) record(rc *RunContext, audit *NightAudit, logger *slog.Logger) {
	passed := audit.Verdict == VerdictPass
	a.metrics.AuditResult(rc.Telescope, passed)
	a.metrics.Finished(rc.Telescope, "audit", audit.CheckedAt)

	if a.store == nil {
		return
	}
	counts := make([]store.TargetCounts, 0, len(audit.Targets))
	for _, t := range audit.Targets {
		counts = append(counts, store.TargetCounts{
			Target:    t.Target,
			Successes: t.Successes,
			Failures:  t.Failures,
			Live:      t.Live,
			LiveKnown: t.LiveKnown,
		})
	}
	err := a.store.CreateAudit(&store.AuditRecord{
		RunID:       audit.RunID,
		Telescope:   audit.Telescope,
		Night:       audit.Night,
		SourceCount: audit.SourceCount,
		Passed:      passed,
		Eligible:    audit.Eligible,
		Staged:      len(audit.Staged) > 0,
		Targets:     counts,
		Reasons:     audit.Reasons,
		CreatedAt:   audit.CheckedAt,
	})
	if err != nil {
		logger.Warn("failed to record audit", "error", err)
	}
}
