package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/nightsync/internal/batch"
	"github.com/BadgerOps/nightsync/internal/fault"
)

const (
	// StagedMarker separates a night directory name from its staging time.
	StagedMarker = ".staged-for-deletion."
	stampLayout  = "20060102T150405Z"
)

// StagedName returns the name a night directory is renamed to when staged
// at the given time.
func StagedName(dir string, at time.Time) string {
	return dir + StagedMarker + at.UTC().Format(stampLayout)
}

// ParseStaged splits a staged directory name into its night and staging
// time.
func ParseStaged(name string) (string, time.Time, bool) {
	night, stamp, ok := strings.Cut(name, StagedMarker)
	if !ok {
		return "", time.Time{}, false
	}
	if _, err := batch.ParseNight(night); err != nil {
		return "", time.Time{}, false
	}
	at, err := time.ParseInLocation(stampLayout, stamp, time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}
	return night, at, true
}

// SweepReport lists what a sweep removed and what it left for later.
type SweepReport struct {
	Removed []string
	Kept    []string
}

// Sweep removes staged directories under the telescope's source root whose
// marker time is at least retentionDays old. The marker names alone decide;
// the store is only updated.
func (a *Auditor) Sweep(ctx context.Context, rc *RunContext, retentionDays int) (*SweepReport, error) {
	if retentionDays < 0 {
		return nil, fmt.Errorf("retention days must not be negative, got %d", retentionDays)
	}
	if _, err := os.Stat(rc.SourceRoot); err != nil {
		return nil, fault.New(fault.SourceUnavailable, "sweep", rc.SourceRoot, err)
	}

	now := rc.now()
	retention := time.Duration(retentionDays) * 24 * time.Hour
	report := &SweepReport{}
	var errs []error

	for _, top := range []string{"Images", "Logs"} {
		parent := filepath.Join(rc.SourceRoot, top)
		entries, err := os.ReadDir(parent)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return report, fmt.Errorf("reading %s: %w", parent, err)
		}

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !e.IsDir() {
				continue
			}
			night, at, ok := ParseStaged(e.Name())
			if !ok {
				continue
			}
			p := filepath.Join(parent, e.Name())
			if now.Sub(at) < retention {
				report.Kept = append(report.Kept, p)
				a.logger.Debug("staged directory within retention", "path", p, "staged_at", at)
				continue
			}
			if err := os.RemoveAll(p); err != nil {
				errs = append(errs, fmt.Errorf("removing %s: %w", p, err))
				continue
			}
			report.Removed = append(report.Removed, p)
			a.logger.Info("swept staged directory", "telescope", rc.Telescope, "night", night, "path", p, "staged_at", at)

			if a.store != nil {
				if err := a.store.MarkSwept(p, now); err != nil {
					a.logger.Warn("failed to record sweep", "path", p, "error", err)
				}
			}
		}
	}

	a.metrics.Finished(rc.Telescope, "sweep", now)
	return report, errors.Join(errs...)
}
