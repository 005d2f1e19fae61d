package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/BadgerOps/nightsync/internal/batch"
	"github.com/BadgerOps/nightsync/internal/target"
	"github.com/google/uuid"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now returns f().
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// RunContext carries everything one operation needs about the telescope and
// night it works on. It is passed explicitly to every call.
type RunContext struct {
	RunID      string
	Telescope  string
	Night      string
	SourceRoot string
	Targets    []target.Target
	LedgerDir  string
	CheckOnly  bool
	Clock      Clock
}

// NewRunContext fills in a fresh run id and the system clock.
func NewRunContext(telescope, night, sourceRoot, ledgerDir string, targets []target.Target) *RunContext {
	return &RunContext{
		RunID:      uuid.NewString(),
		Telescope:  telescope,
		Night:      night,
		SourceRoot: sourceRoot,
		Targets:    targets,
		LedgerDir:  ledgerDir,
		Clock:      SystemClock,
	}
}

// Validate checks the context before any work starts.
func (rc *RunContext) Validate() error {
	if rc.Telescope == "" {
		return errors.New("telescope is required")
	}
	if _, err := batch.ParseNight(rc.Night); err != nil {
		return err
	}
	if rc.SourceRoot == "" {
		return fmt.Errorf("telescope %s has no source root", rc.Telescope)
	}
	if rc.LedgerDir == "" {
		return errors.New("ledger directory is required")
	}
	seen := make(map[string]bool, len(rc.Targets))
	for _, t := range rc.Targets {
		if seen[t.Name()] {
			return fmt.Errorf("duplicate target %q", t.Name())
		}
		seen[t.Name()] = true
	}
	return nil
}

func (rc *RunContext) clock() Clock {
	if rc.Clock == nil {
		return SystemClock
	}
	return rc.Clock
}

func (rc *RunContext) now() time.Time {
	return rc.clock().Now().UTC()
}

func (rc *RunContext) ensureRunID() {
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
}
