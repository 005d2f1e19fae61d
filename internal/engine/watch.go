package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/nightsync/internal/batch"
	"github.com/BadgerOps/nightsync/internal/fault"
	"github.com/fsnotify/fsnotify"
)

// Watch defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultSettlePolls  = 2
	DefaultCutoffHour   = 9
)

// WatchOptions configures the watch loop.
type WatchOptions struct {
	// CaptureDir is the directory the camera writes to. It must lie under
	// the source root; empty means Images/<night>.
	CaptureDir   string
	PollInterval time.Duration
	// SettlePolls is the number of consecutive polls a file size must stay
	// unchanged before the file is replicated.
	SettlePolls int
	// CutoffHour is the local hour at which the loop stops.
	CutoffHour int
	// Until overrides the cutoff when set.
	Until time.Time
}

func (o *WatchOptions) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SettlePolls <= 0 {
		o.SettlePolls = DefaultSettlePolls
	}
	if o.CutoffHour < 0 || o.CutoffHour > 23 {
		o.CutoffHour = DefaultCutoffHour
	}
}

// Cutoff returns the first moment after now whose local hour is
// hour, on the hour.
func Cutoff(now time.Time, hour int) time.Time {
	c := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !c.After(now) {
		c = c.AddDate(0, 0, 1)
	}
	return c
}

type watchEntry struct {
	size    int64
	stable  int
	checked time.Time
	done    bool
}

// Watch polls the capture directory and replicates each new file once its
// size has settled. It stops at the cutoff, when ctx is done, or when the
// source volume disappears.
func (c *Controller) Watch(ctx context.Context, rc *RunContext, opts WatchOptions) (*RunReport, error) {
	opts.defaults()
	if err := rc.Validate(); err != nil {
		return nil, err
	}

	captureDir := opts.CaptureDir
	if captureDir == "" {
		captureDir = filepath.Join(rc.SourceRoot, filepath.FromSlash(batch.ImagesDir(rc.Night)))
	}
	relDir, err := filepath.Rel(rc.SourceRoot, captureDir)
	if err != nil || relDir == ".." || strings.HasPrefix(relDir, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("capture directory %s is not under source root %s", captureDir, rc.SourceRoot)
	}
	relDir = filepath.ToSlash(relDir)

	until := opts.Until
	if until.IsZero() {
		until = Cutoff(rc.clock().Now(), opts.CutoffHour)
	}

	sess, err := c.Begin(ctx, rc, "watch", 0)
	if err != nil {
		return nil, err
	}
	sess.logger.Info("watching capture directory", "dir", captureDir, "until", until,
		"poll_interval", opts.PollInterval, "settle_polls", opts.SettlePolls)

	wake, stopWatcher := c.notifier(captureDir)
	defer stopWatcher()

	seen := map[string]*watchEntry{}
	var runErr error
loop:
	for {
		if !rc.clock().Now().Before(until) {
			sess.logger.Info("cutoff reached, stopping watch")
			break
		}
		if err := c.poll(ctx, sess, captureDir, relDir, seen, opts); err != nil {
			runErr = err
			break
		}

		timer := time.NewTimer(opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			break loop
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}

	report, err := sess.Close(runErr)
	if runErr != nil {
		return report, runErr
	}
	return report, err
}

// poll lists the capture directory once and replicates every file whose
// size has been stable for the configured number of polls.
func (c *Controller) poll(
	ctx context.Context,
	sess *Session,
	dir, relDir string,
	seen map[string]*watchEntry,
	opts WatchOptions,
) error {
	now := sess.rc.clock().Now()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if _, statErr := os.Stat(sess.rc.SourceRoot); statErr != nil {
			sess.logger.Error("source volume unavailable, stopping watch", "critical", true, "error", statErr)
			return fault.New(fault.SourceUnavailable, "watch", sess.rc.SourceRoot, statErr)
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		sess.logger.Warn("listing capture directory failed", "dir", dir, "error", err)
		return nil
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if _, ok := batch.Rejected(name); ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}

		w, ok := seen[name]
		if !ok {
			seen[name] = &watchEntry{size: info.Size(), checked: now}
			continue
		}
		if w.done {
			continue
		}
		// An early wake-up does not count as a poll for settling.
		if now.Sub(w.checked) < opts.PollInterval {
			continue
		}
		w.checked = now
		if info.Size() != w.size {
			w.size = info.Size()
			w.stable = 0
			continue
		}
		w.stable++
		if w.stable+1 < opts.SettlePolls {
			continue
		}

		w.done = true
		rel := path.Join(relDir, name)
		f, err := batch.Stat(sess.rc.SourceRoot, rel, batch.CategoryOf(sess.rc.Night, rel))
		if err != nil {
			sess.logger.Warn("file vanished before replication", "path", rel, "error", err)
			continue
		}
		if err := sess.ReplicateFile(ctx, f); err != nil {
			return err
		}
		// Compression renames the file; the artifact is not new work.
		if f.Rel != rel {
			seen[path.Base(f.Rel)] = &watchEntry{size: f.Size, done: true}
		}
	}
	return nil
}

// notifier returns a channel that receives when the capture directory
// changes. The listing stays authoritative; a missing directory or watcher
// error just means waiting for the next poll.
func (c *Controller) notifier(dir string) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Debug("fsnotify unavailable, polling only", "error", err)
		return wake, func() {}
	}
	if err := w.Add(dir); err != nil {
		c.logger.Debug("cannot watch capture directory, polling only", "dir", dir, "error", err)
		w.Close()
		return wake, func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Debug("fsnotify error", "error", err)
			}
		}
	}()
	return wake, func() {
		close(done)
		w.Close()
	}
}
