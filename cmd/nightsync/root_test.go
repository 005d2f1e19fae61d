package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/nightsync/internal/config"
	"github.com/BadgerOps/nightsync/internal/ledger"
	"github.com/BadgerOps/nightsync/internal/metrics"
	"github.com/BadgerOps/nightsync/internal/store"
	"github.com/BadgerOps/nightsync/internal/target"
)

const cliNight = "20240115"

func TestResolveNight(t *testing.T) {
	now := time.Date(2026, 10, 18, 0, 30, 0, 0, time.UTC)

	got, err := resolveNight("", now)
	if err != nil || got != "20261017" {
		t.Fatalf("resolveNight(\"\") = %q, %v, want 20261017", got, err)
	}
	got, err = resolveNight("20260101", now)
	if err != nil || got != "20260101" {
		t.Fatalf("resolveNight(20260101) = %q, %v", got, err)
	}
	if _, err := resolveNight("2026-01-01", now); err == nil {
		t.Fatal("expected error for malformed night")
	}
}

func TestSelectTelescope(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := selectTelescope(cfg, ""); err == nil {
		t.Fatal("expected error with no telescopes")
	}

	cfg.Telescopes = []config.TelescopeConfig{{ID: "t1", SourceRoot: "/data/t1"}}
	tel, err := selectTelescope(cfg, "")
	if err != nil || tel.ID != "t1" {
		t.Fatalf("single telescope not selected: %v, %v", tel, err)
	}

	cfg.Telescopes = append(cfg.Telescopes, config.TelescopeConfig{ID: "t2", SourceRoot: "/data/t2"})
	if _, err := selectTelescope(cfg, ""); err == nil || !strings.Contains(err.Error(), "t1, t2") {
		t.Fatalf("expected ambiguity error listing telescopes, got %v", err)
	}
	if tel, err := selectTelescope(cfg, "t2"); err != nil || tel.ID != "t2" {
		t.Fatalf("selectTelescope(t2) = %v, %v", tel, err)
	}
}

func TestBuildTargetsLocal(t *testing.T) {
	cfg := config.DefaultConfig()
	tcs := []config.TargetConfig{
		{Name: "backup", Kind: target.KindLocalDisk, Root: t.TempDir(), Reserve: "1MB"},
		{Name: "usb", Kind: target.KindLocalExternal, Root: t.TempDir()},
	}
	targets, err := buildTargets(context.Background(), cfg, tcs, discardLogger())
	if err != nil {
		t.Fatalf("buildTargets() failed: %v", err)
	}
	if len(targets) != 2 || targets[1].Kind() != target.KindLocalExternal || !targets[0].Required() {
		t.Fatalf("targets = %+v", targets)
	}

	tcs[0].Kind = "tape"
	if _, err := buildTargets(context.Background(), cfg, tcs, discardLogger()); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

// TestNightLifecycle replicates a night to two local targets, audits it,
// and sweeps the staged directories.
func TestNightLifecycle(t *testing.T) {
	source := t.TempDir()
	writeFile(t, source, "Images/"+cliNight+"/M31-001-"+cliNight+"at200000.fits", "frame 1")
	writeFile(t, source, "Images/"+cliNight+"/M31-002-"+cliNight+"at200100.fits", "frame 2")
	writeFile(t, source, "Logs/"+cliNight+"/session-"+cliNight+"at180000.log", "log")

	cfg := testConfig(t, source, t.TempDir(), t.TempDir())
	setupGlobals(t, cfg)

	if err := replicateRun(newReplicateCmd(), nil); err != nil {
		t.Fatalf("replicateRun() failed: %v", err)
	}
	for _, name := range []string{"backup", "usb"} {
		entries, err := ledger.Read(ledger.Path(cfg.LedgerDir, "t1", cliNight, name))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 3 {
			t.Fatalf("%s ledger has %d entries, want 3", name, len(entries))
		}
	}

	if err := auditRun(newAuditCmd(), nil); err != nil {
		t.Fatalf("auditRun() failed: %v", err)
	}
	staged, err := globalStore.ListStagedDirs("t1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(staged) != 2 {
		t.Fatalf("staged dirs = %+v", staged)
	}

	out := captureStdout(t, func() {
		if err := statusRun(newStatusCmd(), nil); err != nil {
			t.Fatalf("statusRun() failed: %v", err)
		}
	})
	for _, want := range []string{"replicate", cliNight, "success", "Recent Audits", "None."} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	sweep := newSweepCmd()
	if err := sweep.Flags().Set("retention-days", "0"); err != nil {
		t.Fatal(err)
	}
	if err := sweepRun(sweep, nil); err != nil {
		t.Fatalf("sweepRun() failed: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(source, "Images"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("Images still holds %d entries after sweep", len(entries))
	}

	data, err := os.ReadFile(cfg.Metrics.Textfile)
	if err != nil {
		t.Fatalf("metrics textfile not written: %v", err)
	}
	if !strings.Contains(string(data), `nightsync_audit_pass{telescope="t1"} 1`) {
		t.Errorf("metrics textfile missing audit gauge:\n%s", data)
	}
}

func TestReplicateFailsWhenTargetMissing(t *testing.T) {
	source := t.TempDir()
	writeFile(t, source, "Images/"+cliNight+"/M31-001-"+cliNight+"at200000.fits", "frame 1")

	cfg := testConfig(t, source, t.TempDir(), filepath.Join(t.TempDir(), "unplugged"))
	setupGlobals(t, cfg)

	err := replicateRun(newReplicateCmd(), nil)
	if err == nil || !strings.Contains(err.Error(), "1 failed transfers") {
		t.Fatalf("replicateRun() = %v, want failed transfers error", err)
	}

	if err := auditRun(newAuditCmd(), nil); err == nil {
		t.Fatal("audit must fail while a required target is missing")
	}
	if _, err := os.Stat(filepath.Join(source, "Images", cliNight)); err != nil {
		t.Fatal("unreconciled night must stay in place")
	}

	failed, err := globalStore.ListFailedTransfers("t1", cliNight)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Target != "usb" {
		t.Fatalf("failed transfers = %+v", failed)
	}
}

func TestLedgerRun(t *testing.T) {
	source := t.TempDir()
	writeFile(t, source, "Images/"+cliNight+"/M31-001-"+cliNight+"at200000.fits", "frame 1")
	cfg := testConfig(t, source, t.TempDir(), t.TempDir())
	setupGlobals(t, cfg)

	if err := replicateRun(newReplicateCmd(), nil); err != nil {
		t.Fatal(err)
	}

	out := captureStdout(t, func() {
		if err := ledgerRun(newLedgerCmd(), nil); err != nil {
			t.Fatalf("ledgerRun() failed: %v", err)
		}
	})
	if !strings.Contains(out, "backup: 1 files, 1 succeeded, 0 failed") || !strings.Contains(out, "usb:") {
		t.Errorf("unexpected ledger output:\n%s", out)
	}
}

func testConfig(t *testing.T, source, backupRoot, usbRoot string) *config.Config {
	t.Helper()
	state := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Telescopes = []config.TelescopeConfig{{ID: "t1", SourceRoot: source}}
	cfg.Targets = []config.TargetConfig{
		{Name: "backup", Kind: target.KindLocalDisk, Root: backupRoot},
		{Name: "usb", Kind: target.KindLocalExternal, Root: usbRoot},
	}
	cfg.LedgerDir = filepath.Join(state, "ledger")
	cfg.DBPath = ""
	cfg.Metrics.Textfile = filepath.Join(state, "nightsync.prom")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func setupGlobals(t *testing.T, cfg *config.Config) {
	t.Helper()
	origCfg, origStore, origMetrics, origLogger := globalCfg, globalStore, globalMetrics, logger
	origTelescope, origNight, origQuiet := telescopeID, nightFlag, quiet
	origReplicate, origAudit := replicateCheckOnly, auditCheckOnly

	globalCfg = cfg
	globalStore = newTestStore(t)
	globalMetrics = metrics.New()
	logger = discardLogger()
	telescopeID = "t1"
	nightFlag = cliNight
	quiet = true
	replicateCheckOnly, auditCheckOnly = false, false

	t.Cleanup(func() {
		globalCfg, globalStore, globalMetrics, logger = origCfg, origStore, origMetrics, origLogger
		telescopeID, nightFlag, quiet = origTelescope, origNight, origQuiet
		replicateCheckOnly, auditCheckOnly = origReplicate, origAudit
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}
