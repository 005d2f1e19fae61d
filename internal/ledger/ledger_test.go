package ledger

import (
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/BadgerOps/nightsync/internal/checksum"
)

var (
	digestA = checksum.Digest(strings.Repeat("a", 64))
	digestB = checksum.Digest(strings.Repeat("b", 64))
)

func TestEntryLineFormat(t *testing.T) {
	ok := Entry{
		Outcome:      Success,
		LocalPath:    "Images/20261017/M31-001-20261017at220000.fits.fz",
		LocalDigest:  digestA,
		Location:     "archive:/archive/Images/20261017/M31-001-20261017at220000.fits.fz",
		RemoteDigest: digestA,
	}
	want := "Success: Images/20261017/M31-001-20261017at220000.fits.fz," + string(digestA) +
		",archive:/archive/Images/20261017/M31-001-20261017at220000.fits.fz," + string(digestA)
	if got := ok.String(); got != want {
		t.Fatalf("String() = %q\nwant %q", got, want)
	}

	failed := Entry{Outcome: Failed, LocalPath: "Logs/20261017/x.log", LocalDigest: digestB}
	if got := failed.String(); got != "Failed: Logs/20261017/x.log,"+string(digestB)+",,," {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseLineRoundTrip(t *testing.T) {
	entries := []Entry{
		{Outcome: Success, LocalPath: "Images/20261017/a, b.fits", LocalDigest: digestA, Location: "/mnt/x/a, b.fits", RemoteDigest: digestA},
		{Outcome: Failed, LocalPath: "Images/20261017/c.fits", LocalDigest: digestB},
		{Outcome: Failed, LocalPath: "Images/20261017/unreadable.fits"},
	}
	for _, e := range entries {
		got, err := ParseLine(e.String())
		if err != nil {
			t.Fatalf("ParseLine(%q) failed: %v", e.String(), err)
		}
		if !reflect.DeepEqual(got, e) {
			t.Errorf("ParseLine(%q) = %+v, want %+v", e.String(), got, e)
		}
	}
	if _, err := ParseLine("Success: garbage"); err == nil {
		t.Error("malformed line accepted")
	}
}

func TestAppendAndReadLatest(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "t1", "20261017", "archive")
	if err != nil {
		t.Fatal(err)
	}
	rows := []Entry{
		{Outcome: Failed, LocalPath: "a.fits", LocalDigest: digestA},
		{Outcome: Success, LocalPath: "b.fits", LocalDigest: digestB, Location: "archive:/b.fits", RemoteDigest: digestB},
		{Outcome: Success, LocalPath: "a.fits", LocalDigest: digestA, Location: "archive:/a.fits", RemoteDigest: digestA},
	}
	for _, r := range rows {
		if err := w.Append(r); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	latest, err := ReadLatest(Path(dir, "t1", "20261017", "archive"))
	if err != nil {
		t.Fatalf("ReadLatest() failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("got %d paths, want 2", len(latest))
	}
	if latest["a.fits"].Outcome != Success {
		t.Errorf("a.fits latest = %s, want Success", latest["a.fits"].Outcome)
	}

	// Re-opening appends rather than truncating.
	w, err = Open(dir, "t1", "20261017", "archive")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(Entry{Outcome: Failed, LocalPath: "b.fits", LocalDigest: digestB}); err != nil {
		t.Fatal(err)
	}
	w.Close()
	all, err := Read(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d entries, want 4", len(all))
	}
}

func TestReadIgnoresTornTail(t *testing.T) {
	dir := t.TempDir()
	p := Path(dir, "t1", "20261017", "backup")
	w, err := Open(dir, "t1", "20261017", "backup")
	if err != nil {
		t.Fatal(err)
	}
	w.Append(Entry{Outcome: Success, LocalPath: "a.fits", LocalDigest: digestA, Location: "/mnt/a.fits", RemoteDigest: digestA})
	w.Close()

	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("Success: b.fits," + string(digestB)[:20])
	f.Close()

	entries, err := Read(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].LocalPath != "a.fits" {
		t.Fatalf("Read() = %+v, want only the complete line", entries)
	}
}

func TestReadMissing(t *testing.T) {
	entries, err := Read(Path(t.TempDir(), "t1", "20261017", "none"))
	if err != nil || entries != nil {
		t.Fatalf("Read() of missing ledger = %v, %v", entries, err)
	}
}

func TestTargets(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"offsite", "archive"} {
		w, err := Open(dir, "t1", "20261017", name)
		if err != nil {
			t.Fatal(err)
		}
		w.Close()
	}
	names, err := Targets(dir, "t1", "20261017")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"archive", "offsite"}) {
		t.Fatalf("Targets() = %v", names)
	}
}
