package target

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/BadgerOps/nightsync/internal/checksum"
	"github.com/BadgerOps/nightsync/internal/fault"
	"github.com/BadgerOps/nightsync/internal/remote"
)

// Dialer opens the executor for a remote target.
type Dialer func(ctx context.Context) (remote.Executor, error)

// RemoteShell is a target on a host reached through a remote.Executor. The
// connection is opened on first use and kept for the life of the target. A
// failed dial is remembered so every later call fails the same way.
type RemoteShell struct {
	base
	host    string
	root    string
	dial    Dialer
	exec    remote.Executor
	dialErr error
	logger  *slog.Logger
}

// NewRemoteShell creates a remote target. The executor returned by dial is
// owned by the target and closed with it.
func NewRemoteShell(opts Options, host, root string, dial Dialer, logger *slog.Logger) (*RemoteShell, error) {
	if !path.IsAbs(root) {
		return nil, fmt.Errorf("target %s: root %q must be absolute", opts.Name, root)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteShell{
		base:   base{opts: opts, kind: KindRemoteShell},
		host:   host,
		root:   path.Clean(root),
		dial:   dial,
		logger: logger.With("target", opts.Name, "host", host),
	}, nil
}

func (t *RemoteShell) connect(ctx context.Context) (remote.Executor, error) {
	if t.exec != nil {
		return t.exec, nil
	}
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	exec, err := t.dial(ctx)
	if err != nil {
		if !fault.Is(err, fault.HostUnreachable) {
			err = fault.New(fault.HostUnreachable, "connect", t.host, err)
		}
		t.dialErr = err
		t.logger.Warn("remote target unreachable", "error", err)
		return nil, err
	}
	t.exec = exec
	return exec, nil
}

func (t *RemoteShell) resolve(rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	return path.Join(t.root, clean), nil
}

// run executes a command and classifies its stderr. Transport failures pass
// through unchanged.
func (t *RemoteShell) run(ctx context.Context, p string, cmd remote.Command) (remote.Result, error) {
	exec, err := t.connect(ctx)
	if err != nil {
		return remote.Result{}, err
	}
	res, err := exec.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if err := remote.Check(res, cmd, p); err != nil {
		if fault.Is(err, fault.RemoteFault) {
			t.logger.Warn("remote command failed", "command", cmd.Program, "path", p, "error", err)
		}
		return res, err
	}
	return res, nil
}

// EnsureDir creates each level from the root down, treating "File exists"
// as success.
func (t *RemoteShell) EnsureDir(ctx context.Context, rel string) error {
	clean, err := cleanRel(rel)
	if err != nil {
		return err
	}
	exec, err := t.connect(ctx)
	if err != nil {
		return err
	}
	p := t.root
	for _, part := range strings.Split(clean, "/") {
		p = path.Join(p, part)
		cmd := remote.Cmd("mkdir", p)
		res, err := exec.Run(ctx, cmd)
		if err != nil {
			return err
		}
		if remote.AlreadyExists(res) {
			continue
		}
		if err := remote.Check(res, cmd, p); err != nil {
			return err
		}
	}
	return nil
}

// Capacity runs df -Pk on the root.
func (t *RemoteShell) Capacity(ctx context.Context) (Capacity, error) {
	res, err := t.run(ctx, t.root, remote.Cmd("df", "-Pk", t.root))
	if err != nil {
		return Capacity{}, err
	}
	c, err := parseDF(remote.StripANSI(res.Stdout))
	if err != nil {
		return Capacity{}, fault.New(fault.RemoteFault, "df", t.root, err)
	}
	return t.remember(c), nil
}

// parseDF reads the POSIX df -Pk output. Fields are located relative to the
// capacity percentage so file system names with spaces still parse.
func parseDF(out string) (Capacity, error) {
	var last string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	fields := strings.Fields(last)
	pct := -1
	for i, f := range fields {
		if strings.HasSuffix(f, "%") && i >= 3 {
			pct = i
			break
		}
	}
	if pct < 0 {
		return Capacity{}, fmt.Errorf("unexpected df output %q", last)
	}
	total, err := strconv.ParseInt(fields[pct-3], 10, 64)
	if err != nil {
		return Capacity{}, fmt.Errorf("parsing df total: %w", err)
	}
	avail, err := strconv.ParseInt(fields[pct-1], 10, 64)
	if err != nil {
		return Capacity{}, fmt.Errorf("parsing df available: %w", err)
	}
	return Capacity{Total: total * 1024, Free: avail * 1024}, nil
}

// Put copies over the shared connection. The parent directory must already
// exist.
func (t *RemoteShell) Put(ctx context.Context, localPath, rel string, overwrite bool) error {
	p, err := t.resolve(rel)
	if err != nil {
		return err
	}
	if overwrite {
		if _, err := t.run(ctx, p, remote.Cmd("rm", "-f", p)); err != nil {
			return err
		}
	}
	exec, err := t.connect(ctx)
	if err != nil {
		return err
	}
	if err := exec.Copy(ctx, localPath, p); err != nil {
		return err
	}
	t.logger.Debug("copied file", "path", rel)
	return nil
}

func (t *RemoteShell) Digest(ctx context.Context, rel string) (checksum.Digest, error) {
	p, err := t.resolve(rel)
	if err != nil {
		return "", err
	}
	res, err := t.run(ctx, p, remote.Cmd("sha256sum", p))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(remote.Clean(res.Stdout))
	if len(fields) == 0 {
		return "", fault.New(fault.RemoteFault, "sha256sum", p, errors.New("empty output"))
	}
	// sha256sum prefixes the digest with a backslash when the name needed
	// escaping.
	d, err := checksum.ParseDigest(strings.TrimPrefix(fields[0], `\`))
	if err != nil {
		return "", fault.New(fault.RemoteFault, "sha256sum", p, err)
	}
	return d, nil
}

// Count lists regular, non-hidden files with find. A missing directory
// counts as zero.
func (t *RemoteShell) Count(ctx context.Context, rels ...string) (int, error) {
	total := 0
	for _, rel := range rels {
		p, err := t.resolve(rel)
		if err != nil {
			return 0, err
		}
		res, err := t.run(ctx, p, remote.Cmd("find", p, "-type", "f", "!", "-name", ".*"))
		if err != nil {
			if fault.Is(err, fault.NotFound) {
				continue
			}
			return 0, err
		}
		for _, line := range strings.Split(remote.StripANSI(res.Stdout), "\n") {
			if strings.TrimSpace(line) != "" {
				total++
			}
		}
	}
	return total, nil
}

func (t *RemoteShell) Location(rel string) string {
	return t.host + ":" + path.Join(t.root, rel)
}

func (t *RemoteShell) Close() error {
	if t.exec == nil {
		return nil
	}
	err := t.exec.Close()
	t.exec = nil
	t.dialErr = fault.New(fault.HostUnreachable, "closed", t.host, errors.New("target closed"))
	return err
}
