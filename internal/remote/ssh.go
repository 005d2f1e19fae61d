package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/nightsync/internal/fault"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultCommandTimeout bounds a remote command when none is configured.
const DefaultCommandTimeout = 2 * time.Minute

// SSHConfig describes how to reach a remote host.
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	KeyFile    string
	KnownHosts string
	// InsecureIgnoreHostKey skips host key verification. Only for hosts on
	// an isolated network.
	InsecureIgnoreHostKey bool

	CommandTimeout time.Duration
	ProbeTimeout   time.Duration
}

// Addr returns host:port.
func (c SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSHExecutor runs commands over one persistent SSH connection.
type SSHExecutor struct {
	cfg    SSHConfig
	client *ssh.Client
	logger *slog.Logger

	mu     sync.Mutex
	broken error
}

// Dial probes the host, then opens the SSH connection. Any failure is
// HostUnreachable.
func Dial(ctx context.Context, cfg SSHConfig, logger *slog.Logger) (*SSHExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	addr := cfg.Addr()

	if err := Probe(ctx, addr, cfg.ProbeTimeout); err != nil {
		return nil, err
	}

	clientCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fault.New(fault.HostUnreachable, "dial", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fault.New(fault.HostUnreachable, "handshake", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Debug("ssh connection established", "host", addr, "user", cfg.User)
	return &SSHExecutor{
		cfg:    cfg,
		client: ssh.NewClient(c, chans, reqs),
		logger: logger,
	}, nil
}

func clientConfig(cfg SSHConfig) (*ssh.ClientConfig, error) {
	keyPath := expandHome(cfg.KeyFile)
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", keyPath, err)
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	case cfg.KnownHosts != "":
		hostKey, err = knownhosts.New(expandHome(cfg.KnownHosts))
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
	default:
		return nil, errors.New("known_hosts is required unless insecure_ignore_host_key is set")
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
	}, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Run executes cmd in a new session on the shared connection.
func (e *SSHExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken != nil {
		return Result{}, e.broken
	}
	sess, err := e.client.NewSession()
	if err != nil {
		return Result{}, e.lost("session", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	line := cmd.String()
	e.logger.Debug("remote command", "host", e.cfg.Host, "command", line)
	if err := sess.Start(line); err != nil {
		return Result{}, e.lost("start", err)
	}

	err = e.wait(ctx, sess, cmd.Timeout, cmd.Program)
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		return res, nil
	}
	return res, err
}

// wait blocks until the session ends, the timeout passes or ctx is done.
func (e *SSHExecutor) wait(ctx context.Context, sess *ssh.Session, timeout time.Duration, op string) error {
	if timeout <= 0 {
		timeout = e.cfg.CommandTimeout
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case err == nil, errors.As(err, &exitErr):
			return err
		case errors.As(err, &missing):
			// A dropped connection also ends the session without a status.
			if aliveErr := e.alive(); aliveErr != nil {
				return e.lost(op, aliveErr)
			}
			return fault.New(fault.RemoteFault, op, e.cfg.Host, err)
		default:
			return e.lost(op, err)
		}
	case <-timer.C:
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		return fault.New(fault.RemoteFault, op, e.cfg.Host, fmt.Errorf("timed out after %s", timeout))
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		return ctx.Err()
	}
}

// alive sends a keepalive request and waits for the server to answer it.
func (e *SSHExecutor) alive() error {
	timeout := e.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	res := make(chan error, 1)
	go func() {
		_, _, err := e.client.SendRequest("keepalive@openssh.com", true, nil)
		res <- err
	}()
	select {
	case err := <-res:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("no keepalive reply within %s", timeout)
	}
}

// lost marks the connection unusable; later calls fail fast.
func (e *SSHExecutor) lost(op string, err error) error {
	e.broken = fault.New(fault.HostUnreachable, op, e.cfg.Addr(), err)
	e.logger.Warn("ssh connection lost", "host", e.cfg.Host, "error", err)
	return e.broken
}

// Copy sends a local file with the scp sink protocol over the shared
// connection.
func (e *SSHExecutor) Copy(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fault.New(fault.Unreadable, "copy", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fault.New(fault.Unreadable, "copy", localPath, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken != nil {
		return e.broken
	}
	sess, err := e.client.NewSession()
	if err != nil {
		return e.lost("scp", err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return e.lost("scp", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return e.lost("scp", err)
	}
	var stderr bytes.Buffer
	sess.Stderr = &stderr

	line := "scp -t " + Escape(path.Dir(remotePath))
	if err := sess.Start(line); err != nil {
		return e.lost("scp", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		err := scpSend(stdin, stdout, path.Base(remotePath), info.Mode(), info.Size(), f)
		stdin.Close()
		sendErr <- err
	}()

	waitErr := e.wait(ctx, sess, copyTimeout(e.cfg.CommandTimeout, info.Size()), "scp")
	if err := <-sendErr; err != nil {
		var se *scpError
		if errors.As(err, &se) {
			return Check(Result{Stderr: se.Message, ExitStatus: 1}, Command{Program: "scp"}, remotePath)
		}
		if waitErr != nil && !isExit(waitErr) {
			return waitErr
		}
		return fault.New(fault.RemoteFault, "scp", remotePath, err)
	}
	if waitErr != nil {
		if isExit(waitErr) {
			return Check(Result{Stderr: stderr.String(), ExitStatus: 1}, Command{Program: "scp"}, remotePath)
		}
		return waitErr
	}
	return nil
}

func isExit(err error) bool {
	var exitErr *ssh.ExitError
	return errors.As(err, &exitErr)
}

// copyTimeout scales the command timeout with file size, assuming at least
// 1 MiB/s on the link.
func copyTimeout(base time.Duration, size int64) time.Duration {
	return base + time.Duration(size/(1<<20))*time.Second
}

// Close closes the SSH connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	if e.broken == nil {
		e.broken = fault.New(fault.HostUnreachable, "closed", e.cfg.Addr(), net.ErrClosed)
	}
	return err
}
