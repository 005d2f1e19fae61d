package remote

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BadgerOps/nightsync/internal/fault"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshServer is an in-process SSH server that understands a handful of
// commands: echo, sleep, drop (closes the connection without answering) and
// scp -t.
type sshServer struct {
	ln      net.Listener
	hostKey ssh.Signer
	config  *ssh.ServerConfig

	mu       sync.Mutex
	conns    []net.Conn
	received map[string][]byte
}

func newSSHServer(t *testing.T, clientKey ssh.PublicKey) *sshServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &sshServer{ln: ln, hostKey: hostKey, config: cfg, received: map[string][]byte{}}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *sshServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *sshServer) close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *sshServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *sshServer) handleConn(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "sessions only")
			continue
		}
		go s.handleSession(conn, nc)
	}
}

func (s *sshServer) handleSession(conn net.Conn, nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	commands := make(chan string, 1)

	go func() {
		defer stop()
		for req := range reqs {
			switch req.Type {
			case "exec":
				var payload struct{ Command string }
				ok := ssh.Unmarshal(req.Payload, &payload) == nil
				if req.WantReply {
					req.Reply(ok, nil)
				}
				if ok {
					commands <- payload.Command
				}
			case "signal":
				stop()
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()

	var line string
	select {
	case line = <-commands:
	case <-done:
		return
	}

	var status uint32
	switch {
	case strings.HasPrefix(line, "echo "):
		fmt.Fprintln(ch, strings.TrimPrefix(line, "echo "))
	case strings.HasPrefix(line, "sleep "):
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
		return
	case line == "drop":
		conn.Close()
		return
	case strings.HasPrefix(line, "scp -t "):
		status = s.sink(strings.TrimPrefix(line, "scp -t "), ch)
	default:
		fmt.Fprintf(ch.Stderr(), "sh: %s: command not found\n", line)
		status = 127
	}
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

// sink plays the receiving side of scp for one file.
func (s *sshServer) sink(dir string, ch ssh.Channel) uint32 {
	br := bufio.NewReader(ch)
	ch.Write([]byte{0})

	header, err := br.ReadString('\n')
	if err != nil {
		return 1
	}
	if strings.HasPrefix(dir, "/missing") {
		fmt.Fprintf(ch, "\x02scp: %s: No such file or directory\n", dir)
		return 1
	}
	fields := strings.SplitN(strings.TrimSuffix(header, "\n"), " ", 3)
	if len(fields) != 3 || !strings.HasPrefix(fields[0], "C") {
		fmt.Fprintf(ch, "\x02scp: protocol error\n")
		return 1
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 1
	}
	ch.Write([]byte{0})

	data := make([]byte, size)
	if _, err := io.ReadFull(br, data); err != nil {
		return 1
	}
	if b, err := br.ReadByte(); err != nil || b != 0 {
		return 1
	}
	s.mu.Lock()
	s.received[path.Join(dir, fields[2])] = data
	s.mu.Unlock()
	ch.Write([]byte{0})
	return 0
}

func (s *sshServer) file(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.received[p]
	return data, ok
}

// dialTestServer starts a server and connects to it with a fresh client key
// and a known_hosts file that trusts the server.
func dialTestServer(t *testing.T, timeout time.Duration) (*SSHExecutor, *sshServer) {
	t.Helper()
	dir := t.TempDir()

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "nightsync test")
	if err != nil {
		t.Fatal(err)
	}
	keyFile := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatal(err)
	}

	srv := newSSHServer(t, sshPub)
	cfg := SSHConfig{
		Host:           "127.0.0.1",
		Port:           srv.port(),
		User:           "obs",
		KeyFile:        keyFile,
		KnownHosts:     filepath.Join(dir, "known_hosts"),
		CommandTimeout: timeout,
		ProbeTimeout:   2 * time.Second,
	}
	line := knownhosts.Line([]string{cfg.Addr()}, srv.hostKey.PublicKey())
	if err := os.WriteFile(cfg.KnownHosts, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ex, err := Dial(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { ex.Close() })
	return ex, srv
}

func TestSSHRun(t *testing.T) {
	ex, _ := dialTestServer(t, 5*time.Second)
	ctx := context.Background()

	res, err := ex.Run(ctx, Cmd("echo", "ready"))
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Stdout != "ready\n" || res.ExitStatus != 0 {
		t.Fatalf("Run() = %+v", res)
	}

	res, err = ex.Run(ctx, Cmd("frobnicate"))
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.ExitStatus != 127 || !strings.Contains(res.Stderr, "command not found") {
		t.Fatalf("Run() = %+v", res)
	}
}

func TestSSHRunTimeoutIsRemoteFault(t *testing.T) {
	ex, _ := dialTestServer(t, 200*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	_, err := ex.Run(ctx, Cmd("sleep", "10"))
	if fault.KindOf(err) != fault.RemoteFault {
		t.Fatalf("expected RemoteFault, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error %q does not mention the timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run() took %s", elapsed)
	}

	// The connection survives a timed-out command.
	res, err := ex.Run(ctx, Cmd("echo", "alive"))
	if err != nil {
		t.Fatalf("Run() after timeout failed: %v", err)
	}
	if res.Stdout != "alive\n" {
		t.Fatalf("Run() = %+v", res)
	}
}

func TestSSHConnectionDropIsHostUnreachable(t *testing.T) {
	ex, _ := dialTestServer(t, 5*time.Second)
	ctx := context.Background()

	_, err := ex.Run(ctx, Cmd("drop"))
	if !errors.Is(err, fault.ErrHostUnreachable) {
		t.Fatalf("expected HostUnreachable, got %v", err)
	}

	start := time.Now()
	if _, err := ex.Run(ctx, Cmd("echo", "again")); !errors.Is(err, fault.ErrHostUnreachable) {
		t.Fatalf("expected HostUnreachable on the next call, got %v", err)
	}
	if err := ex.Copy(ctx, writeLocal(t, "x"), "/archive/x.fits"); !errors.Is(err, fault.ErrHostUnreachable) {
		t.Fatalf("expected HostUnreachable from Copy, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("calls after a drop took %s, want fail fast", elapsed)
	}
}

func TestSSHCopy(t *testing.T) {
	ex, srv := dialTestServer(t, 5*time.Second)
	content := bytes.Repeat([]byte("SIMPLE  =                    T / 0123456789"), 4096)
	local := writeLocal(t, string(content))

	dst := "/archive/Images/20261017/M31 001-20261017at220000.fits"
	if err := ex.Copy(context.Background(), local, dst); err != nil {
		t.Fatalf("Copy() failed: %v", err)
	}
	got, ok := srv.file(dst)
	if !ok {
		t.Fatalf("server received nothing at %s", dst)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("server received %d bytes, want %d intact", len(got), len(content))
	}
}

func TestSSHCopyMissingDirectory(t *testing.T) {
	ex, _ := dialTestServer(t, 5*time.Second)
	err := ex.Copy(context.Background(), writeLocal(t, "x"), "/missing/Images/a.fits")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := ex.Run(context.Background(), Cmd("echo", "ok")); err != nil {
		t.Fatalf("connection unusable after rejected copy: %v", err)
	}
}

func TestSSHRejectsUnknownHostKey(t *testing.T) {
	ex, _ := dialTestServer(t, time.Second)
	ex.Close()

	other, err := ssh.NewSignerFromKey(mustEd25519(t))
	if err != nil {
		t.Fatal(err)
	}
	cfg := ex.cfg
	line := knownhosts.Line([]string{cfg.Addr()}, other.PublicKey())
	if err := os.WriteFile(cfg.KnownHosts, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = Dial(context.Background(), cfg, nil)
	if !errors.Is(err, fault.ErrHostUnreachable) {
		t.Fatalf("expected HostUnreachable for a mismatched host key, got %v", err)
	}
}

func mustEd25519(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func writeLocal(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "frame.fits")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}
