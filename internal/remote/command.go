package remote

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BadgerOps/nightsync/internal/fault"
)

// Command is a remote program invocation. Args hold plain values; they are
// escaped when the command line is rendered.
type Command struct {
	Program string
	Args    []string
	// Timeout overrides the executor's command timeout when positive.
	Timeout time.Duration
}

// Cmd builds a Command.
func Cmd(program string, args ...string) Command {
	return Command{Program: program, Args: args}
}

// String renders the shell command line sent to the remote host.
func (c Command) String() string {
	var sb strings.Builder
	sb.WriteString(c.Program)
	for _, a := range c.Args {
		sb.WriteByte(' ')
		sb.WriteString(Escape(a))
	}
	return sb.String()
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Executor runs commands on a remote host and copies files to it.
// Implementations serialize calls.
type Executor interface {
	// Run executes a command. A non-zero exit status is not an error; the
	// error is reserved for timeouts and transport failures.
	Run(ctx context.Context, cmd Command) (Result, error)
	// Copy transfers a local file to remotePath, replacing any existing file.
	Copy(ctx context.Context, localPath, remotePath string) error
	Close() error
}

const shellSpecial = " \t\n\\'\"`$!&|;<>()[]{}*?#~=%^+"

// Escape backslash-escapes shell special characters for interpolation into a
// remote command line. A newline is single-quoted, since a backslash before it
// would continue the line.
func Escape(s string) string {
	if !strings.ContainsAny(s, shellSpecial) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	for _, r := range s {
		switch {
		case r == '\n':
			sb.WriteString("'\n'")
		case strings.ContainsRune(shellSpecial, r):
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

var ansiRe = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[@-Z\\-_])`)

// StripANSI removes terminal colour and control sequences.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiRe.ReplaceAllString(s, "")
}

// Clean strips ANSI sequences and surrounding whitespace from command output.
func Clean(s string) string {
	return strings.TrimSpace(StripANSI(s))
}

const (
	notFoundText = "No such file or directory"
	existsText   = "File exists"
)

// Check classifies the result of a command. stderr reporting a missing path
// is NotFound; any other stderr or a non-zero exit is a RemoteFault.
func Check(res Result, cmd Command, path string) error {
	stderr := Clean(res.Stderr)
	switch {
	case strings.Contains(stderr, notFoundText):
		return fault.New(fault.NotFound, cmd.Program, path, fmt.Errorf("%s", stderr))
	case stderr != "":
		return fault.New(fault.RemoteFault, cmd.Program, path, fmt.Errorf("%s", stderr))
	case res.ExitStatus != 0:
		return fault.New(fault.RemoteFault, cmd.Program, path, fmt.Errorf("exit status %d", res.ExitStatus))
	}
	return nil
}

// AlreadyExists reports whether stderr says the path exists. mkdir callers
// treat that as success.
func AlreadyExists(res Result) bool {
	return strings.Contains(StripANSI(res.Stderr), existsText)
}
