package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrExecDisabled is returned when command execution is switched off by configuration.
var ErrExecDisabled = errors.New("execution disabled by configuration")

// Terminal executes commands with allow/deny checks.
type Terminal struct {
	WorkingDir     string
	Allowed        []string
	Denied         []string
	Timeout        time.Duration
	MaxOutputBytes int
	AllowExecution bool
}

// ExecResult carries output and status code. A non-zero exit is not an error.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Combined returns stdout followed by stderr.
func (r ExecResult) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Stderr
	}
}

// Exec runs argv if allowed by configuration. Errors report commands that could not be run
// at all (refused, not found, timed out); the exit status of a started command is in the result.
func (t *Terminal) Exec(ctx context.Context, argv []string) (ExecResult, error) {
	if !t.AllowExecution {
		return ExecResult{}, ErrExecDisabled
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return ExecResult{}, fmt.Errorf("command is required")
	}
	if err := t.validateCommand(argv[0]); err != nil {
		return ExecResult{}, err
	}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if t.WorkingDir != "" {
		cmd.Dir = t.WorkingDir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	stdout := &cappedBuffer{limit: t.MaxOutputBytes}
	stderr := &cappedBuffer{limit: t.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		return res, fmt.Errorf("command %q timed out after %s", argv[0], timeout)
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	case err != nil:
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

func (t *Terminal) validateCommand(cmd string) error {
	lower := strings.ToLower(filepath.Base(cmd))
	for _, deny := range t.Denied {
		if lower == strings.ToLower(deny) {
			return fmt.Errorf("command %q is denied", cmd)
		}
	}
	if len(t.Allowed) > 0 {
		for _, allow := range t.Allowed {
			if lower == strings.ToLower(allow) {
				return nil
			}
		}
		return fmt.Errorf("command %q is not in allowlist", cmd)
	}
	return nil
}

// cappedBuffer keeps at most limit bytes and silently discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
