// Package command runs external tools (pg_dump, psql, tar, gzip) with a
// wall-clock timeout and captured output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout        = 30 * time.Minute
	DefaultMaxOutputLines = 20
)

// ErrTimeout is returned when a command exceeds its wall-clock limit.
var ErrTimeout = errors.New("command timed out")

// Cmd describes one invocation. Arguments are passed as discrete argv
// entries; nothing is interpreted by a shell.
type Cmd struct {
	Name string
	Args []string
	// Env is appended to the current process environment. Secrets such as
	// PGPASSWORD belong here, never in Args.
	Env   []string
	Dir   string
	Stdin io.Reader
	// Stdout receives standard output when set; otherwise it is captured
	// together with stderr.
	Stdout io.Writer
}

// Runner executes commands and returns their captured output.
type Runner interface {
	Run(ctx context.Context, c Cmd) ([]byte, error)
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Name string
	Code int
	// Output holds the first lines of the combined output.
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Timeout        time.Duration
	MaxOutputLines int
	Logger         zerolog.Logger
}

// NewExecRunner returns an ExecRunner with the default timeout and output limit.
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{
		Timeout:        DefaultTimeout,
		MaxOutputLines: DefaultMaxOutputLines,
		Logger:         logger.With().Str("component", "command").Logger(),
	}
}

// Run starts the command and waits for it. A command still running after
// Timeout is killed and ErrTimeout is returned.
func (r *ExecRunner) Run(ctx context.Context, c Cmd) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxLines := r.MaxOutputLines
	if maxLines <= 0 {
		maxLines = DefaultMaxOutputLines
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &out
	}
	cmd.Stderr = &out

	start := time.Now()
	r.Logger.Debug().Str("cmd", c.Name).Strs("args", c.Args).Msg("running command")

	err := cmd.Run()
	elapsed := time.Since(start)

	if err == nil {
		r.Logger.Debug().Str("cmd", c.Name).Dur("elapsed", elapsed).Msg("command finished")
		return out.Bytes(), nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out.Bytes(), fmt.Errorf("%s: %w after %s (limit %s)", c.Name, ErrTimeout, elapsed.Round(time.Millisecond), timeout)
	}
	if ctx.Err() != nil {
		return out.Bytes(), fmt.Errorf("%s: %w", c.Name, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), &ExitError{
			Name:   c.Name,
			Code:   exitErr.ExitCode(),
			Output: FirstLines(out.String(), maxLines),
			Err:    err,
		}
	}
	return out.Bytes(), fmt.Errorf("%s: %w", c.Name, err)
}

// FirstLines returns at most n non-empty lines of s, joined by newlines.
func FirstLines(s string, n int) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r ")
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == n {
			break
		}
	}
	return strings.Join(lines, "\n")
}
