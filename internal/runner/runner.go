// Package runner invokes the local release-automation CLI as a subprocess.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrLaneFailed is returned when the release tool exits non-zero.
var ErrLaneFailed = errors.New("release lane failed")

// Runner executes lanes of the release-automation CLI.
type Runner struct {
	bin     string
	timeout time.Duration
}

type options struct {
	timeout time.Duration
}

// Option is a function which tweaks the creation of the Runner.
type Option func(*options)

// WithTimeout overrides the default per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New creates a Runner for the given release tool binary.
func New(bin string, args ...Option) *Runner {
	opts := options{
		timeout: 15 * time.Minute,
	}
	for _, arg := range args {
		arg(&opts)
	}

	return &Runner{bin: bin, timeout: opts.timeout}
}

// Result carries the captured output of a lane invocation.
type Result struct {
	Stdout string
	Stderr string
}

// Run executes the named lane in the given working directory.
//
// The invocation is bounded by the configured timeout. On a non-zero exit the
// returned error wraps ErrLaneFailed and includes the tail of stderr.
func (r *Runner) Run(ctx context.Context, dir, lane string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}

	cmdArgs := append([]string{lane}, args...)
	c := exec.CommandContext(ctx, r.bin, cmdArgs...)
	c.Dir = dir
	c.Stdout = stdout
	c.Stderr = stderr
	c.Env = append(c.Env, "LANG=C")
	c.Env = append(c.Env, os.Environ()...)

	slog.Info("Running release lane", "bin", r.bin, "lane", lane, "dir", dir)
	err := c.Run()

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: %s timed out after %s", ErrLaneFailed, lane, r.timeout)
		}
		return result, fmt.Errorf("%w: %s: %v: %s", ErrLaneFailed, lane, err, tail(result.Stderr, 500))
	}
	return result, nil
}

// tail returns at most n trailing bytes of s, trimmed of whitespace.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
