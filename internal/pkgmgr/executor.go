// ABOUTME: Subprocess executor that runs absolute executables directly, never through a shell.
// ABOUTME: Captures output, exit code and duration; a timeout is a failed result, not an error.

package pkgmgr

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

	"github.com/sirupsen/logrus"
)

// Command is one subprocess invocation
type Command struct {
	Path    string // absolute executable path
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration // 0 uses the executor default, which may itself be unlimited
}

// Result contains the outcome of a subprocess run
type Result struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	Error    error
}

// Output returns stdout followed by stderr
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner runs subprocesses; Executor is the production implementation
type Runner interface {
	Run(ctx context.Context, cmd Command) *Result
}

// Executor runs commands with exec.CommandContext
type Executor struct {
	defaultTimeout time.Duration
	logger         *logrus.Logger
}

// NewExecutor creates an executor. A zero defaultTimeout leaves commands without a deadline.
func NewExecutor(defaultTimeout time.Duration, logger *logrus.Logger) *Executor {
	return &Executor{
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// ResolveExecutable turns a program name into an absolute path once, up front
func ResolveExecutable(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty executable name")
	}

	path := name
	if !filepath.IsAbs(name) {
		found, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("failed to resolve executable %q: %w", name, err)
		}
		path, err = filepath.Abs(found)
		if err != nil {
			return "", fmt.Errorf("failed to resolve executable %q: %w", name, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("executable %q: %w", path, err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("%q is not an executable file", path)
	}
	return path, nil
}

// Run executes cmd and always returns a result
func (e *Executor) Run(ctx context.Context, cmd Command) *Result {
	startTime := time.Now()
	result := &Result{ExitCode: -1}

	if !filepath.IsAbs(cmd.Path) {
		result.Error = fmt.Errorf("%w: %q", ErrNotAbsolute, cmd.Path)
		return result
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	//nolint:gosec // G204: path is absolute and every argument passed the allow-list validators
	c := exec.CommandContext(execCtx, cmd.Path, cmd.Args...)
	if cmd.Dir != "" {
		c.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		env := os.Environ()
		for key, value := range cmd.Env {
			env = append(env, fmt.Sprintf("%s=%s", key, value))
		}
		c.Env = env
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	e.logger.WithFields(logrus.Fields{
		"command": filepath.Base(cmd.Path),
		"args":    strings.Join(cmd.Args, " "),
		"timeout": timeout,
	}).Debug("Running subprocess")

	err := c.Run()
	result.Duration = time.Since(startTime)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		result.Error = err
		var exitErr *exec.ExitError
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.Error = fmt.Errorf("command timed out after %v", timeout)
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		}
		return result
	}

	result.Success = true
	result.ExitCode = 0
	return result
}
