// ABOUTME: PackageManager interface and its pip implementation driven through "python -m pip".
// ABOUTME: Every name and version is validated before it is placed on an argument list.

package pkgmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Package is an installed distribution
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InstallOptions modifies an install call
type InstallOptions struct {
	// Force reinstalls even when the requirement is already satisfied
	Force bool
}

// PackageManager is the host package manager as seen by the validator and restore strategies
type PackageManager interface {
	// InstalledVersion returns "" when the package is not installed
	InstalledVersion(ctx context.Context, name string) (string, error)
	Freeze(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]Package, error)
	// DryRunInstall returns the conflicts installing req would cause
	DryRunInstall(ctx context.Context, req Requirement) ([]string, error)
	// Check returns the broken requirements of the whole environment
	Check(ctx context.Context) ([]string, error)
	Install(ctx context.Context, reqs []Requirement, opts InstallOptions) error
	Uninstall(ctx context.Context, names []string) error
	ImportCheck(ctx context.Context, module string) error
}

// CommandError describes a package manager command that did not succeed
type CommandError struct {
	Op       string
	ExitCode int
	TimedOut bool
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	detail := lastLine(e.Output)
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s timed out", e.Op)
	case detail != "":
		return fmt.Sprintf("%s failed (exit %d): %s", e.Op, e.ExitCode, detail)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s failed (exit %d)", e.Op, e.ExitCode)
	}
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// PipConfig configures a Pip package manager
type PipConfig struct {
	Python         string        // absolute interpreter path
	WorkDir        string        // project directory
	InstallTimeout time.Duration // 0 means no deadline
	QueryTimeout   time.Duration
	ImportTimeout  time.Duration
}

// Pip implements PackageManager on top of "python -m pip"
type Pip struct {
	runner Runner
	config PipConfig
	logger *logrus.Logger
}

// NewPip creates a pip package manager for one interpreter
func NewPip(runner Runner, config PipConfig, logger *logrus.Logger) (*Pip, error) {
	python, err := ResolveExecutable(config.Python)
	if err != nil {
		return nil, err
	}
	config.Python = python
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 2 * time.Minute
	}
	if config.ImportTimeout == 0 {
		config.ImportTimeout = 30 * time.Second
	}

	return &Pip{runner: runner, config: config, logger: logger}, nil
}

// Python returns the resolved interpreter path
func (p *Pip) Python() string {
	return p.config.Python
}

func (p *Pip) pip(ctx context.Context, timeout time.Duration, args ...string) *Result {
	return p.runner.Run(ctx, Command{
		Path:    p.config.Python,
		Args:    append([]string{"-m", "pip", "--disable-pip-version-check", "--no-input"}, args...),
		Dir:     p.config.WorkDir,
		Timeout: timeout,
	})
}

func commandError(op string, r *Result) *CommandError {
	return &CommandError{Op: op, ExitCode: r.ExitCode, TimedOut: r.TimedOut, Output: r.Output(), Err: r.Error}
}

func (p *Pip) InstalledVersion(ctx context.Context, name string) (string, error) {
	if err := ValidatePackageName(name); err != nil {
		return "", err
	}

	r := p.pip(ctx, p.config.QueryTimeout, "show", name)
	if !r.Success {
		if r.ExitCode == 1 && strings.Contains(strings.ToLower(r.Output()), "not found") {
			return "", nil
		}
		return "", commandError("pip show "+name, r)
	}

	scanner := bufio.NewScanner(strings.NewReader(r.Stdout))
	for scanner.Scan() {
		if version, ok := strings.CutPrefix(scanner.Text(), "Version:"); ok {
			return strings.TrimSpace(version), nil
		}
	}
	return "", nil
}

func (p *Pip) Freeze(ctx context.Context) ([]string, error) {
	r := p.pip(ctx, p.config.QueryTimeout, "freeze", "--all")
	if !r.Success {
		return nil, commandError("pip freeze", r)
	}
	return nonEmptyLines(r.Stdout), nil
}

func (p *Pip) List(ctx context.Context) ([]Package, error) {
	r := p.pip(ctx, p.config.QueryTimeout, "list", "--format=json")
	if !r.Success {
		return nil, commandError("pip list", r)
	}

	var packages []Package
	if err := json.Unmarshal([]byte(r.Stdout), &packages); err != nil {
		return nil, fmt.Errorf("failed to parse pip list output: %w", err)
	}
	return packages, nil
}

func (p *Pip) DryRunInstall(ctx context.Context, req Requirement) ([]string, error) {
	if err := validateRequirement(req); err != nil {
		return nil, err
	}

	r := p.pip(ctx, p.config.QueryTimeout, "install", "--dry-run", "--quiet", req.String())
	if r.Success {
		return nil, nil
	}
	if r.TimedOut {
		return []string{"dry-run install timed out"}, nil
	}
	if r.ExitCode < 0 {
		return nil, commandError("pip install --dry-run", r)
	}
	return problemLines(r.Output()), nil
}

func (p *Pip) Check(ctx context.Context) ([]string, error) {
	r := p.pip(ctx, p.config.QueryTimeout, "check")
	if r.Success {
		return nil, nil
	}
	if r.ExitCode < 0 && !r.TimedOut {
		return nil, commandError("pip check", r)
	}
	return problemLines(r.Output()), nil
}

func (p *Pip) Install(ctx context.Context, reqs []Requirement, opts InstallOptions) error {
	if len(reqs) == 0 {
		return nil
	}

	args := []string{"install"}
	if opts.Force {
		args = append(args, "--force-reinstall", "--no-deps")
	}
	for _, req := range reqs {
		if err := validateRequirement(req); err != nil {
			return err
		}
		args = append(args, req.String())
	}

	r := p.pip(ctx, p.config.InstallTimeout, args...)
	if !r.Success {
		return commandError("pip install", r)
	}

	p.logger.WithFields(logrus.Fields{
		"packages": len(reqs),
		"force":    opts.Force,
		"duration": r.Duration,
	}).Debug("Installed packages")
	return nil
}

func (p *Pip) Uninstall(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	args := []string{"uninstall", "-y"}
	for _, name := range names {
		if err := ValidatePackageName(name); err != nil {
			return err
		}
		args = append(args, name)
	}

	r := p.pip(ctx, p.config.InstallTimeout, args...)
	if !r.Success {
		return commandError("pip uninstall", r)
	}
	return nil
}

func (p *Pip) ImportCheck(ctx context.Context, module string) error {
	if err := ValidateModuleName(module); err != nil {
		return err
	}

	r := p.runner.Run(ctx, Command{
		Path:    p.config.Python,
		Args:    []string{"-c", "import " + module},
		Dir:     p.config.WorkDir,
		Timeout: p.config.ImportTimeout,
	})
	if !r.Success {
		return commandError("import "+module, r)
	}
	return nil
}

func validateRequirement(req Requirement) error {
	if err := ValidatePackageName(req.Name); err != nil {
		return err
	}
	if req.Version != "" {
		return ValidateVersion(req.Version)
	}
	return nil
}

func nonEmptyLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// problemLines keeps the lines describing conflicts, falling back to all output
func problemLines(output string) []string {
	lines := nonEmptyLines(output)
	var problems []string
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "conflict") || strings.Contains(lower, "error") ||
			strings.Contains(lower, "requires") || strings.Contains(lower, "incompatible") {
			problems = append(problems, line)
		}
	}
	if len(problems) == 0 {
		if len(lines) == 0 {
			return []string{"package manager reported a problem without output"}
		}
		return lines
	}
	return problems
}

func lastLine(output string) string {
	lines := nonEmptyLines(output)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
