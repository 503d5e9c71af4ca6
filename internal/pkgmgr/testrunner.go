// ABOUTME: Runs the project test suite as "python -m <runner>" with a bounded timeout.
// ABOUTME: Parses pass/fail counts from pytest, unittest and nose2 summaries.

package pkgmgr

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/sirupsen/logrus"
)

// TestRunner executes the project's test suite
type TestRunner interface {
	Run(ctx context.Context) (*types.TestRunSummary, error)
}

// TestCommandConfig configures a CommandTestRunner
type TestCommandConfig struct {
	Python  string
	Command string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// CommandTestRunner runs an allow-listed test runner module
type CommandTestRunner struct {
	runner Runner
	config TestCommandConfig
	logger *logrus.Logger
}

// NewTestRunner validates the command up front so a disallowed runner never starts
func NewTestRunner(runner Runner, config TestCommandConfig, logger *logrus.Logger) (*CommandTestRunner, error) {
	if err := ValidateTestRunner(config.Command, config.Args); err != nil {
		return nil, err
	}
	python, err := ResolveExecutable(config.Python)
	if err != nil {
		return nil, err
	}
	config.Python = python
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Minute
	}

	return &CommandTestRunner{runner: runner, config: config, logger: logger}, nil
}

// Run executes the suite. A failing or timed-out suite is a summary, not an error.
func (t *CommandTestRunner) Run(ctx context.Context) (*types.TestRunSummary, error) {
	args := append([]string{"-m", t.config.Command}, t.config.Args...)
	r := t.runner.Run(ctx, Command{
		Path:    t.config.Python,
		Args:    args,
		Dir:     t.config.Dir,
		Timeout: t.config.Timeout,
	})

	if r.Error != nil && !r.TimedOut && r.ExitCode < 0 {
		return nil, commandError("test run", r)
	}

	summary := ParseTestOutput(r.Output())
	summary.ExitCode = r.ExitCode
	summary.TimedOut = r.TimedOut
	summary.Duration = r.Duration

	t.logger.WithFields(logrus.Fields{
		"runner":    t.config.Command,
		"passed":    summary.Passed,
		"failed":    summary.Failed,
		"errors":    summary.Errors,
		"exit_code": summary.ExitCode,
		"timed_out": summary.TimedOut,
	}).Info("Test suite finished")

	return summary, nil
}

var (
	pytestCount    = regexp.MustCompile(`(\d+) (passed|failed|errors?|skipped|xfailed|xpassed)`)
	pytestSummary  = regexp.MustCompile(`(?m)^=+ .*(passed|failed|error|skipped|no tests ran).* =+$`)
	unittestRan    = regexp.MustCompile(`(?m)^Ran (\d+) tests? in`)
	unittestDetail = regexp.MustCompile(`(failures|errors|skipped|expected failures)=(\d+)`)
	unittestStatus = regexp.MustCompile(`(?m)^(OK|FAILED)\b(.*)$`)
)

// ParseTestOutput extracts counts from a pytest or unittest-style summary
func ParseTestOutput(output string) *types.TestRunSummary {
	summary := &types.TestRunSummary{}

	if line := lastMatch(pytestSummary, output); line != "" {
		for _, m := range pytestCount.FindAllStringSubmatch(line, -1) {
			n, _ := strconv.Atoi(m[1])
			switch m[2] {
			case "passed", "xfailed", "xpassed":
				summary.Passed += n
			case "failed":
				summary.Failed += n
			case "error", "errors":
				summary.Errors += n
			case "skipped":
				summary.Skipped += n
			}
		}
		return summary
	}

	ran := unittestRan.FindStringSubmatch(output)
	if ran == nil {
		return summary
	}
	total, _ := strconv.Atoi(ran[1])

	if status := unittestStatus.FindStringSubmatch(output); status != nil {
		for _, m := range unittestDetail.FindAllStringSubmatch(status[2], -1) {
			n, _ := strconv.Atoi(m[2])
			switch m[1] {
			case "failures":
				summary.Failed += n
			case "errors":
				summary.Errors += n
			case "skipped":
				summary.Skipped += n
			}
		}
	}

	summary.Passed = total - summary.Failed - summary.Errors - summary.Skipped
	if summary.Passed < 0 {
		summary.Passed = 0
	}
	return summary
}

func lastMatch(re *regexp.Regexp, s string) string {
	matches := re.FindAllString(s, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}
