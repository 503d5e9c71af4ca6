// ABOUTME: Multi-runtime compatibility testing of one upgrade on a bounded worker pool.
// ABOUTME: Each worker owns its own validator, environment and backup.

package upgrade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ValidatorFactory builds an independent validator for one runtime version
type ValidatorFactory func(runtime string) (*Validator, error)

// CompatibilityTester validates the same upgrade against several runtimes in parallel
type CompatibilityTester struct {
	factory ValidatorFactory
	logger  *logrus.Logger
}

func NewCompatibilityTester(factory ValidatorFactory, logger *logrus.Logger) *CompatibilityTester {
	return &CompatibilityTester{factory: factory, logger: logger}
}

// ValidateRuntime accepts runtime versions such as "3.11" or "3.12.1"
func ValidateRuntime(runtime string) error {
	if err := pkgmgr.ValidateVersion(runtime); err != nil {
		return fmt.Errorf("invalid runtime %q: %w", runtime, err)
	}
	if _, err := semver.NewVersion(runtime); err != nil {
		return fmt.Errorf("invalid runtime %q: %w", runtime, err)
	}
	return nil
}

// Test runs one validation per runtime; the pool size equals the number of runtimes
func (c *CompatibilityTester) Test(ctx context.Context, name, version string, runtimes []string, opts ...Option) (*types.CompatibilityReport, error) {
	if err := validateInput(name, version); err != nil {
		return nil, err
	}
	if len(runtimes) == 0 {
		return nil, fmt.Errorf("no runtime versions given")
	}
	seen := make(map[string]bool, len(runtimes))
	for _, rt := range runtimes {
		if err := ValidateRuntime(rt); err != nil {
			return nil, err
		}
		if seen[rt] {
			return nil, fmt.Errorf("runtime %q listed twice", rt)
		}
		seen[rt] = true
	}

	start := time.Now()
	results := make([]types.RuntimeResult, len(runtimes))

	g := new(errgroup.Group)
	g.SetLimit(len(runtimes))
	for i, rt := range runtimes {
		g.Go(func() error {
			results[i] = c.testRuntime(ctx, rt, name, version, opts)
			return nil
		})
	}
	_ = g.Wait()

	report := &types.CompatibilityReport{
		PackageName:   name,
		TargetVersion: version,
		Results:       results,
		Duration:      time.Since(start),
	}

	var failed []string
	for _, r := range results {
		if r.Result == nil || !r.Result.Success {
			failed = append(failed, r.Runtime)
		}
	}
	switch {
	case len(failed) == 0:
		report.Success = true
	case len(failed) < len(results):
		report.PartialSuccess = true
		report.Warnings = append(report.Warnings, fmt.Sprintf("upgrade failed on %d of %d runtimes: %s",
			len(failed), len(results), strings.Join(failed, ", ")))
	}

	c.logger.WithFields(logrus.Fields{
		"package":  name,
		"target":   version,
		"runtimes": len(runtimes),
		"failed":   len(failed),
	}).Info("Compatibility test finished")
	return report, nil
}

func (c *CompatibilityTester) testRuntime(ctx context.Context, runtime, name, version string, opts []Option) (out types.RuntimeResult) {
	out.Runtime = runtime
	defer func() {
		if r := recover(); r != nil {
			out.Error = fmt.Sprintf("unexpected failure: %v", r)
		}
	}()

	validator, err := c.factory(runtime)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	result, err := validator.ValidateUpgrade(ctx, name, version, opts...)
	out.Result = result
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
