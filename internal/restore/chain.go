// ABOUTME: Ordered chain of restore strategies tried until one succeeds.
// ABOUTME: Failures are aggregated into one error; leftovers are pruned after a successful restore.

package restore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Chain tries each strategy in order
type Chain struct {
	strategies []Strategy
	pm         pkgmgr.PackageManager // prunes leftovers when set
	logger     *logrus.Logger
}

// NewChain builds a chain from strategies in the order they should be tried
func NewChain(logger *logrus.Logger, strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies, logger: logger}
}

// DefaultChain is Force-Reinstall, then Clean-Install, then Fallback
func DefaultChain(pm pkgmgr.PackageManager, logger *logrus.Logger) *Chain {
	return NewChain(logger,
		NewForceReinstall(pm, logger),
		NewCleanInstall(pm, logger),
		NewFallback(pm, logger),
	).PruneWith(pm)
}

// PruneWith makes a successful restore also uninstall packages missing from the manifest
func (c *Chain) PruneWith(pm pkgmgr.PackageManager) *Chain {
	c.pm = pm
	return c
}

// Strategies returns the strategy names in order
func (c *Chain) Strategies() []string {
	out := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		out[i] = s.Name()
	}
	return out
}

// Restore returns the first successful result. When every strategy fails it returns the
// last attempted result together with the aggregated failures.
func (c *Chain) Restore(ctx context.Context, backup *types.EnvironmentBackup) (types.RestoreResult, error) {
	if err := CheckBackup(backup); err != nil {
		return types.RestoreResult{Error: err.Error()}, err
	}

	var (
		errs     *multierror.Error
		last     types.RestoreResult
		attempts int
	)
	for _, strategy := range c.strategies {
		if !strategy.CanHandle(backup) {
			continue
		}
		attempts++

		result := strategy.Restore(ctx, backup)
		if result.Success {
			if errs != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("restored after earlier strategies failed: %v", errs.Errors))
			}
			c.prune(ctx, backup, &result)
			return result, nil
		}

		c.logger.WithFields(logrus.Fields{
			"strategy": strategy.Name(),
			"error":    result.Error,
		}).Warn("Restore strategy failed")
		errs = multierror.Append(errs, fmt.Errorf("%s: %s", strategy.Name(), result.Error))
		last = result
	}

	if attempts == 0 {
		return types.RestoreResult{Error: "no restore strategy can handle the backup"}, errors.New("no restore strategy can handle the backup")
	}
	return last, errs.ErrorOrNil()
}

// prune is skipped for an empty manifest, which restores as a no-op
func (c *Chain) prune(ctx context.Context, backup *types.EnvironmentBackup, result *types.RestoreResult) {
	if c.pm == nil || result.PackagesRestored == 0 {
		return
	}

	removed, err := Prune(ctx, c.pm, backup)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("leftover packages not removed: %v", err))
		c.logger.WithError(err).Warn("Could not prune packages absent from the backup")
		return
	}
	if len(removed) > 0 {
		result.PackagesRemoved = removed
		c.logger.WithFields(logrus.Fields{
			"strategy": result.Strategy,
			"removed":  removed,
		}).Info("Removed packages absent from the backup")
	}
}
