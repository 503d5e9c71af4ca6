// ABOUTME: All-or-nothing validation of several upgrades under one shared backup.
// ABOUTME: The first failure rolls the whole batch back and stops the run.

package upgrade

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// ValidateMultiple applies upgrades in order. When upgrade k fails every upgrade 1..k is
// rolled back and the returned slice has length k. Invalid input rejects the whole batch
// before anything runs.
func (v *Validator) ValidateMultiple(ctx context.Context, upgrades []types.PackageUpgrade, opts ...Option) (results []*types.UpgradeResult, err error) {
	var invalid *multierror.Error
	for _, u := range upgrades {
		if verr := validateInput(u.PackageName, u.TargetVersion); verr != nil {
			invalid = multierror.Append(invalid, fmt.Errorf("%s==%s: %w", u.PackageName, u.TargetVersion, verr))
		}
	}
	if invalid != nil {
		return nil, invalid.ErrorOrNil()
	}
	if len(upgrades) == 0 {
		return nil, nil
	}

	s := newSettings(opts)
	logger := v.logger.WithField("upgrades", len(upgrades))

	var backup *types.EnvironmentBackup
	defer func() {
		for _, r := range results {
			v.notify(r)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Errorf("Batch validation panicked: %v", r)
			current := &types.UpgradeResult{}
			if len(results) > 0 {
				current = results[len(results)-1]
			}
			fail(current, types.UpgradeInstallFailed, fmt.Sprintf("unexpected failure: %v", r))
			if len(results) == 0 {
				results = append(results, current)
			}
			if backup != nil {
				v.rollbackBatch(ctx, backup, results, types.UpgradeInstallFailed)
			}
			err = nil
		}
	}()

	for _, u := range upgrades {
		start := v.now()
		result := &types.UpgradeResult{PackageName: u.PackageName, ToVersion: u.TargetVersion}
		results = append(results, result)

		from, qerr := v.pm.InstalledVersion(ctx, u.PackageName)
		if qerr != nil {
			fail(result, types.UpgradeInstallFailed, fmt.Sprintf("failed to resolve installed version: %v", qerr))
			return v.abortBatch(ctx, backup, results, types.UpgradeInstallFailed), nil
		}
		result.FromVersion = from

		req := pkgmgr.Requirement{Name: u.PackageName, Version: u.TargetVersion}
		if s.checkConflicts && !v.conflictFree(ctx, req, result) {
			return v.abortBatch(ctx, backup, results, types.UpgradeConflict), nil
		}

		if backup == nil {
			backup, err = v.backups.Create(ctx)
			if err != nil {
				fail(result, types.UpgradeInstallFailed, fmt.Sprintf("failed to back up environment: %v", err))
				return results, nil
			}
		}
		result.BackupPath = backup.Path

		state, ok := v.apply(ctx, req, s, result)
		result.Duration = v.now().Sub(start)
		if !ok {
			logger.WithFields(logrus.Fields{
				"package": u.PackageName,
				"error":   result.Error,
			}).Warn("Batch upgrade failed, rolling back all upgrades")
			return v.abortBatch(ctx, backup, results, state), nil
		}
		result.Success = true
		result.State = types.UpgradeSucceeded
	}

	if rerr := v.backups.Remove(backup); rerr != nil {
		logger.WithError(rerr).Warn("Failed to remove batch backup")
	}
	for _, r := range results {
		r.BackupPath = ""
	}
	logger.Info("Batch upgrade validated")
	return results, nil
}

// abortBatch rolls back when a backup exists; failures before the backup left nothing to undo
func (v *Validator) abortBatch(ctx context.Context, backup *types.EnvironmentBackup, results []*types.UpgradeResult, state types.UpgradeState) []*types.UpgradeResult {
	if backup == nil {
		return results
	}
	v.rollbackBatch(ctx, backup, results, state)
	return results
}

// rollbackBatch restores the shared backup once and marks every result of the batch
func (v *Validator) rollbackBatch(ctx context.Context, backup *types.EnvironmentBackup, results []*types.UpgradeResult, state types.UpgradeState) {
	failed := results[len(results)-1]
	v.rollback(ctx, backup, failed, state)

	for _, r := range results[:len(results)-1] {
		r.Success = false
		r.Restore = failed.Restore
		r.RollbackPerformed = failed.RollbackPerformed
		r.ManualInterventionRequired = failed.ManualInterventionRequired
		r.BackupPath = backup.Path
		if failed.State == types.UpgradeRollbackFailed {
			r.State = types.UpgradeRollbackFailed
		} else {
			r.State = types.UpgradeRolledBack
		}
		r.Error = fmt.Sprintf("rolled back because %s==%s failed", failed.PackageName, failed.ToVersion)
	}
}
