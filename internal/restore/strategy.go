// ABOUTME: Restore strategies that return a package environment to a backed-up state.
// ABOUTME: Force-Reinstall, Clean-Install and Fallback share manifest loading and backup checks.

package restore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/sirupsen/logrus"
)

// ErrBackupMissing is returned for a backup whose directory or manifest does not exist
var ErrBackupMissing = errors.New("backup is missing")

const (
	StrategyForceReinstall = "force_reinstall"
	StrategyCleanInstall   = "clean_install"
	StrategyFallback       = "fallback"
)

// Strategy restores an environment from a backup manifest
type Strategy interface {
	Name() string
	CanHandle(backup *types.EnvironmentBackup) bool
	Restore(ctx context.Context, backup *types.EnvironmentBackup) types.RestoreResult
}

// CheckBackup verifies the backup directory and its package list exist
func CheckBackup(backup *types.EnvironmentBackup) error {
	if backup == nil {
		return fmt.Errorf("%w: no backup", ErrBackupMissing)
	}
	if info, err := os.Stat(backup.Path); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: directory %q", ErrBackupMissing, backup.Path)
	}
	if info, err := os.Stat(backup.PackageListFile); err != nil || info.IsDir() {
		return fmt.Errorf("%w: package list %q", ErrBackupMissing, backup.PackageListFile)
	}
	return nil
}

// ReadManifest parses a pip freeze style file. Blank lines and comments are skipped;
// lines that cannot be reinstalled by name (editable installs, URLs) become warnings.
func ReadManifest(path string) ([]pkgmgr.Requirement, []string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBackupMissing, err)
	}
	defer file.Close()

	var (
		reqs     []pkgmgr.Requirement
		warnings []string
	)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		req, err := pkgmgr.ParseRequirement(line)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipped manifest entry %q", line))
			continue
		}
		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return reqs, warnings, nil
}

// begin runs the checks every strategy shares. done is true when result is already final.
func begin(name string, backup *types.EnvironmentBackup) (reqs []pkgmgr.Requirement, result types.RestoreResult, done bool) {
	result = types.RestoreResult{Strategy: name}

	if err := CheckBackup(backup); err != nil {
		result.Error = err.Error()
		return nil, result, true
	}

	reqs, warnings, err := ReadManifest(backup.PackageListFile)
	if err != nil {
		result.Error = err.Error()
		return nil, result, true
	}
	result.Warnings = warnings

	if len(reqs) == 0 {
		result.Success = true
		result.Warnings = append(result.Warnings, "backup manifest lists no packages; nothing to restore")
		return nil, result, true
	}
	return reqs, result, false
}

func names(reqs []pkgmgr.Requirement) []string {
	out := make([]string, len(reqs))
	for i, req := range reqs {
		out[i] = req.Name
	}
	return out
}

// ForceReinstall reinstalls the whole manifest in one forced batch
type ForceReinstall struct {
	pm     pkgmgr.PackageManager
	logger *logrus.Logger
}

func NewForceReinstall(pm pkgmgr.PackageManager, logger *logrus.Logger) *ForceReinstall {
	return &ForceReinstall{pm: pm, logger: logger}
}

func (s *ForceReinstall) Name() string { return StrategyForceReinstall }

func (s *ForceReinstall) CanHandle(backup *types.EnvironmentBackup) bool {
	return CheckBackup(backup) == nil
}

func (s *ForceReinstall) Restore(ctx context.Context, backup *types.EnvironmentBackup) (result types.RestoreResult) {
	start := time.Now()
	reqs, result, done := begin(s.Name(), backup)
	defer func() { result.Duration = time.Since(start) }()
	if done {
		return result
	}

	if err := s.pm.Install(ctx, reqs, pkgmgr.InstallOptions{Force: true}); err != nil {
		result.Error = err.Error()
		result.FailedPackages = names(reqs)
		return result
	}

	result.Success = true
	result.PackagesRestored = len(reqs)
	s.logger.WithFields(logrus.Fields{
		"strategy": s.Name(),
		"packages": len(reqs),
	}).Info("Environment restored")
	return result
}

// preservedPackages bootstrap the package manager itself and are never removed
var preservedPackages = map[string]bool{"pip": true, "setuptools": true, "wheel": true}

// CleanInstall removes everything installed, then installs the manifest
type CleanInstall struct {
	pm     pkgmgr.PackageManager
	logger *logrus.Logger
}

func NewCleanInstall(pm pkgmgr.PackageManager, logger *logrus.Logger) *CleanInstall {
	return &CleanInstall{pm: pm, logger: logger}
}

func (s *CleanInstall) Name() string { return StrategyCleanInstall }

func (s *CleanInstall) CanHandle(backup *types.EnvironmentBackup) bool {
	return CheckBackup(backup) == nil
}

func (s *CleanInstall) Restore(ctx context.Context, backup *types.EnvironmentBackup) (result types.RestoreResult) {
	start := time.Now()
	reqs, result, done := begin(s.Name(), backup)
	defer func() { result.Duration = time.Since(start) }()
	if done {
		return result
	}

	installed, err := s.pm.List(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("failed to list installed packages: %v", err)
		result.FailedPackages = names(reqs)
		return result
	}

	var remove []string
	for _, pkg := range installed {
		if !preservedPackages[pkgmgr.NormalizeName(pkg.Name)] {
			remove = append(remove, pkg.Name)
		}
	}
	if err := s.pm.Uninstall(ctx, remove); err != nil {
		result.Error = fmt.Sprintf("failed to remove installed packages: %v", err)
		result.FailedPackages = names(reqs)
		return result
	}

	if err := s.pm.Install(ctx, reqs, pkgmgr.InstallOptions{}); err != nil {
		result.Error = err.Error()
		result.FailedPackages = names(reqs)
		return result
	}

	result.Success = true
	result.PackagesRestored = len(reqs)
	s.logger.WithFields(logrus.Fields{
		"strategy": s.Name(),
		"removed":  len(remove),
		"packages": len(reqs),
	}).Info("Environment restored")
	return result
}

// Fallback escalates from a plain batch install to a forced one to per-package installs
type Fallback struct {
	pm     pkgmgr.PackageManager
	logger *logrus.Logger
}

func NewFallback(pm pkgmgr.PackageManager, logger *logrus.Logger) *Fallback {
	return &Fallback{pm: pm, logger: logger}
}

func (s *Fallback) Name() string { return StrategyFallback }

func (s *Fallback) CanHandle(backup *types.EnvironmentBackup) bool {
	return CheckBackup(backup) == nil
}

func (s *Fallback) Restore(ctx context.Context, backup *types.EnvironmentBackup) (result types.RestoreResult) {
	start := time.Now()
	reqs, result, done := begin(s.Name(), backup)
	defer func() { result.Duration = time.Since(start) }()
	if done {
		return result
	}

	logger := s.logger.WithField("strategy", s.Name())

	err := s.pm.Install(ctx, reqs, pkgmgr.InstallOptions{})
	if err == nil {
		result.Success = true
		result.PackagesRestored = len(reqs)
		return result
	}
	logger.WithError(err).Warn("Batch install failed, retrying with force")

	err = s.pm.Install(ctx, reqs, pkgmgr.InstallOptions{Force: true})
	if err == nil {
		result.Success = true
		result.PackagesRestored = len(reqs)
		return result
	}
	logger.WithError(err).Warn("Forced batch install failed, installing packages one by one")

	for _, req := range reqs {
		if err := s.pm.Install(ctx, []pkgmgr.Requirement{req}, pkgmgr.InstallOptions{Force: true}); err != nil {
			logger.WithError(err).WithField("package", req.String()).Debug("Package restore failed")
			result.FailedPackages = append(result.FailedPackages, req.Name)
			continue
		}
		result.PackagesRestored++
	}

	if result.PackagesRestored == 0 {
		result.Error = "no package could be restored"
		return result
	}

	result.Success = true
	if len(result.FailedPackages) > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("partial restore: %d of %d packages restored, failed: %s",
			result.PackagesRestored, len(reqs), strings.Join(result.FailedPackages, ", ")))
	}
	logger.WithFields(logrus.Fields{
		"restored": result.PackagesRestored,
		"failed":   len(result.FailedPackages),
	}).Info("Environment restored package by package")
	return result
}
