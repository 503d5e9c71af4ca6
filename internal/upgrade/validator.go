// ABOUTME: Upgrade validator: conflict check, backup, install, import check, tests and rollback.
// ABOUTME: Every validation ends in an UpgradeResult; only invalid input is returned as an error.

package upgrade

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/sirupsen/logrus"
)

// Restorer returns an environment to a backed-up state; *restore.Chain implements it
type Restorer interface {
	Restore(ctx context.Context, backup *types.EnvironmentBackup) (types.RestoreResult, error)
}

// Observer is told about every finished validation
type Observer interface {
	ObserveUpgrade(result *types.UpgradeResult)
}

type settings struct {
	runTests       bool
	checkConflicts bool
}

// Option customizes one validation
type Option func(*settings)

// WithoutTests skips the test suite after installing
func WithoutTests() Option {
	return func(s *settings) { s.runTests = false }
}

// WithoutConflictCheck skips the dry-run install and environment consistency check
func WithoutConflictCheck() Option {
	return func(s *settings) { s.checkConflicts = false }
}

func newSettings(opts []Option) settings {
	s := settings{runTests: true, checkConflicts: true}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Config configures a Validator
type Config struct {
	// ImportCheck imports the upgraded package's top-level module after installing
	ImportCheck bool
	// ModuleNames overrides the import name of a distribution (normalized name -> module)
	ModuleNames map[string]string
}

// Validator validates upgrades in one package environment. It is not safe for concurrent use.
type Validator struct {
	pm       pkgmgr.PackageManager
	tests    pkgmgr.TestRunner
	backups  *BackupManager
	restorer Restorer
	observer Observer
	config   Config
	now      func() time.Time
	logger   *logrus.Logger
}

// NewValidator wires a validator; tests may be nil when no test suite is configured
func NewValidator(pm pkgmgr.PackageManager, tests pkgmgr.TestRunner, backups *BackupManager, restorer Restorer, config Config, logger *logrus.Logger) *Validator {
	return &Validator{
		pm:       pm,
		tests:    tests,
		backups:  backups,
		restorer: restorer,
		config:   config,
		now:      time.Now,
		logger:   logger,
	}
}

// SetObserver registers an observer for finished validations
func (v *Validator) SetObserver(observer Observer) {
	v.observer = observer
}

func validateInput(name, version string) error {
	if err := pkgmgr.ValidatePackageName(name); err != nil {
		return err
	}
	return pkgmgr.ValidateVersion(version)
}

func rejected(name, version string, err error) *types.UpgradeResult {
	return &types.UpgradeResult{
		PackageName: name,
		ToVersion:   version,
		State:       types.UpgradeRejected,
		Error:       err.Error(),
	}
}

// ValidateUpgrade upgrades name to version and keeps it only if the environment stays healthy
func (v *Validator) ValidateUpgrade(ctx context.Context, name, version string, opts ...Option) (result *types.UpgradeResult, err error) {
	if err := validateInput(name, version); err != nil {
		return rejected(name, version, err), err
	}

	s := newSettings(opts)
	start := v.now()
	result = &types.UpgradeResult{PackageName: name, ToVersion: version}
	logger := v.logger.WithFields(logrus.Fields{"package": name, "target": version})

	var backup *types.EnvironmentBackup
	defer func() {
		result.Duration = v.now().Sub(start)
		v.notify(result)
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Errorf("Upgrade validation panicked: %v", r)
			v.recovered(ctx, backup, result, r)
			err = nil
		}
	}()

	from, err := v.pm.InstalledVersion(ctx, name)
	if err != nil {
		fail(result, types.UpgradeInstallFailed, fmt.Sprintf("failed to resolve installed version: %v", err))
		return result, nil
	}
	result.FromVersion = from

	req := pkgmgr.Requirement{Name: name, Version: version}
	if s.checkConflicts && !v.conflictFree(ctx, req, result) {
		logger.WithField("conflicts", result.Conflicts).Warn("Upgrade rejected by conflict check")
		return result, nil
	}

	backup, err = v.backups.Create(ctx)
	if err != nil {
		fail(result, types.UpgradeInstallFailed, fmt.Sprintf("failed to back up environment: %v", err))
		return result, nil
	}
	result.BackupPath = backup.Path

	if state, ok := v.apply(ctx, req, s, result); !ok {
		logger.WithField("error", result.Error).Warn("Upgrade failed, rolling back")
		v.rollback(ctx, backup, result, state)
		return result, nil
	}

	v.succeed(backup, result)
	logger.WithField("from", from).Info("Upgrade validated")
	return result, nil
}

// conflictFree runs the dry-run install and consistency check; it never takes a backup
func (v *Validator) conflictFree(ctx context.Context, req pkgmgr.Requirement, result *types.UpgradeResult) bool {
	conflicts, err := v.pm.DryRunInstall(ctx, req)
	if err != nil {
		fail(result, types.UpgradeConflict, fmt.Sprintf("dry-run install failed: %v", err))
		return false
	}
	problems, err := v.pm.Check(ctx)
	if err != nil {
		fail(result, types.UpgradeConflict, fmt.Sprintf("environment check failed: %v", err))
		return false
	}

	result.Conflicts = append(conflicts, problems...)
	if len(result.Conflicts) > 0 {
		fail(result, types.UpgradeConflict, fmt.Sprintf("%d conflict(s) found", len(result.Conflicts)))
		return false
	}
	return true
}

// apply installs req and checks it. On failure it reports the state to use if rollback succeeds.
func (v *Validator) apply(ctx context.Context, req pkgmgr.Requirement, s settings, result *types.UpgradeResult) (types.UpgradeState, bool) {
	if err := v.pm.Install(ctx, []pkgmgr.Requirement{req}, pkgmgr.InstallOptions{}); err != nil {
		fail(result, types.UpgradeInstallFailed, fmt.Sprintf("install of %s failed: %v", req, err))
		return types.UpgradeInstallFailed, false
	}

	if v.config.ImportCheck {
		module := v.moduleFor(req.Name)
		if err := v.pm.ImportCheck(ctx, module); err != nil {
			fail(result, types.UpgradeRolledBack, fmt.Sprintf("import of %s failed after upgrade: %v", module, err))
			return types.UpgradeRolledBack, false
		}
	}

	if s.runTests && v.tests != nil {
		summary, err := v.tests.Run(ctx)
		if err != nil {
			fail(result, types.UpgradeRolledBack, fmt.Sprintf("test run failed: %v", err))
			return types.UpgradeRolledBack, false
		}
		result.Tests = summary
		if !summary.Succeeded() {
			fail(result, types.UpgradeRolledBack, describeTestFailure(summary))
			return types.UpgradeRolledBack, false
		}
	}
	return types.UpgradeSucceeded, true
}

// rollback restores the backup. The backup is kept either way for inspection.
func (v *Validator) rollback(ctx context.Context, backup *types.EnvironmentBackup, result *types.UpgradeResult, state types.UpgradeState) {
	restored, err := v.restorer.Restore(context.WithoutCancel(ctx), backup)
	result.Restore = &restored
	result.Warnings = append(result.Warnings, restored.Warnings...)
	result.FailedPackages = append(result.FailedPackages, restored.FailedPackages...)

	if err != nil || !restored.Success {
		result.State = types.UpgradeRollbackFailed
		result.ManualInterventionRequired = true
		msg := restored.Error
		if err != nil {
			msg = err.Error()
		}
		result.Error = fmt.Sprintf("%s; rollback failed: %s", result.Error, msg)
		v.logger.WithFields(logrus.Fields{
			"package": result.PackageName,
			"backup":  backup.Path,
		}).Error("Rollback failed, manual intervention required")
		return
	}

	result.RollbackPerformed = true
	result.State = state
	v.logger.WithFields(logrus.Fields{
		"package":  result.PackageName,
		"strategy": restored.Strategy,
		"backup":   backup.Path,
	}).Info("Environment rolled back")
}

func (v *Validator) succeed(backup *types.EnvironmentBackup, result *types.UpgradeResult) {
	result.Success = true
	result.State = types.UpgradeSucceeded
	result.Error = ""
	if err := v.backups.Remove(backup); err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		return
	}
	result.BackupPath = ""
}

// recovered turns a panic into a failed result after a best-effort rollback
func (v *Validator) recovered(ctx context.Context, backup *types.EnvironmentBackup, result *types.UpgradeResult, r interface{}) {
	fail(result, types.UpgradeInstallFailed, fmt.Sprintf("unexpected failure: %v", r))
	if backup != nil && !result.RollbackPerformed {
		v.rollback(ctx, backup, result, types.UpgradeRolledBack)
	}
}

func (v *Validator) notify(result *types.UpgradeResult) {
	if v.observer != nil {
		v.observer.ObserveUpgrade(result)
	}
}

func fail(result *types.UpgradeResult, state types.UpgradeState, msg string) {
	result.Success = false
	result.State = state
	result.Error = msg
}

func describeTestFailure(s *types.TestRunSummary) string {
	if s.TimedOut {
		return fmt.Sprintf("test suite timed out after %v", s.Duration.Round(time.Second))
	}
	return fmt.Sprintf("test suite failed: %d passed, %d failed, %d errors (exit code %d)", s.Passed, s.Failed, s.Errors, s.ExitCode)
}

// knownModules maps distributions whose import name differs from the project name
var knownModules = map[string]string{
	"pyyaml":          "yaml",
	"pillow":          "PIL",
	"beautifulsoup4":  "bs4",
	"scikit-learn":    "sklearn",
	"python-dateutil": "dateutil",
	"pyjwt":           "jwt",
	"psycopg2-binary": "psycopg2",
	"opencv-python":   "cv2",
	"protobuf":        "google.protobuf",
}

func (v *Validator) moduleFor(name string) string {
	key := pkgmgr.NormalizeName(name)
	if module, ok := v.config.ModuleNames[key]; ok {
		return module
	}
	if module, ok := knownModules[key]; ok {
		return module
	}
	return strings.ReplaceAll(key, "-", "_")
}
