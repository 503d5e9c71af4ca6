// ABOUTME: Wiring of sources, assessor, tracker and upgrade validators from the parsed configuration.
// ABOUTME: Mock mode swaps the pip environment and test suite for in-memory stand-ins.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/engine"
	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	envmock "github.com/jfeddern/VulnRemedy/internal/pkgmgr/mock"
	"github.com/jfeddern/VulnRemedy/internal/providers"
	sourcemock "github.com/jfeddern/VulnRemedy/internal/providers/mock"
	"github.com/jfeddern/VulnRemedy/internal/restore"
	"github.com/jfeddern/VulnRemedy/internal/risk"
	"github.com/jfeddern/VulnRemedy/internal/tracker"
	"github.com/jfeddern/VulnRemedy/internal/upgrade"

	"github.com/sirupsen/logrus"
)

// App holds the configuration shared by every subcommand
type App struct {
	config *engine.Config
	logger *logrus.Logger
	out    io.Writer
}

func (a *App) source() (engine.VulnerabilitySource, error) {
	return providers.CreateVulnerabilitySource(&providers.ProviderConfig{
		Mode:       a.config.Mode,
		ReportFile: a.config.ReportFile,
		MockMode:   a.config.MockMode,
	}, a.logger)
}

func (a *App) assessor() (*risk.Assessor, error) {
	catalog, err := risk.LoadCatalog(a.config.ProfilesFile)
	if err != nil {
		return nil, err
	}
	return risk.NewAssessor(catalog, a.logger), nil
}

func (a *App) tracker(ctx context.Context) (*tracker.Tracker, error) {
	if a.config.DBPath == "" {
		return tracker.NewTracker(ctx, nil, a.logger)
	}

	store, err := tracker.NewSQLiteStore(ctx, a.config.DBPath, a.logger)
	if err != nil {
		return nil, err
	}
	tr, err := tracker.NewTracker(ctx, store, a.logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return tr, nil
}

// environment returns the package manager and test suite for one interpreter
func (a *App) environment(python string) (pkgmgr.PackageManager, pkgmgr.TestRunner, error) {
	if a.config.MockMode {
		env := envmock.NewEnvironment(sourcemock.NewMockSource(a.logger).InstalledPackages())
		return env, envmock.PassingTestRunner(), nil
	}

	executor := pkgmgr.NewExecutor(a.config.InstallTimeout, a.logger)
	pip, err := pkgmgr.NewPip(executor, pkgmgr.PipConfig{
		Python:         python,
		WorkDir:        a.config.ProjectDir,
		InstallTimeout: a.config.InstallTimeout,
	}, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up pip for %s: %w", python, err)
	}

	if a.config.TestCommand == "" {
		return pip, nil, nil
	}
	tests, err := pkgmgr.NewTestRunner(executor, pkgmgr.TestCommandConfig{
		Python:  pip.Python(),
		Command: a.config.TestCommand,
		Args:    a.config.TestArgs,
		Dir:     a.config.ProjectDir,
		Timeout: a.config.TestTimeout,
	}, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid test command: %w", err)
	}
	return pip, tests, nil
}

func (a *App) validator(python string) (*upgrade.Validator, error) {
	pm, tests, err := a.environment(python)
	if err != nil {
		return nil, err
	}

	backups := upgrade.NewBackupManager(a.config.BackupRoot, a.config.ProjectDir, pm, a.logger)
	return upgrade.NewValidator(pm, tests, backups, restore.DefaultChain(pm, a.logger),
		upgrade.Config{ImportCheck: a.config.ImportCheck}, a.logger), nil
}

// runtimePython maps a runtime version such as "3.11" to its interpreter name
func runtimePython(runtime string) string {
	return "python" + runtime
}

func (a *App) compatibilityTester() *upgrade.CompatibilityTester {
	return upgrade.NewCompatibilityTester(func(runtime string) (*upgrade.Validator, error) {
		return a.validator(runtimePython(runtime))
	}, a.logger)
}

// buildEngine wires the full pipeline. The validator is only built when upgrades may run and is nil otherwise.
func (a *App) buildEngine(ctx context.Context) (*engine.Engine, *upgrade.Validator, error) {
	source, err := a.source()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create vulnerability source: %w", err)
	}
	assessor, err := a.assessor()
	if err != nil {
		return nil, nil, err
	}

	var (
		validator      *upgrade.Validator
		engineUpgrades engine.UpgradeValidator
	)
	if a.config.AutoRemediate {
		validator, err = a.validator(a.config.Python)
		if err != nil {
			return nil, nil, err
		}
		engineUpgrades = validator
	}

	tr, err := a.tracker(ctx)
	if err != nil {
		return nil, nil, err
	}
	return engine.NewEngine(source, assessor, tr, engineUpgrades, a.config, a.logger), validator, nil
}

func (a *App) print(value interface{}) error {
	encoder := json.NewEncoder(a.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Minute).String()
}
