// ABOUTME: Unit tests for the upgrade validator, batch validation and compatibility testing.
// ABOUTME: Runs against the in-memory mock environment with real backups in temp directories.

package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	"github.com/jfeddern/VulnRemedy/internal/pkgmgr/mock"
	"github.com/jfeddern/VulnRemedy/internal/restore"
	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type recordingObserver struct {
	mutex   sync.Mutex
	results []*types.UpgradeResult
}

func (o *recordingObserver) ObserveUpgrade(result *types.UpgradeResult) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.results = append(o.results, result)
}

type testHarness struct {
	env        *mock.Environment
	tests      pkgmgr.TestRunner
	validator  *Validator
	observer   *recordingObserver
	backupRoot string
}

func newHarness(t *testing.T, packages map[string]string, tests pkgmgr.TestRunner, config Config) *testHarness {
	t.Helper()
	env := mock.NewEnvironment(packages)
	if tests == nil {
		tests = mock.PassingTestRunner()
	}

	root := filepath.Join(t.TempDir(), "backups")
	logger := testLogger()
	v := NewValidator(env, tests, NewBackupManager(root, "", env, logger), restore.DefaultChain(env, logger), config, logger)
	observer := &recordingObserver{}
	v.SetObserver(observer)

	return &testHarness{env: env, tests: tests, validator: v, observer: observer, backupRoot: root}
}

func (h *testHarness) backups(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.backupRoot)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// brokenAt fails the suite while name is installed at version
func brokenAt(env *mock.Environment, name, version string) *mock.TestRunner {
	return mock.FailingWhen(func() bool {
		v, _ := env.InstalledVersion(context.Background(), name)
		return v == version
	})
}

func TestValidateUpgradeSuccess(t *testing.T) {
	h := newHarness(t, map[string]string{"pkg": "2.0.0", "idna": "3.4"}, nil, Config{ImportCheck: true})

	result, err := h.validator.ValidateUpgrade(context.Background(), "pkg", "2.1.0")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, types.UpgradeSucceeded, result.State)
	assert.Equal(t, "2.0.0", result.FromVersion)
	assert.Equal(t, "2.1.0", result.ToVersion)
	assert.False(t, result.RollbackPerformed)
	require.NotNil(t, result.Tests)
	assert.Equal(t, 10, result.Tests.Passed)
	assert.Empty(t, result.BackupPath)
	assert.Empty(t, h.backups(t), "backup must be deleted after success")
	assert.Equal(t, []string{"idna==3.4", "pkg==2.1.0"}, h.env.Snapshot())
	assert.Contains(t, h.env.Calls(), "import pkg")

	require.Len(t, h.observer.results, 1)
	assert.Same(t, result, h.observer.results[0])
}

func TestValidateUpgradeRollsBackOnTestFailure(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"pkg": "2.0.0", "idna": "3.4"})
	runner := brokenAt(env, "pkg", "2.1.0")

	root := t.TempDir()
	logger := testLogger()
	v := NewValidator(env, runner, NewBackupManager(root, "", env, logger), restore.DefaultChain(env, logger), Config{}, logger)

	before := env.Snapshot()
	result, err := v.ValidateUpgrade(context.Background(), "pkg", "2.1.0")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.RollbackPerformed)
	assert.Equal(t, types.UpgradeRolledBack, result.State)
	assert.Contains(t, result.Error, "test suite failed")
	require.NotNil(t, result.Restore)
	assert.Equal(t, restore.StrategyForceReinstall, result.Restore.Strategy)
	assert.Equal(t, before, env.Snapshot())

	version, err := env.InstalledVersion(context.Background(), "pkg")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", version)

	// backup retained for inspection and matches the pre-upgrade state
	require.NotEmpty(t, result.BackupPath)
	manifest, err := os.ReadFile(filepath.Join(result.BackupPath, packageListName))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "pkg==2.0.0")
}

func TestRollbackRemovesDependenciesPulledInByUpgrade(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"pkg": "2.0.0", "idna": "3.4"})
	env.PullsIn("pkg==2.1.0", map[string]string{"charset-normalizer": "3.3.2", "idna": "3.6"})
	runner := brokenAt(env, "pkg", "2.1.0")

	logger := testLogger()
	v := NewValidator(env, runner, NewBackupManager(t.TempDir(), "", env, logger), restore.DefaultChain(env, logger), Config{}, logger)

	before := env.Snapshot()
	result, err := v.ValidateUpgrade(context.Background(), "pkg", "2.1.0")
	require.NoError(t, err)

	assert.Equal(t, types.UpgradeRolledBack, result.State)
	assert.True(t, result.RollbackPerformed)
	require.NotNil(t, result.Restore)
	assert.Equal(t, restore.StrategyForceReinstall, result.Restore.Strategy)
	assert.Equal(t, []string{"charset-normalizer"}, result.Restore.PackagesRemoved)
	assert.Equal(t, before, env.Snapshot(), "environment must match the pre-upgrade snapshot")
}

func TestValidateUpgradeInstallFailure(t *testing.T) {
	runner := mock.PassingTestRunner()
	h := newHarness(t, map[string]string{"pkg": "2.0.0"}, runner, Config{})
	h.env.BreakInstall("ghost")

	result, err := h.validator.ValidateUpgrade(context.Background(), "ghost", "1.0.0")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, types.UpgradeInstallFailed, result.State)
	assert.Equal(t, 0, runner.Runs(), "tests must not run after a failed install")
	assert.True(t, result.RollbackPerformed)
	assert.Equal(t, []string{"pkg==2.0.0"}, h.env.Snapshot())
}

func TestValidateUpgradeConflictTakesNoBackup(t *testing.T) {
	h := newHarness(t, map[string]string{"pkg": "2.0.0"}, nil, Config{})
	h.env.AddConflict("pkg==3.0.0", "other 1.0 requires pkg<3")

	result, err := h.validator.ValidateUpgrade(context.Background(), "pkg", "3.0.0")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, types.UpgradeConflict, result.State)
	assert.Equal(t, []string{"other 1.0 requires pkg<3"}, result.Conflicts)
	assert.False(t, result.RollbackPerformed)
	assert.Empty(t, h.backups(t))
	assert.Equal(t, []string{"pkg==2.0.0"}, h.env.Snapshot())
	assert.NotContains(t, h.env.Calls(), "freeze")
}

func TestValidateUpgradeEnvironmentProblemsAreConflicts(t *testing.T) {
	h := newHarness(t, map[string]string{"pkg": "2.0.0"}, nil, Config{})
	h.env.AddProblem("flask 2.0.0 requires werkzeug>=2.0")

	result, err := h.validator.ValidateUpgrade(context.Background(), "pkg", "2.1.0")
	require.NoError(t, err)
	assert.Equal(t, types.UpgradeConflict, result.State)

	result, err = h.validator.ValidateUpgrade(context.Background(), "pkg", "2.1.0", WithoutConflictCheck())
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestValidateUpgradeWithoutTests(t *testing.T) {
	runner := mock.FailingWhen(func() bool { return true })
	h := newHarness(t, map[string]string{"pkg": "2.0.0"}, runner, Config{})

	result, err := h.validator.ValidateUpgrade(context.Background(), "pkg", "2.1.0", WithoutTests())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Nil(t, result.Tests)
	assert.Equal(t, 0, runner.Runs())
}

func TestValidateUpgradeImportFailure(t *testing.T) {
	h := newHarness(t, map[string]string{"pyyaml": "5.3"}, nil, Config{ImportCheck: true})
	h.env.BreakImport("yaml")

	result, err := h.validator.ValidateUpgrade(context.Background(), "PyYAML", "6.0.1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.RollbackPerformed)
	assert.Contains(t, result.Error, "import of yaml failed")
}

func TestValidateUpgradeRejectsUnsafeInput(t *testing.T) {
	h := newHarness(t, map[string]string{"pkg": "2.0.0"}, nil, Config{})

	for _, tc := range []struct{ name, version string }{
		{"pkg; rm -rf /", "1.0"},
		{"pkg", "1.0 && id"},
		{"", "1.0"},
		{"pkg", ">=1.0"},
	} {
		result, err := h.validator.ValidateUpgrade(context.Background(), tc.name, tc.version)
		require.Error(t, err)
		assert.Equal(t, types.UpgradeRejected, result.State)
	}
	assert.Empty(t, h.env.Calls())
	assert.Empty(t, h.observer.results)
}

func TestValidateUpgradeRollbackFailure(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"pkg": "2.0.0"})
	runner := mock.NewTestRunner(func() (*types.TestRunSummary, error) {
		// the environment is unrecoverable once the suite has run
		env.BreakInstall("pkg")
		return &types.TestRunSummary{Failed: 1, ExitCode: 1}, nil
	})

	logger := testLogger()
	v := NewValidator(env, runner, NewBackupManager(t.TempDir(), "", env, logger), restore.DefaultChain(env, logger), Config{}, logger)

	result, err := v.ValidateUpgrade(context.Background(), "pkg", "2.1.0")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, types.UpgradeRollbackFailed, result.State)
	assert.True(t, result.ManualInterventionRequired)
	assert.False(t, result.RollbackPerformed)
	assert.Contains(t, result.Error, "rollback failed")
	assert.DirExists(t, result.BackupPath)
}

type panickingRunner struct{}

func (panickingRunner) Run(context.Context) (*types.TestRunSummary, error) {
	panic("test harness exploded")
}

func TestValidateUpgradeRecoversFromPanic(t *testing.T) {
	h := newHarness(t, map[string]string{"pkg": "2.0.0"}, panickingRunner{}, Config{})

	result, err := h.validator.ValidateUpgrade(context.Background(), "pkg", "2.1.0")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "test harness exploded")
	assert.True(t, result.RollbackPerformed)
	assert.Equal(t, []string{"pkg==2.0.0"}, h.env.Snapshot())
	assert.Len(t, h.observer.results, 1)
}

func TestValidateUpgradeTestRunError(t *testing.T) {
	runner := mock.NewTestRunner(func() (*types.TestRunSummary, error) {
		return nil, fmt.Errorf("runner missing")
	})
	h := newHarness(t, map[string]string{"pkg": "2.0.0"}, runner, Config{})

	result, err := h.validator.ValidateUpgrade(context.Background(), "pkg", "2.1.0")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.RollbackPerformed)
	assert.Equal(t, []string{"pkg==2.0.0"}, h.env.Snapshot())
}

func TestValidateMultipleAllSucceed(t *testing.T) {
	h := newHarness(t, map[string]string{"a": "1.0", "b": "1.0", "c": "1.0"}, nil, Config{})

	results, err := h.validator.ValidateMultiple(context.Background(), []types.PackageUpgrade{
		{PackageName: "a", TargetVersion: "1.1"},
		{PackageName: "b", TargetVersion: "1.1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Empty(t, r.BackupPath)
	}
	assert.Equal(t, []string{"a==1.1", "b==1.1", "c==1.0"}, h.env.Snapshot())
	assert.Empty(t, h.backups(t))
	assert.Len(t, h.observer.results, 2)
}

func TestValidateMultipleRollsBackEverything(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"a": "1.0", "b": "1.0", "c": "1.0", "d": "1.0"})
	runner := brokenAt(env, "c", "2.0")
	logger := testLogger()
	v := NewValidator(env, runner, NewBackupManager(t.TempDir(), "", env, logger), restore.DefaultChain(env, logger), Config{}, logger)

	before := env.Snapshot()
	results, err := v.ValidateMultiple(context.Background(), []types.PackageUpgrade{
		{PackageName: "a", TargetVersion: "2.0"},
		{PackageName: "b", TargetVersion: "2.0"},
		{PackageName: "c", TargetVersion: "2.0"},
		{PackageName: "d", TargetVersion: "2.0"},
	})
	require.NoError(t, err)

	require.Len(t, results, 3, "validation stops at the failing upgrade")
	for _, r := range results {
		assert.False(t, r.Success, r.PackageName)
		assert.True(t, r.RollbackPerformed, r.PackageName)
		assert.Equal(t, types.UpgradeRolledBack, r.State, r.PackageName)
	}
	assert.Contains(t, results[0].Error, "c==2.0 failed")
	assert.Equal(t, before, env.Snapshot())
	assert.NotContains(t, env.Calls(), "install d==2.0")
}

func TestValidateMultipleRejectsInvalidBatch(t *testing.T) {
	h := newHarness(t, map[string]string{"a": "1.0"}, nil, Config{})

	results, err := h.validator.ValidateMultiple(context.Background(), []types.PackageUpgrade{
		{PackageName: "a", TargetVersion: "2.0"},
		{PackageName: "b|c", TargetVersion: "2.0"},
	})
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Empty(t, h.env.Calls())
}

func TestValidateMultipleConflictBeforeBackup(t *testing.T) {
	h := newHarness(t, map[string]string{"a": "1.0"}, nil, Config{})
	h.env.AddConflict("a==2.0", "conflict")

	results, err := h.validator.ValidateMultiple(context.Background(), []types.PackageUpgrade{
		{PackageName: "a", TargetVersion: "2.0"},
		{PackageName: "b", TargetVersion: "2.0"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.UpgradeConflict, results[0].State)
	assert.False(t, results[0].RollbackPerformed)
	assert.Empty(t, h.backups(t))
}

func TestBackupManagerCapturesManifest(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "requirements.txt"), []byte("pkg>=2\n"), 0o600))

	env := mock.NewEnvironment(map[string]string{"pkg": "2.0.0"})
	manager := NewBackupManager(filepath.Join(t.TempDir(), "nested", "root"), project, env, testLogger())

	backup, err := manager.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, backup.PackageCount)
	assert.False(t, backup.EmptyEnvironment)
	assert.FileExists(t, backup.PackageListFile)
	require.NotEmpty(t, backup.ProjectManifest)

	copied, err := os.ReadFile(backup.ProjectManifest)
	require.NoError(t, err)
	assert.Equal(t, "pkg>=2\n", string(copied))

	require.NoError(t, manager.Remove(backup))
	assert.NoDirExists(t, backup.Path)

	assert.Error(t, manager.Remove(&types.EnvironmentBackup{Path: project}))
	assert.DirExists(t, project)
}

func TestBackupOfEmptyEnvironment(t *testing.T) {
	env := mock.NewEnvironment(nil)
	manager := NewBackupManager(t.TempDir(), "", env, testLogger())

	backup, err := manager.Create(context.Background())
	require.NoError(t, err)
	assert.True(t, backup.EmptyEnvironment)
	assert.Empty(t, backup.ProjectManifest)

	result := restore.NewForceReinstall(env, testLogger()).Restore(context.Background(), backup)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.PackagesRestored)
	assert.NotEmpty(t, result.Warnings)
}

func TestModuleFor(t *testing.T) {
	v := &Validator{config: Config{ModuleNames: map[string]string{"my-dist": "mine"}}}
	assert.Equal(t, "yaml", v.moduleFor("PyYAML"))
	assert.Equal(t, "mine", v.moduleFor("my_dist"))
	assert.Equal(t, "typing_extensions", v.moduleFor("typing-extensions"))
}

func TestCompatibilityTester(t *testing.T) {
	var mutex sync.Mutex
	envs := make(map[string]*mock.Environment)
	logger := testLogger()

	factory := func(runtime string) (*Validator, error) {
		if runtime == "3.8" {
			return nil, fmt.Errorf("interpreter python3.8 not found")
		}
		env := mock.NewEnvironment(map[string]string{"pkg": "2.0.0"})
		runner := mock.FailingWhen(func() bool { return runtime == "3.9" })

		mutex.Lock()
		envs[runtime] = env
		mutex.Unlock()

		root := filepath.Join(t.TempDir(), runtime)
		return NewValidator(env, runner, NewBackupManager(root, "", env, logger), restore.DefaultChain(env, logger), Config{}, logger), nil
	}

	tester := NewCompatibilityTester(factory, logger)
	report, err := tester.Test(context.Background(), "pkg", "2.1.0", []string{"3.8", "3.9", "3.11", "3.12"})
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.True(t, report.PartialSuccess)
	require.Len(t, report.Results, 4)
	assert.Equal(t, "3.8", report.Results[0].Runtime)
	assert.Contains(t, report.Results[0].Error, "not found")
	assert.Nil(t, report.Results[0].Result)
	assert.True(t, report.Results[1].Result.RollbackPerformed)
	assert.True(t, report.Results[2].Result.Success)
	assert.True(t, report.Results[3].Result.Success)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "3.8, 3.9")

	assert.Equal(t, []string{"pkg==2.0.0"}, envs["3.9"].Snapshot())
	assert.Equal(t, []string{"pkg==2.1.0"}, envs["3.12"].Snapshot())
}

func TestCompatibilityTesterValidation(t *testing.T) {
	tester := NewCompatibilityTester(func(string) (*Validator, error) {
		t.Fatal("factory must not be called")
		return nil, nil
	}, testLogger())

	_, err := tester.Test(context.Background(), "pkg", "2.1.0", nil)
	assert.Error(t, err)
	_, err = tester.Test(context.Background(), "pkg", "2.1.0", []string{"3.11; id"})
	assert.Error(t, err)
	_, err = tester.Test(context.Background(), "pkg", "2.1.0", []string{"3.11", "3.11"})
	assert.Error(t, err)
	_, err = tester.Test(context.Background(), "pkg;", "2.1.0", []string{"3.11"})
	assert.Error(t, err)

	assert.NoError(t, ValidateRuntime("3.12.1"))
	assert.Error(t, ValidateRuntime("latest"))
}

func TestCompatibilityAllRuntimesPass(t *testing.T) {
	logger := testLogger()
	tester := NewCompatibilityTester(func(runtime string) (*Validator, error) {
		env := mock.NewEnvironment(map[string]string{"pkg": "2.0.0"})
		return NewValidator(env, nil, NewBackupManager(filepath.Join(t.TempDir(), runtime), "", env, logger), restore.DefaultChain(env, logger), Config{}, logger), nil
	}, logger)

	report, err := tester.Test(context.Background(), "pkg", "2.1.0", []string{"3.11", "3.12"})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.False(t, report.PartialSuccess)
	assert.Empty(t, report.Warnings)
}
