// ABOUTME: Unit tests for restore strategies and the restore chain.
// ABOUTME: Uses the in-memory mock environment and backups written to temp directories.

package restore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr/mock"
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

func writeBackup(t *testing.T, manifest string) *types.EnvironmentBackup {
	t.Helper()
	dir := t.TempDir()
	listFile := filepath.Join(dir, "requirements.freeze")
	require.NoError(t, os.WriteFile(listFile, []byte(manifest), 0o600))
	return &types.EnvironmentBackup{Path: dir, PackageListFile: listFile, CreatedAt: time.Now()}
}

func allStrategies(env *mock.Environment) []Strategy {
	logger := testLogger()
	return []Strategy{NewForceReinstall(env, logger), NewCleanInstall(env, logger), NewFallback(env, logger)}
}

func TestReadManifest(t *testing.T) {
	backup := writeBackup(t, "# generated\n\nrequests==2.31.0\n  idna==3.4  \n-e git+https://example.com/app.git#egg=app\nlocalpkg @ file:///tmp/localpkg\n")

	reqs, warnings, err := ReadManifest(backup.PackageListFile)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "requests==2.31.0", reqs[0].String())
	assert.Equal(t, "idna==3.4", reqs[1].String())
	assert.Len(t, warnings, 2)

	_, _, err = ReadManifest(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, ErrBackupMissing)
}

func TestStrategiesRejectMissingBackup(t *testing.T) {
	env := mock.NewEnvironment(nil)

	missingDir := &types.EnvironmentBackup{Path: filepath.Join(t.TempDir(), "gone"), PackageListFile: "x"}
	missingList := &types.EnvironmentBackup{Path: t.TempDir(), PackageListFile: filepath.Join(t.TempDir(), "gone.txt")}

	for _, s := range allStrategies(env) {
		for _, backup := range []*types.EnvironmentBackup{nil, missingDir, missingList} {
			assert.False(t, s.CanHandle(backup), s.Name())
			result := s.Restore(context.Background(), backup)
			assert.False(t, result.Success, s.Name())
			assert.Contains(t, result.Error, "backup is missing")
			assert.Equal(t, s.Name(), result.Strategy)
		}
	}
	assert.Empty(t, env.Calls())
}

func TestStrategiesTreatEmptyManifestAsNoOp(t *testing.T) {
	for _, manifest := range []string{"", "# only a comment\n# and another\n\n"} {
		env := mock.NewEnvironment(map[string]string{"requests": "2.31.0"})
		backup := writeBackup(t, manifest)

		for _, s := range allStrategies(env) {
			result := s.Restore(context.Background(), backup)
			assert.True(t, result.Success, s.Name())
			assert.Equal(t, 0, result.PackagesRestored)
			assert.NotEmpty(t, result.Warnings)
			assert.Empty(t, result.Error)
		}
		assert.Empty(t, env.Calls())
		assert.Equal(t, []string{"requests==2.31.0"}, env.Snapshot())
	}
}

func TestForceReinstall(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"pkg": "2.1.0", "idna": "3.4"})
	backup := writeBackup(t, "idna==3.4\npkg==2.0.0\n")

	result := NewForceReinstall(env, testLogger()).Restore(context.Background(), backup)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 2, result.PackagesRestored)
	assert.Equal(t, []string{"idna==3.4", "pkg==2.0.0"}, env.Snapshot())
	assert.Equal(t, []string{"install --force idna==3.4 pkg==2.0.0"}, env.Calls())
}

func TestForceReinstallFailsAtomically(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"pkg": "2.1.0"})
	env.BreakInstall("ghost")
	backup := writeBackup(t, "pkg==2.0.0\nghost==1.0\n")

	result := NewForceReinstall(env, testLogger()).Restore(context.Background(), backup)
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.PackagesRestored)
	assert.ElementsMatch(t, []string{"pkg", "ghost"}, result.FailedPackages)
	assert.Equal(t, []string{"pkg==2.1.0"}, env.Snapshot())
}

func TestCleanInstallRemovesLeftovers(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{
		"pip": "24.0", "setuptools": "69.0", "wheel": "0.42", "pkg": "2.1.0", "newdep": "1.0",
	})
	backup := writeBackup(t, "pkg==2.0.0\n")

	result := NewCleanInstall(env, testLogger()).Restore(context.Background(), backup)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, result.PackagesRestored)
	assert.Equal(t, []string{"pip==24.0", "pkg==2.0.0", "setuptools==69.0", "wheel==0.42"}, env.Snapshot())
}

func TestFallbackPartialSuccess(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"pkg": "2.1.0"})
	env.BreakInstall("ghost")
	backup := writeBackup(t, "pkg==2.0.0\nghost==1.0\nidna==3.4\n")

	result := NewFallback(env, testLogger()).Restore(context.Background(), backup)
	require.True(t, result.Success)
	assert.Equal(t, 2, result.PackagesRestored)
	assert.Equal(t, []string{"ghost"}, result.FailedPackages)
	require.Len(t, result.Warnings, 1)
	assert.True(t, strings.HasPrefix(result.Warnings[0], "partial restore: 2 of 3"))
	assert.Equal(t, []string{"idna==3.4", "pkg==2.0.0"}, env.Snapshot())

	calls := env.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, "install pkg==2.0.0 ghost==1.0 idna==3.4", calls[0])
	assert.Equal(t, "install --force pkg==2.0.0 ghost==1.0 idna==3.4", calls[1])
}

func TestFallbackTotalFailure(t *testing.T) {
	env := mock.NewEnvironment(nil)
	env.BreakInstall("ghost")
	backup := writeBackup(t, "ghost==1.0\n")

	result := NewFallback(env, testLogger()).Restore(context.Background(), backup)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"ghost"}, result.FailedPackages)
	assert.NotEmpty(t, result.Error)
}

func TestChainFallsThroughToWorkingStrategy(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"pkg": "2.1.0"})
	env.BreakInstall("ghost")
	backup := writeBackup(t, "pkg==2.0.0\nghost==1.0\n")

	chain := DefaultChain(env, testLogger())
	assert.Equal(t, []string{StrategyForceReinstall, StrategyCleanInstall, StrategyFallback}, chain.Strategies())

	result, err := chain.Restore(context.Background(), backup)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StrategyFallback, result.Strategy)
	assert.Equal(t, 1, result.PackagesRestored)
	assert.Len(t, result.Warnings, 2)
}

func TestChainAggregatesFailures(t *testing.T) {
	env := mock.NewEnvironment(nil)
	env.BreakInstall("ghost")
	backup := writeBackup(t, "ghost==1.0\n")

	result, err := DefaultChain(env, testLogger()).Restore(context.Background(), backup)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, err.Error(), StrategyForceReinstall)
	assert.Contains(t, err.Error(), StrategyCleanInstall)
	assert.Contains(t, err.Error(), StrategyFallback)
}

func TestChainMissingBackup(t *testing.T) {
	_, err := DefaultChain(mock.NewEnvironment(nil), testLogger()).Restore(context.Background(), nil)
	assert.ErrorIs(t, err, ErrBackupMissing)

	_, err = NewChain(testLogger()).Restore(context.Background(), writeBackup(t, "pkg==1.0\n"))
	assert.Error(t, err)
}

func TestChainPrunesPackagesAbsentFromBackup(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"pip": "24.0", "pkg": "2.1.0", "idna": "3.4", "newdep": "1.0"})
	backup := writeBackup(t, "idna==3.4\npkg==2.0.0\n")

	// Force-Reinstall alone leaves newdep behind
	forced := NewForceReinstall(env, testLogger()).Restore(context.Background(), backup)
	require.True(t, forced.Success)
	assert.Contains(t, env.Snapshot(), "newdep==1.0")

	result, err := DefaultChain(env, testLogger()).Restore(context.Background(), backup)
	require.NoError(t, err)
	assert.Equal(t, StrategyForceReinstall, result.Strategy)
	assert.Equal(t, []string{"newdep"}, result.PackagesRemoved)
	assert.Equal(t, []string{"idna==3.4", "pip==24.0", "pkg==2.0.0"}, env.Snapshot())
	assert.Contains(t, env.Calls(), "uninstall newdep")
}

func TestChainKeepsPackagesWhenManifestIsUnresolved(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"pkg": "2.1.0", "vendored": "0.1"})
	backup := writeBackup(t, "pkg==2.0.0\n./vendor/vendored-0.1.tar.gz\n")

	result, err := DefaultChain(env, testLogger()).Restore(context.Background(), backup)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.PackagesRemoved)
	assert.Contains(t, env.Snapshot(), "vendored==0.1")

	found := false
	for _, w := range result.Warnings {
		if strings.HasPrefix(w, "leftover packages not removed") {
			found = true
		}
	}
	assert.True(t, found, "expected a warning about leftovers, got %v", result.Warnings)
}

func TestChainWithoutPruning(t *testing.T) {
	env := mock.NewEnvironment(map[string]string{"pkg": "2.1.0", "newdep": "1.0"})
	backup := writeBackup(t, "pkg==2.0.0\n")

	result, err := NewChain(testLogger(), NewForceReinstall(env, testLogger())).Restore(context.Background(), backup)
	require.NoError(t, err)
	assert.Empty(t, result.PackagesRemoved)
	assert.Equal(t, []string{"newdep==1.0", "pkg==2.0.0"}, env.Snapshot())
}

func TestEntryName(t *testing.T) {
	tests := []struct {
		line string
		name string
		ok   bool
	}{
		{"requests==2.31.0", "requests", true},
		{"localpkg @ file:///tmp/localpkg", "localpkg", true},
		{"-e git+https://example.com/app.git#egg=app", "app", true},
		{"-e git+https://example.com/app.git#egg=my_app&subdirectory=src", "my_app", true},
		{"./vendor/vendored-0.1.tar.gz", "", false},
		{"-e git+https://example.com/app.git", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, ok := entryName(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.name, name)
			}
		})
	}
}
