// ABOUTME: Comprehensive tests for the remediation engine.
// ABOUTME: Tests pipeline transitions, auto-remediation outcomes, idempotent passes and the periodic loop.

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/risk"
	"github.com/jfeddern/VulnRemedy/internal/tracker"
	"github.com/jfeddern/VulnRemedy/internal/types"
	"github.com/jfeddern/VulnRemedy/internal/upgrade"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockVulnerabilitySource struct {
	name         string
	vulns        []types.Vulnerability
	shouldError  bool
	errorMessage string

	mu      sync.Mutex
	fetches int
}

func (m *MockVulnerabilitySource) Name() string {
	return m.name
}

func (m *MockVulnerabilitySource) FetchVulnerabilities(ctx context.Context) ([]types.Vulnerability, error) {
	m.mu.Lock()
	m.fetches++
	m.mu.Unlock()

	if m.shouldError {
		return nil, errors.New(m.errorMessage)
	}
	return m.vulns, nil
}

func (m *MockVulnerabilitySource) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

type call struct {
	name    string
	version string
}

type MockValidator struct {
	results map[string]*types.UpgradeResult
	err     error
	calls   []call
}

func (m *MockValidator) ValidateUpgrade(ctx context.Context, name, version string, opts ...upgrade.Option) (*types.UpgradeResult, error) {
	m.calls = append(m.calls, call{name, version})
	if m.err != nil {
		return &types.UpgradeResult{PackageName: name, ToVersion: version, State: types.UpgradeRejected, Error: m.err.Error()}, m.err
	}
	if r, ok := m.results[name]; ok {
		return r, nil
	}
	return &types.UpgradeResult{PackageName: name, FromVersion: "old", ToVersion: version, Success: true, State: types.UpgradeSucceeded}, nil
}

func score(v float64) *float64 { return &v }

func testVulns() []types.Vulnerability {
	return []types.Vulnerability{
		types.NewVulnerability("CVE-2023-0001", "django", "4.2.0", []string{"4.2.7", "4.2.8"}, types.SeverityCritical, score(9.8)),
		types.NewVulnerability("CVE-2023-0002", "black", "22.1.0", nil, types.SeverityLow, score(2.1)),
	}
}

func newTestEngine(t *testing.T, source VulnerabilitySource, validator UpgradeValidator, config *Config) (*Engine, *tracker.Tracker) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	tr, err := tracker.NewTracker(context.Background(), nil, logger)
	require.NoError(t, err)

	return NewEngine(source, risk.NewAssessor(risk.DefaultCatalog(), logger), tr, validator, config, logger), tr
}

func statuses(record *tracker.TrackingRecord) []tracker.Status {
	var out []tracker.Status
	for _, change := range record.StatusHistory {
		out = append(out, change.NewStatus)
	}
	return out
}

func TestNewEngine(t *testing.T) {
	source := &MockVulnerabilitySource{name: "test-source"}
	validator := &MockValidator{}
	config := &Config{ScanInterval: time.Minute}

	engine, tr := newTestEngine(t, source, validator, config)

	require.NotNil(t, engine)
	assert.Equal(t, source, engine.vulnerabilitySource)
	assert.Equal(t, validator, engine.validator)
	assert.Equal(t, config, engine.config)
	assert.Same(t, tr, engine.Tracker())

	report, at := engine.LastRun()
	assert.True(t, at.IsZero())
	assert.Zero(t, report.Fetched)
}

func TestRunOnceTracksAndAssesses(t *testing.T) {
	source := &MockVulnerabilitySource{name: "test-source", vulns: testVulns()}
	validator := &MockValidator{}
	engine, tr := newTestEngine(t, source, validator, &Config{})

	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "test-source", report.Source)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Tracked)
	assert.Equal(t, 2, report.Assessed)
	assert.Zero(t, report.Attempted)
	assert.Empty(t, validator.calls, "auto-remediation is off")

	record := tr.Get("CVE-2023-0001")
	require.NotNil(t, record)
	assert.Equal(t, tracker.StatusAssessed, record.Status)
	assert.Equal(t, []tracker.Status{tracker.StatusNew, tracker.StatusDetected, tracker.StatusAssessed}, statuses(record))
	assert.Contains(t, record.Tags, string(risk.PriorityImmediate))
	assert.Greater(t, record.PriorityScore, 0.0)

	last := record.StatusHistory[len(record.StatusHistory)-1]
	assert.Equal(t, AssessorActor, last.Actor)
	assert.Equal(t, string(risk.PriorityImmediate), last.Metadata["priority"])
	assert.NotEmpty(t, last.Metadata["risk_score"])

	_, at := engine.LastRun()
	assert.False(t, at.IsZero())
}

func TestRunOnceIsIdempotent(t *testing.T) {
	source := &MockVulnerabilitySource{name: "test-source", vulns: testVulns()}
	engine, tr := newTestEngine(t, source, &MockValidator{}, &Config{})

	_, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Tracked)
	assert.Zero(t, report.Assessed, "already assessed records are not reassessed")
	assert.Len(t, tr.Get("CVE-2023-0002").StatusHistory, 3)
}

func TestAutoRemediationResolves(t *testing.T) {
	source := &MockVulnerabilitySource{name: "test-source", vulns: testVulns()}
	validator := &MockValidator{}
	engine, tr := newTestEngine(t, source, validator, &Config{
		AutoRemediate: true,
		EligibleTiers: []risk.Priority{risk.PriorityImmediate, risk.PriorityUrgent},
		Actor:         "bot",
	})

	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, validator.calls, 1, "only the finding with a fix in an eligible tier is upgraded")
	assert.Equal(t, call{"django", "4.2.8"}, validator.calls[0])
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Resolved)
	require.Len(t, report.Upgrades, 1)

	record := tr.Get("CVE-2023-0001")
	assert.Equal(t, tracker.StatusResolved, record.Status)
	assert.Equal(t, "bot", record.AssignedTo)
	assert.Equal(t, []tracker.Status{
		tracker.StatusNew, tracker.StatusDetected, tracker.StatusAssessed,
		tracker.StatusAssigned, tracker.StatusInProgress, tracker.StatusTesting, tracker.StatusResolved,
	}, statuses(record))

	assert.Equal(t, tracker.StatusAssessed, tr.Get("CVE-2023-0002").Status)

	// resolved records are left alone on the next pass
	_, err = engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, validator.calls, 1)
}

func TestAutoRemediationFailure(t *testing.T) {
	tests := []struct {
		name           string
		result         *types.UpgradeResult
		expectBlocking bool
	}{
		{
			name: "rolled back",
			result: &types.UpgradeResult{
				PackageName: "django", State: types.UpgradeRolledBack, RollbackPerformed: true,
				Error: "tests failed: 2 failed",
			},
		},
		{
			name: "rollback failed",
			result: &types.UpgradeResult{
				PackageName: "django", State: types.UpgradeRollbackFailed, RollbackPerformed: true,
				ManualInterventionRequired: true, BackupPath: "/tmp/vulnremedy-backup-1", Error: "restore failed",
			},
			expectBlocking: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &MockVulnerabilitySource{name: "test-source", vulns: testVulns()}
			validator := &MockValidator{results: map[string]*types.UpgradeResult{"django": tt.result}}
			engine, tr := newTestEngine(t, source, validator, &Config{
				AutoRemediate: true,
				EligibleTiers: []risk.Priority{risk.PriorityImmediate},
			})

			report, err := engine.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Failed)

			record := tr.Get("CVE-2023-0001")
			assert.Equal(t, tracker.StatusInProgress, record.Status)
			assert.Equal(t, DefaultActor, record.AssignedTo)

			last := record.StatusHistory[len(record.StatusHistory)-1]
			assert.Equal(t, tracker.StatusTesting, last.OldStatus)
			assert.Contains(t, last.Reason, tt.result.Error)
			assert.Equal(t, string(tt.result.State), last.Metadata["upgrade_state"])

			if tt.expectBlocking {
				assert.Equal(t, "true", last.Metadata[tracker.MetadataManualIntervention])
				assert.Contains(t, record.Progress.BlockingReasons, "manual intervention required")
			} else {
				assert.NotContains(t, record.Progress.BlockingReasons, "manual intervention required")
			}

			// failed remediations are not retried automatically
			_, err = engine.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Len(t, validator.calls, 1)
		})
	}
}

func TestFailedRollbackHaltsAutoRemediation(t *testing.T) {
	rollbackFailed := func(name string) *types.UpgradeResult {
		return &types.UpgradeResult{
			PackageName: name, State: types.UpgradeRollbackFailed, RollbackPerformed: true,
			ManualInterventionRequired: true, BackupPath: "/tmp/vulnremedy-backup-" + name, Error: "restore failed",
		}
	}
	vulns := []types.Vulnerability{
		types.NewVulnerability("CVE-2023-0001", "django", "4.2.0", []string{"4.2.8"}, types.SeverityCritical, score(9.8)),
		types.NewVulnerability("CVE-2023-0003", "requests", "2.28.0", []string{"2.31.0"}, types.SeverityCritical, score(9.1)),
	}
	byPackage := map[string]string{"django": "CVE-2023-0001", "requests": "CVE-2023-0003"}

	source := &MockVulnerabilitySource{name: "test-source", vulns: vulns}
	validator := &MockValidator{results: map[string]*types.UpgradeResult{
		"django":   rollbackFailed("django"),
		"requests": rollbackFailed("requests"),
	}}
	engine, tr := newTestEngine(t, source, validator, &Config{
		AutoRemediate: true,
		EligibleTiers: []risk.Priority{risk.PriorityImmediate},
	})
	ctx := context.Background()

	report, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, validator.calls, 1, "no upgrade may run after a rollback failed")
	halted := byPackage[validator.calls[0].name]
	assert.Equal(t, halted, report.HaltedBy)
	assert.Equal(t, halted, engine.ManualIntervention())
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.Assessed, "tracking and assessment continue")

	var other string
	for _, id := range byPackage {
		if id != halted {
			other = id
		}
	}
	assert.Equal(t, tracker.StatusAssessed, tr.Get(other).Status)

	// the flag survives passes until someone moves the record on
	report, err = engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, validator.calls, 1)
	assert.Equal(t, halted, report.HaltedBy)

	outcome, err := tr.UpdateStatus(ctx, halted, tracker.StatusDeferred, "alice", "environment restored by hand")
	require.NoError(t, err)
	require.True(t, outcome.Ok())

	report, err = engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, validator.calls, 2)
	assert.Equal(t, other, byPackage[validator.calls[1].name])
	assert.Equal(t, other, report.HaltedBy)
}

func TestAutoRemediationRejectedInput(t *testing.T) {
	source := &MockVulnerabilitySource{name: "test-source", vulns: testVulns()}
	validator := &MockValidator{err: errors.New("invalid version")}
	engine, tr := newTestEngine(t, source, validator, &Config{
		AutoRemediate: true,
		EligibleTiers: []risk.Priority{risk.PriorityImmediate},
	})

	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, tracker.StatusInProgress, tr.Get("CVE-2023-0001").Status)
}

func TestAutoRemediationWithoutValidator(t *testing.T) {
	source := &MockVulnerabilitySource{name: "test-source", vulns: testVulns()}
	engine, tr := newTestEngine(t, source, nil, &Config{
		AutoRemediate: true,
		EligibleTiers: []risk.Priority{risk.PriorityImmediate},
	})

	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Equal(t, tracker.StatusAssessed, tr.Get("CVE-2023-0001").Status)
}

func TestRunOnceSourceError(t *testing.T) {
	source := &MockVulnerabilitySource{name: "broken", shouldError: true, errorMessage: "report unreadable"}
	engine, _ := newTestEngine(t, source, nil, &Config{})

	_, err := engine.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report unreadable")

	_, at := engine.LastRun()
	assert.True(t, at.IsZero(), "failed passes do not replace the last report")
}

func TestRunOnceCancelledContext(t *testing.T) {
	source := &MockVulnerabilitySource{name: "test-source", vulns: testVulns()}
	engine, tr := newTestEngine(t, source, nil, &Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tr.List(tracker.ListFilter{}))
}

func TestEngineStartStopsOnCancel(t *testing.T) {
	source := &MockVulnerabilitySource{name: "test-source", vulns: testVulns()}
	engine, _ := newTestEngine(t, source, nil, &Config{ScanInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return source.Fetches() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after context cancellation")
	}
}
