// ABOUTME: Remediation engine that drives findings from a vulnerability source through the pipeline.
// ABOUTME: Fetches, assesses and tracks findings, then optionally validates the recommended upgrade.

package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/risk"
	"github.com/jfeddern/VulnRemedy/internal/tracker"
	"github.com/jfeddern/VulnRemedy/internal/types"
	"github.com/jfeddern/VulnRemedy/internal/upgrade"
	"github.com/sirupsen/logrus"
)

// VulnerabilitySource abstracts the scanner that reports findings for the environment
type VulnerabilitySource interface {
	Name() string
	FetchVulnerabilities(ctx context.Context) ([]types.Vulnerability, error)
}

// UpgradeValidator applies and validates one package upgrade
type UpgradeValidator interface {
	ValidateUpgrade(ctx context.Context, name, version string, opts ...upgrade.Option) (*types.UpgradeResult, error)
}

const (
	// AssessorActor records status changes made after risk assessment
	AssessorActor = "risk-assessor"
	// DefaultActor records status changes made by automatic remediation
	DefaultActor = "vulnremedy"
)

// Config holds configuration for the remediation engine and the binary around it
type Config struct {
	Mode         string
	ReportFile   string
	MockMode     bool // Use canned findings and an in-memory environment
	Port         int
	ScanInterval time.Duration

	DBPath       string
	ProfilesFile string

	ProjectDir     string
	BackupRoot     string
	Python         string
	TestCommand    string
	TestArgs       []string
	InstallTimeout time.Duration
	TestTimeout    time.Duration
	ImportCheck    bool
	Runtimes       []string

	AutoRemediate bool
	EligibleTiers []risk.Priority
	Actor         string
}

// RunReport summarizes one pass of the pipeline
type RunReport struct {
	Source    string                 `json:"source"`
	Fetched   int                    `json:"fetched"`
	Tracked   int                    `json:"tracked"`
	Assessed  int                    `json:"assessed"`
	Attempted int                    `json:"attempted"`
	Resolved  int                    `json:"resolved"`
	Failed    int                    `json:"failed"`
	Skipped   int                    `json:"skipped"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
	Upgrades  []*types.UpgradeResult `json:"upgrades,omitempty"`

	// HaltedBy names the record whose failed rollback stopped automatic upgrades
	HaltedBy string `json:"halted_by,omitempty"`
}

// Engine orchestrates assessment, tracking and remediation of reported vulnerabilities
type Engine struct {
	vulnerabilitySource VulnerabilitySource
	assessor            *risk.Assessor
	tracker             *tracker.Tracker
	validator           UpgradeValidator
	config              *Config
	logger              *logrus.Logger

	// Runs are serialized: upgrades must never mutate the environment concurrently
	runMutex sync.Mutex

	mutex       sync.RWMutex
	lastReport  RunReport
	lastRunTime time.Time
}

// NewEngine creates a remediation engine; validator may be nil when upgrades are never attempted
func NewEngine(source VulnerabilitySource, assessor *risk.Assessor, tr *tracker.Tracker, validator UpgradeValidator, config *Config, logger *logrus.Logger) *Engine {
	return &Engine{
		vulnerabilitySource: source,
		assessor:            assessor,
		tracker:             tr,
		validator:           validator,
		config:              config,
		logger:              logger,
	}
}

// Start runs the pipeline once and then on every scan interval until ctx is done
func (e *Engine) Start(ctx context.Context) {
	logger := e.logger.WithField("component", "remediation_engine")

	if _, err := e.RunOnce(ctx); err != nil {
		logger.WithError(err).Error("Initial remediation pass failed")
	}

	ticker := time.NewTicker(e.config.ScanInterval)
	defer ticker.Stop()

	logger.WithField("interval", e.config.ScanInterval).Info("Starting periodic remediation passes")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Remediation engine stopping")
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil {
				logger.WithError(err).Error("Remediation pass failed")
			}
		}
	}
}

// RunOnce fetches findings and moves each one as far through the pipeline as configured
func (e *Engine) RunOnce(ctx context.Context) (RunReport, error) {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()

	logger := e.logger.WithField("operation", "remediation_pass")
	report := RunReport{Source: e.vulnerabilitySource.Name(), StartedAt: time.Now()}

	logger.Info("Starting remediation pass")

	vulns, err := e.vulnerabilitySource.FetchVulnerabilities(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to fetch vulnerabilities from %s: %w", report.Source, err)
	}
	report.Fetched = len(vulns)

	if e.config.AutoRemediate {
		if id := e.pendingIntervention(); id != "" {
			report.HaltedBy = id
			logger.WithField("vulnerability", id).Warn("Automatic upgrades halted until the failed rollback is handled")
		}
	}

	byID := make(map[string]types.Vulnerability, len(vulns))
	for _, v := range vulns {
		byID[v.ID] = v
	}

	// Highest risk first, so an interrupted pass has handled the most urgent findings
	for _, assessment := range e.assessor.AssessBatch(vulns) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := e.process(ctx, byID[assessment.VulnerabilityID], assessment, &report); err != nil {
			return report, err
		}
	}

	report.Duration = time.Since(report.StartedAt)

	e.mutex.Lock()
	e.lastReport = report
	e.lastRunTime = time.Now()
	e.mutex.Unlock()

	logger.WithFields(logrus.Fields{
		"duration":  report.Duration,
		"fetched":   report.Fetched,
		"tracked":   report.Tracked,
		"attempted": report.Attempted,
		"resolved":  report.Resolved,
		"failed":    report.Failed,
		"halted_by": report.HaltedBy,
	}).Info("Remediation pass completed")

	return report, nil
}

func (e *Engine) process(ctx context.Context, vuln types.Vulnerability, assessment *risk.RiskAssessment, report *RunReport) error {
	record, err := e.tracker.Track(ctx, vuln, tracker.StatusNew,
		tracker.WithPriorityScore(assessment.RiskScore),
		tracker.WithTags(string(assessment.PriorityLevel)),
	)
	if err != nil {
		return err
	}
	report.Tracked++

	if record.Status == tracker.StatusNew {
		ok, err := e.advance(ctx, vuln.ID, tracker.StatusDetected, "system", "reported by "+report.Source)
		if err != nil || !ok {
			return err
		}
		record.Status = tracker.StatusDetected
	}
	if record.Status == tracker.StatusDetected {
		reason := fmt.Sprintf("risk %.2f, priority %s", assessment.RiskScore, assessment.PriorityLevel)
		ok, err := e.advance(ctx, vuln.ID, tracker.StatusAssessed, AssessorActor, reason,
			tracker.WithMetadata(map[string]string{
				"risk_score":           strconv.FormatFloat(assessment.RiskScore, 'f', 2, 64),
				"priority":             string(assessment.PriorityLevel),
				"recommended_timeline": assessment.RecommendedTimeline.String(),
			}))
		if err != nil || !ok {
			return err
		}
		record.Status = tracker.StatusAssessed
		report.Assessed++
	}

	if record.Status != tracker.StatusAssessed || !e.eligible(vuln, assessment) {
		report.Skipped++
		return nil
	}
	if report.HaltedBy != "" {
		e.logger.WithFields(logrus.Fields{
			"vulnerability": vuln.ID,
			"halted_by":     report.HaltedBy,
		}).Debug("Skipping upgrade, environment awaits manual intervention")
		report.Skipped++
		return nil
	}
	return e.remediate(ctx, vuln, report)
}

// pendingIntervention returns an open record whose latest change asked for a human, or ""
func (e *Engine) pendingIntervention() string {
	for _, record := range e.tracker.List(tracker.ListFilter{}) {
		if record.NeedsManualIntervention() && !record.Status.Terminal() {
			return record.VulnerabilityID
		}
	}
	return ""
}

func (e *Engine) eligible(vuln types.Vulnerability, assessment *risk.RiskAssessment) bool {
	if !e.config.AutoRemediate || e.validator == nil || !vuln.HasFix() {
		return false
	}
	for _, tier := range e.config.EligibleTiers {
		if tier == assessment.PriorityLevel {
			return true
		}
	}
	return false
}

func (e *Engine) actor() string {
	if e.config.Actor != "" {
		return e.config.Actor
	}
	return DefaultActor
}

func (e *Engine) remediate(ctx context.Context, vuln types.Vulnerability, report *RunReport) error {
	actor := e.actor()
	target := vuln.RecommendedFix()
	logger := e.logger.WithFields(logrus.Fields{
		"vulnerability": vuln.ID,
		"package":       vuln.PackageName,
		"target":        target,
	})

	steps := []struct {
		status tracker.Status
		reason string
		opts   []tracker.UpdateOption
	}{
		{tracker.StatusAssigned, "eligible for automatic remediation", []tracker.UpdateOption{tracker.AssignTo(actor)}},
		{tracker.StatusInProgress, "upgrading " + vuln.PackageName + " to " + target, nil},
		{tracker.StatusTesting, "validating upgrade", nil},
	}
	for _, step := range steps {
		ok, err := e.advance(ctx, vuln.ID, step.status, actor, step.reason, step.opts...)
		if err != nil {
			return err
		}
		if !ok {
			report.Skipped++
			return nil
		}
	}

	report.Attempted++
	result, err := e.validator.ValidateUpgrade(ctx, vuln.PackageName, target)
	if result != nil {
		report.Upgrades = append(report.Upgrades, result)
	}
	if err != nil {
		logger.WithError(err).Warn("Upgrade rejected")
		report.Failed++
		_, uerr := e.advance(ctx, vuln.ID, tracker.StatusInProgress, actor, "upgrade rejected: "+err.Error())
		return uerr
	}

	if result.Success {
		report.Resolved++
		_, err := e.advance(ctx, vuln.ID, tracker.StatusResolved, actor,
			fmt.Sprintf("upgraded %s %s -> %s", vuln.PackageName, result.FromVersion, result.ToVersion))
		return err
	}

	report.Failed++
	metadata := map[string]string{"upgrade_state": string(result.State)}
	if result.ManualInterventionRequired {
		metadata[tracker.MetadataManualIntervention] = "true"
		metadata["backup_path"] = result.BackupPath
		report.HaltedBy = vuln.ID
		logger.Error("Rollback failed, environment needs manual intervention")
	}
	_, err = e.advance(ctx, vuln.ID, tracker.StatusInProgress, actor, "upgrade failed: "+result.Error,
		tracker.WithMetadata(metadata))
	return err
}

// advance applies one transition; false means the tracker refused it
func (e *Engine) advance(ctx context.Context, id string, status tracker.Status, actor, reason string, opts ...tracker.UpdateOption) (bool, error) {
	outcome, err := e.tracker.UpdateStatus(ctx, id, status, actor, reason, opts...)
	if err != nil {
		return false, err
	}
	if !outcome.Ok() {
		e.logger.WithFields(logrus.Fields{
			"vulnerability": id,
			"status":        status,
			"outcome":       outcome.Code,
		}).Warn("Status transition not applied")
	}
	return outcome.Ok(), nil
}

// LastRun returns the report of the latest completed pass and when it finished
func (e *Engine) LastRun() (RunReport, time.Time) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	report := e.lastReport
	report.Upgrades = append([]*types.UpgradeResult(nil), e.lastReport.Upgrades...)
	return report, e.lastRunTime
}

// ManualIntervention returns the record that halted automatic upgrades in the latest pass, or ""
func (e *Engine) ManualIntervention() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.lastReport.HaltedBy
}

// Tracker exposes the tracker the engine writes to
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}
