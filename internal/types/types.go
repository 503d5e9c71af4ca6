// ABOUTME: Common types shared across the VulnRemedy system.
// ABOUTME: Defines vulnerability input records and the remediation outcome records.

package types

import (
	"strings"
	"time"
)

// Severity is the categorical impact level of a vulnerability
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityUnknown  Severity = "unknown"
)

// Severities lists every severity from most to least severe
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityUnknown}

// ParseSeverity normalizes a scanner severity label ("CRITICAL", "Moderate", ...)
func ParseSeverity(value string) Severity {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "critical":
		return SeverityCritical
	case "high", "important":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	case "low", "negligible":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// SeverityFromScore maps a CVSS-style 0-10 score to a severity
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// Rank orders severities; higher is more severe
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Vulnerability is a single finding produced by the external scanner.
// Values are treated as immutable once created.
type Vulnerability struct {
	ID               string     `json:"id"`
	PackageName      string     `json:"package_name"`
	InstalledVersion string     `json:"installed_version"`
	FixVersions      []string   `json:"fix_versions"` // ascending, last is recommended
	Severity         Severity   `json:"severity"`
	Score            *float64   `json:"score,omitempty"`
	Description      string     `json:"description"`
	Aliases          []string   `json:"aliases,omitempty"`
	PublishedDate    *time.Time `json:"published_date,omitempty"`
	DiscoveredDate   time.Time  `json:"discovered_date"`
}

// NewVulnerability builds a vulnerability, deriving the severity from the score when absent
func NewVulnerability(id, packageName, installedVersion string, fixVersions []string, severity Severity, score *float64) Vulnerability {
	if severity == "" || severity == SeverityUnknown {
		if score != nil {
			severity = SeverityFromScore(*score)
		} else {
			severity = SeverityUnknown
		}
	}

	fixes := make([]string, len(fixVersions))
	copy(fixes, fixVersions)

	return Vulnerability{
		ID:               id,
		PackageName:      packageName,
		InstalledVersion: installedVersion,
		FixVersions:      fixes,
		Severity:         severity,
		Score:            score,
		DiscoveredDate:   time.Now().UTC(),
	}
}

// HasFix reports whether at least one fixed version is known
func (v Vulnerability) HasFix() bool {
	return len(v.FixVersions) > 0
}

// RecommendedFix returns the recommended fix version (the last one) or ""
func (v Vulnerability) RecommendedFix() string {
	if len(v.FixVersions) == 0 {
		return ""
	}
	return v.FixVersions[len(v.FixVersions)-1]
}

// NumericScore returns the score or 0 when absent
func (v Vulnerability) NumericScore() float64 {
	if v.Score == nil {
		return 0
	}
	return *v.Score
}

// EnvironmentBackup is a filesystem snapshot of a package environment taken before an upgrade
type EnvironmentBackup struct {
	Path             string    `json:"path"`
	PackageListFile  string    `json:"package_list_file"`
	ProjectManifest  string    `json:"project_manifest,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	PackageCount     int       `json:"package_count"`
	EmptyEnvironment bool      `json:"empty_environment"`
}

// RestoreResult is the outcome of one restore strategy run
type RestoreResult struct {
	Success          bool          `json:"success"`
	Strategy         string        `json:"strategy"`
	PackagesRestored int           `json:"packages_restored"`
	FailedPackages   []string      `json:"failed_packages,omitempty"`
	PackagesRemoved  []string      `json:"packages_removed,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
	Error            string        `json:"error,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// UpgradeState is the terminal state of one upgrade validation
type UpgradeState string

const (
	UpgradeSucceeded      UpgradeState = "success"
	UpgradeRejected       UpgradeState = "rejected"
	UpgradeConflict       UpgradeState = "conflict"
	UpgradeInstallFailed  UpgradeState = "install_failed"
	UpgradeRolledBack     UpgradeState = "rolled_back"
	UpgradeRollbackFailed UpgradeState = "rollback_failed"
)

// TestRunSummary holds the parsed outcome of a test suite run
type TestRunSummary struct {
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Errors   int           `json:"errors"`
	Skipped  int           `json:"skipped"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the run finished cleanly
func (s TestRunSummary) Succeeded() bool {
	return s.ExitCode == 0 && !s.TimedOut && s.Failed == 0 && s.Errors == 0
}

// UpgradeResult is the outcome of validating one package upgrade
type UpgradeResult struct {
	PackageName                string          `json:"package_name"`
	FromVersion                string          `json:"from_version"`
	ToVersion                  string          `json:"to_version"`
	Success                    bool            `json:"success"`
	State                      UpgradeState    `json:"state"`
	Error                      string          `json:"error,omitempty"`
	Conflicts                  []string        `json:"conflicts,omitempty"`
	Tests                      *TestRunSummary `json:"tests,omitempty"`
	RollbackPerformed          bool            `json:"rollback_performed"`
	Restore                    *RestoreResult  `json:"restore,omitempty"`
	ManualInterventionRequired bool            `json:"manual_intervention_required"`
	BackupPath                 string          `json:"backup_path,omitempty"`
	FailedPackages             []string        `json:"failed_packages,omitempty"`
	Warnings                   []string        `json:"warnings,omitempty"`
	Duration                   time.Duration   `json:"duration"`
}

// PackageUpgrade names one package and the version to move it to
type PackageUpgrade struct {
	PackageName   string `json:"package_name"`
	TargetVersion string `json:"target_version"`
}

// RuntimeResult is the validation outcome for one runtime version
type RuntimeResult struct {
	Runtime string         `json:"runtime"`
	Result  *UpgradeResult `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// CompatibilityReport aggregates an upgrade validated against several runtimes
type CompatibilityReport struct {
	PackageName    string          `json:"package_name"`
	TargetVersion  string          `json:"target_version"`
	Success        bool            `json:"success"`
	PartialSuccess bool            `json:"partial_success"`
	Results        []RuntimeResult `json:"results"`
	Warnings       []string        `json:"warnings,omitempty"`
	Duration       time.Duration   `json:"duration"`
}

// PackageProfile describes how critical and exposed a dependency is
type PackageProfile struct {
	Name                 string  `json:"name" yaml:"name"`
	CriticalityScore     float64 `json:"criticality_score" yaml:"criticality_score"` // 0-1
	ExposureLevel        float64 `json:"exposure_level" yaml:"exposure_level"`       // 0-1
	NetworkAccess        bool    `json:"network_access" yaml:"network_access"`
	HandlesSensitiveData bool    `json:"handles_sensitive_data" yaml:"handles_sensitive_data"`
	DevOnly              bool    `json:"dev_only" yaml:"dev_only"`
	DependencyDepth      int     `json:"dependency_depth" yaml:"dependency_depth"` // 0 = direct dependency
	UsageFrequency       float64 `json:"usage_frequency" yaml:"usage_frequency"`   // 0-1
	MaintainerReputation float64 `json:"maintainer_reputation" yaml:"maintainer_reputation"`
	Synthetic            bool    `json:"synthetic" yaml:"-"`
}
