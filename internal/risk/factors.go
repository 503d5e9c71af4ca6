// ABOUTME: The ten impact factors combined into a vulnerability risk score.
// ABOUTME: Each factor is an independent 0-1 value derived from the finding and its package profile.

package risk

import (
	"math"
	"strings"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/types"
)

const (
	FactorSeverity           = "severity"
	FactorPackageCriticality = "package_criticality"
	FactorExposure           = "exposure"
	FactorExploitability     = "exploitability"
	FactorFixAvailability    = "fix_availability"
	FactorAgeUrgency         = "age_urgency"
	FactorDataSensitivity    = "data_sensitivity"
	FactorNetworkExposure    = "network_exposure"
	FactorDependencyImpact   = "dependency_impact"
	FactorEcosystemHealth    = "ecosystem_health"
)

// Weights sum to 1.0
var Weights = map[string]float64{
	FactorSeverity:           0.25,
	FactorPackageCriticality: 0.20,
	FactorExposure:           0.15,
	FactorExploitability:     0.10,
	FactorFixAvailability:    0.08,
	FactorAgeUrgency:         0.07,
	FactorDataSensitivity:    0.05,
	FactorNetworkExposure:    0.04,
	FactorDependencyImpact:   0.03,
	FactorEcosystemHealth:    0.03,
}

// factorOrder fixes the summation order so scores are reproducible
var factorOrder = []string{
	FactorSeverity,
	FactorPackageCriticality,
	FactorExposure,
	FactorExploitability,
	FactorFixAvailability,
	FactorAgeUrgency,
	FactorDataSensitivity,
	FactorNetworkExposure,
	FactorDependencyImpact,
	FactorEcosystemHealth,
}

var severityFactor = map[types.Severity]float64{
	types.SeverityCritical: 1.0,
	types.SeverityHigh:     0.8,
	types.SeverityMedium:   0.5,
	types.SeverityLow:      0.2,
	types.SeverityUnknown:  0.3,
}

var exploitKeywords = []string{
	"remote code execution",
	"rce",
	"arbitrary code",
	"command injection",
	"sql injection",
	"deserialization",
	"authentication bypass",
	"privilege escalation",
	"path traversal",
	"server-side request forgery",
	"ssrf",
	"cross-site scripting",
	"xss",
	"denial of service",
}

// factorSet carries the computed factors and which ones were backed by real input
type factorSet struct {
	values  map[string]float64
	derived map[string]bool
}

func (f *factorSet) put(name string, value float64, fromData bool) {
	f.values[name] = clamp01(value)
	f.derived[name] = fromData
}

func computeFactors(v types.Vulnerability, profile types.PackageProfile, now time.Time) *factorSet {
	f := &factorSet{values: make(map[string]float64, len(Weights)), derived: make(map[string]bool, len(Weights))}
	known := !profile.Synthetic

	// severity
	if v.Score != nil {
		f.put(FactorSeverity, math.Max(severityFactor[v.Severity], *v.Score/10), true)
	} else {
		f.put(FactorSeverity, severityFactor[v.Severity], v.Severity != types.SeverityUnknown)
	}

	devDiscount := 1.0
	if profile.DevOnly {
		devDiscount = 0.5
	}
	f.put(FactorPackageCriticality, profile.CriticalityScore*devDiscount, known)
	f.put(FactorExposure, profile.ExposureLevel*devDiscount, known)

	// exploitability
	exploit := 0.3
	description := strings.ToLower(v.Description)
	for _, keyword := range exploitKeywords {
		if strings.Contains(description, keyword) {
			exploit = 0.8
			break
		}
	}
	if profile.NetworkAccess {
		exploit += 0.1
	}
	if v.NumericScore() >= 9.0 {
		exploit += 0.2
	}
	f.put(FactorExploitability, exploit, description != "" || v.Score != nil)

	// a published fix makes the flaw public knowledge and the upgrade actionable
	if v.HasFix() {
		f.put(FactorFixAvailability, 1.0, true)
	} else {
		f.put(FactorFixAvailability, 0.5, true)
	}

	if v.PublishedDate != nil {
		f.put(FactorAgeUrgency, ageFactor(now.Sub(*v.PublishedDate)), true)
	} else {
		f.put(FactorAgeUrgency, 0.5, false)
	}

	if profile.HandlesSensitiveData {
		f.put(FactorDataSensitivity, 1.0, known)
	} else {
		f.put(FactorDataSensitivity, 0.2, known)
	}

	if profile.NetworkAccess {
		f.put(FactorNetworkExposure, 1.0, known)
	} else {
		f.put(FactorNetworkExposure, 0.2, known)
	}

	f.put(FactorDependencyImpact, 0.6*depthFactor(profile.DependencyDepth)+0.4*profile.UsageFrequency, known)
	f.put(FactorEcosystemHealth, 1-profile.MaintainerReputation, known)

	return f
}

func ageFactor(age time.Duration) float64 {
	days := age.Hours() / 24
	switch {
	case days < 7:
		return 1.0
	case days < 30:
		return 0.8
	case days < 90:
		return 0.6
	case days < 365:
		return 0.4
	default:
		return 0.3
	}
}

func depthFactor(depth int) float64 {
	switch depth {
	case 0:
		return 1.0
	case 1:
		return 0.7
	case 2:
		return 0.5
	default:
		return 0.3
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
