// ABOUTME: Risk assessor turning scanner findings into scored, prioritized remediation work.
// ABOUTME: Combines weighted impact factors into a 0-10 score, a priority tier and a timeline.

package risk

import (
	"math"
	"sort"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/cache"
	"github.com/jfeddern/VulnRemedy/internal/types"
	"github.com/jfeddern/VulnRemedy/internal/versions"

	"github.com/sirupsen/logrus"
)

// Priority is the remediation urgency tier
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityUrgent    Priority = "urgent"
	PriorityScheduled Priority = "scheduled"
	PriorityPlanned   Priority = "planned"
)

// Priorities lists the tiers from most to least urgent
var Priorities = []Priority{PriorityImmediate, PriorityUrgent, PriorityScheduled, PriorityPlanned}

var baseTimeline = map[Priority]time.Duration{
	PriorityImmediate: 24 * time.Hour,
	PriorityUrgent:    72 * time.Hour,
	PriorityScheduled: 7 * 24 * time.Hour,
	PriorityPlanned:   30 * 24 * time.Hour,
}

// RiskAssessment is the scored view of one vulnerability. A new value is built on every call.
type RiskAssessment struct {
	VulnerabilityID       string             `json:"vulnerability_id"`
	PackageName           string             `json:"package_name"`
	RiskScore             float64            `json:"risk_score"`
	PriorityLevel         Priority           `json:"priority_level"`
	RecommendedTimeline   time.Duration      `json:"recommended_timeline"`
	ImpactFactors         map[string]float64 `json:"impact_factors"`
	ConfidenceScore       float64            `json:"confidence_score"`
	RemediationComplexity string             `json:"remediation_complexity"`
	BusinessImpact        string             `json:"business_impact"`
	AssessedAt            time.Time          `json:"assessed_at"`
}

// Prioritized pairs a vulnerability with its assessment
type Prioritized struct {
	Vulnerability types.Vulnerability `json:"vulnerability"`
	Assessment    *RiskAssessment     `json:"assessment"`
}

// Assessor scores vulnerabilities. Each instance owns its profile cache.
type Assessor struct {
	catalog  Catalog
	profiles *cache.ProfileCache
	now      func() time.Time
	logger   *logrus.Logger
}

// NewAssessor creates an assessor backed by the given catalog
func NewAssessor(catalog Catalog, logger *logrus.Logger) *Assessor {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Assessor{
		catalog:  catalog,
		profiles: cache.NewProfileCache(logger),
		now:      time.Now,
		logger:   logger,
	}
}

// Profile returns the profile for a package, creating and caching a synthetic one if unknown
func (a *Assessor) Profile(packageName string) types.PackageProfile {
	return a.profiles.GetOrCreate(packageName, func(name string) types.PackageProfile {
		if p, ok := a.catalog.Lookup(name); ok {
			return p
		}
		a.logger.WithField("package", name).Debug("No profile for package, using synthetic default")
		return syntheticProfile(name)
	})
}

// Assess scores a single vulnerability
func (a *Assessor) Assess(v types.Vulnerability) *RiskAssessment {
	now := a.now()
	profile := a.Profile(v.PackageName)
	factors := computeFactors(v, profile, now)

	score := 0.0
	for _, name := range factorOrder {
		score += Weights[name] * factors.values[name]
	}
	score *= 10

	// the score boost compounds the critical boost only
	if v.Severity == types.SeverityCritical {
		score *= 1.2
		if v.NumericScore() >= 9.0 {
			score *= 1.1
		}
	}
	score = math.Round(math.Max(0, math.Min(10, score))*100) / 100

	priority := priorityFor(score, v)

	assessment := &RiskAssessment{
		VulnerabilityID:       v.ID,
		PackageName:           v.PackageName,
		RiskScore:             score,
		PriorityLevel:         priority,
		RecommendedTimeline:   timelineFor(priority, v, factors.values[FactorExposure], now),
		ImpactFactors:         factors.values,
		ConfidenceScore:       confidence(v, profile, factors),
		RemediationComplexity: complexity(v),
		BusinessImpact:        businessImpact(factors.values),
		AssessedAt:            now,
	}

	a.logger.WithFields(logrus.Fields{
		"vulnerability": v.ID,
		"package":       v.PackageName,
		"risk_score":    assessment.RiskScore,
		"priority":      assessment.PriorityLevel,
	}).Debug("Assessed vulnerability")

	return assessment
}

// AssessBatch scores every vulnerability and sorts by descending risk score
func (a *Assessor) AssessBatch(vulns []types.Vulnerability) []*RiskAssessment {
	assessments := make([]*RiskAssessment, 0, len(vulns))
	for _, v := range vulns {
		assessments = append(assessments, a.Assess(v))
	}

	sort.SliceStable(assessments, func(i, j int) bool {
		return assessments[i].RiskScore > assessments[j].RiskScore
	})
	return assessments
}

// Prioritize groups vulnerabilities by priority tier, highest risk first within a tier
func (a *Assessor) Prioritize(vulns []types.Vulnerability) map[Priority][]Prioritized {
	grouped := make(map[Priority][]Prioritized, len(Priorities))
	for _, v := range vulns {
		assessment := a.Assess(v)
		grouped[assessment.PriorityLevel] = append(grouped[assessment.PriorityLevel], Prioritized{
			Vulnerability: v,
			Assessment:    assessment,
		})
	}

	for _, items := range grouped {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Assessment.RiskScore > items[j].Assessment.RiskScore
		})
	}
	return grouped
}

func priorityFor(score float64, v types.Vulnerability) Priority {
	// severity overrides come before thresholds
	if v.Severity == types.SeverityCritical {
		return PriorityImmediate
	}
	if v.Severity == types.SeverityHigh && v.NumericScore() >= 8.5 {
		return PriorityImmediate
	}

	switch {
	case score >= 8:
		return PriorityImmediate
	case score >= 6:
		return PriorityUrgent
	case score >= 4:
		return PriorityScheduled
	default:
		return PriorityPlanned
	}
}

func timelineFor(priority Priority, v types.Vulnerability, exposure float64, now time.Time) time.Duration {
	timeline := float64(baseTimeline[priority])

	if v.Severity == types.SeverityCritical {
		timeline *= 0.5
	}
	if exposure > 0.8 {
		timeline *= 0.8
	}
	if v.PublishedDate != nil && now.Sub(*v.PublishedDate) < 7*24*time.Hour {
		timeline *= 0.7
	}
	if !v.HasFix() {
		timeline *= 2
	}

	return time.Duration(math.Max(timeline, float64(time.Hour)))
}

func confidence(v types.Vulnerability, profile types.PackageProfile, factors *factorSet) float64 {
	data := 0.0
	if v.Score != nil {
		data += 0.3
	}
	if v.PublishedDate != nil {
		data += 0.2
	}
	if v.HasFix() {
		data += 0.2
	}
	if !profile.Synthetic {
		data += 0.3
	}

	derived := 0
	for _, fromData := range factors.derived {
		if fromData {
			derived++
		}
	}
	completeness := float64(derived) / float64(len(Weights))

	return math.Round(clamp01(0.7*data+0.3*completeness)*100) / 100
}

func complexity(v types.Vulnerability) string {
	if !v.HasFix() {
		return "high"
	}
	switch versions.Classify(v.InstalledVersion, v.RecommendedFix()) {
	case versions.BumpMajor, versions.BumpUnknown:
		return "high"
	case versions.BumpMinor:
		return "medium"
	default:
		return "low"
	}
}

func businessImpact(factors map[string]float64) string {
	impact := 0.5*factors[FactorPackageCriticality] + 0.3*factors[FactorDataSensitivity] + 0.2*factors[FactorExposure]
	switch {
	case impact >= 0.75:
		return "critical"
	case impact >= 0.5:
		return "high"
	case impact >= 0.25:
		return "medium"
	default:
		return "low"
	}
}
