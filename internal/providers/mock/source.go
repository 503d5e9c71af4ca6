// ABOUTME: Mock vulnerability source for local testing and development.
// ABOUTME: Provides realistic findings for a small Python web project without running a scanner.

package mock

import (
	"context"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/types"
	"github.com/sirupsen/logrus"
)

// MockSource implements VulnerabilitySource with canned findings
type MockSource struct {
	now    func() time.Time
	logger *logrus.Logger
}

// NewMockSource creates a new mock vulnerability source
func NewMockSource(logger *logrus.Logger) *MockSource {
	return &MockSource{
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Name returns the name of this vulnerability source
func (m *MockSource) Name() string {
	return "mock"
}

type finding struct {
	id           string
	pkg          string
	installed    string
	fixes        []string
	severity     types.Severity
	score        float64
	description  string
	publishedAgo time.Duration
	aliases      []string
}

var findings = []finding{
	{
		id:           "GHSA-2023-django-sqli",
		pkg:          "django",
		installed:    "4.2.1",
		fixes:        []string{"4.2.8"},
		severity:     types.SeverityCritical,
		score:        9.8,
		description:  "SQL injection in QuerySet.values() on PostgreSQL allows remote code execution",
		publishedAgo: 3 * 24 * time.Hour,
		aliases:      []string{"CVE-2023-0001"},
	},
	{
		id:           "PYSEC-2023-74",
		pkg:          "requests",
		installed:    "2.28.1",
		fixes:        []string{"2.31.0"},
		severity:     types.SeverityMedium,
		score:        6.1,
		description:  "Proxy-Authorization header leaked to destination servers on redirect",
		publishedAgo: 400 * 24 * time.Hour,
		aliases:      []string{"CVE-2023-32681", "GHSA-j8r2-6x86-q33q"},
	},
	{
		id:           "PYSEC-2021-142",
		pkg:          "pyyaml",
		installed:    "5.3.1",
		fixes:        []string{"5.4"},
		severity:     types.SeverityCritical,
		score:        9.8,
		description:  "Arbitrary code execution via full_load when processing untrusted YAML",
		publishedAgo: 900 * 24 * time.Hour,
		aliases:      []string{"CVE-2020-14343"},
	},
	{
		id:           "GHSA-h5c8-rqwp-cp95",
		pkg:          "jinja2",
		installed:    "3.1.2",
		fixes:        []string{"3.1.3"},
		severity:     types.SeverityMedium,
		score:        5.4,
		description:  "Cross-site scripting through the xmlattr filter",
		publishedAgo: 60 * 24 * time.Hour,
		aliases:      []string{"CVE-2024-22195"},
	},
	{
		id:           "GHSA-v845-jxx5-vc9f",
		pkg:          "urllib3",
		installed:    "1.26.15",
		fixes:        []string{"1.26.18", "2.0.7"},
		severity:     types.SeverityHigh,
		score:        8.1,
		description:  "Cookie request header not stripped during cross-origin redirects",
		publishedAgo: 20 * 24 * time.Hour,
		aliases:      []string{"CVE-2023-43804"},
	},
	{
		id:           "PYSEC-2024-0000",
		pkg:          "black",
		installed:    "23.1.0",
		severity:     types.SeverityLow,
		score:        3.3,
		description:  "Regular expression denial of service when formatting crafted input",
		publishedAgo: 120 * 24 * time.Hour,
	},
}

// FetchVulnerabilities returns the canned findings
func (m *MockSource) FetchVulnerabilities(ctx context.Context) ([]types.Vulnerability, error) {
	now := m.now()
	vulns := make([]types.Vulnerability, 0, len(findings))
	for _, f := range findings {
		score := f.score
		v := types.NewVulnerability(f.id, f.pkg, f.installed, f.fixes, f.severity, &score)
		v.Description = f.description
		v.Aliases = append([]string(nil), f.aliases...)
		published := now.Add(-f.publishedAgo)
		v.PublishedDate = &published
		v.DiscoveredDate = now
		vulns = append(vulns, v)
	}

	m.logger.WithField("vulnerabilities", len(vulns)).Debug("Returning mock vulnerability data")
	return vulns, nil
}

// InstalledPackages returns the environment the mock findings were "scanned" from
func (m *MockSource) InstalledPackages() map[string]string {
	packages := map[string]string{
		"pip":        "24.0",
		"setuptools": "69.0.3",
		"wheel":      "0.42.0",
	}
	for _, f := range findings {
		packages[f.pkg] = f.installed
	}
	return packages
}
