// ABOUTME: Local file-based vulnerability source reading scanner reports from disk.
// ABOUTME: Understands pip-audit JSON, OSV records and osv-scanner result files.

package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/types"
	"github.com/jfeddern/VulnRemedy/internal/versions"

	"github.com/google/osv-scanner/pkg/models"
	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	gocvss40 "github.com/pandatix/go-cvss/40"
	"github.com/sirupsen/logrus"
)

// Report formats
const (
	FormatPipAudit   = "pip-audit"
	FormatOSV        = "osv"
	FormatOSVScanner = "osv-scanner"
)

// LocalSource implements VulnerabilitySource over a scanner report file
type LocalSource struct {
	reportFile string
	now        func() time.Time
	logger     *logrus.Logger
}

// NewLocalSource creates a new local report source
func NewLocalSource(reportFile string, logger *logrus.Logger) *LocalSource {
	return &LocalSource{
		reportFile: reportFile,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// Name returns the source name
func (l *LocalSource) Name() string {
	return "local"
}

// FetchVulnerabilities reads and parses the report file
func (l *LocalSource) FetchVulnerabilities(ctx context.Context) ([]types.Vulnerability, error) {
	logger := l.logger.WithField("operation", "fetch_vulnerabilities_local")

	data, err := os.ReadFile(l.reportFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read report file '%s': %w", l.reportFile, err)
	}

	vulns, format, err := Parse(data, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to parse report file '%s': %w", l.reportFile, err)
	}

	logger.WithFields(logrus.Fields{
		"format":          format,
		"vulnerabilities": len(vulns),
	}).Info("Read vulnerability report")
	return vulns, nil
}

type pipAuditVuln struct {
	ID          string   `json:"id"`
	FixVersions []string `json:"fix_versions"`
	Aliases     []string `json:"aliases"`
	Description string   `json:"description"`
}

type pipAuditDependency struct {
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	Vulns      []pipAuditVuln `json:"vulns"`
	SkipReason string         `json:"skip_reason"`
}

type pipAuditReport struct {
	Dependencies []pipAuditDependency `json:"dependencies"`
}

// Parse detects the report format and converts it. discovered stamps every finding.
func Parse(data []byte, discovered time.Time) ([]types.Vulnerability, string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, "", fmt.Errorf("empty report")
	}

	if trimmed[0] == '[' {
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, "", fmt.Errorf("invalid JSON array: %w", err)
		}
		if len(items) > 0 && items[0]["vulns"] != nil {
			var deps []pipAuditDependency
			if err := json.Unmarshal(trimmed, &deps); err != nil {
				return nil, "", err
			}
			return fromPipAudit(deps, discovered), FormatPipAudit, nil
		}
		var records []models.Vulnerability
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, "", fmt.Errorf("invalid OSV records: %w", err)
		}
		return fromOSVRecords(records, discovered), FormatOSV, nil
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &keys); err != nil {
		return nil, "", fmt.Errorf("invalid JSON: %w", err)
	}

	switch {
	case keys["dependencies"] != nil:
		var report pipAuditReport
		if err := json.Unmarshal(trimmed, &report); err != nil {
			return nil, "", err
		}
		return fromPipAudit(report.Dependencies, discovered), FormatPipAudit, nil
	case keys["results"] != nil:
		var results models.VulnerabilityResults
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, "", fmt.Errorf("invalid osv-scanner results: %w", err)
		}
		return fromOSVScanner(results, discovered), FormatOSVScanner, nil
	case keys["vulns"] != nil:
		var wrapper struct {
			Vulns []models.Vulnerability `json:"vulns"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, "", fmt.Errorf("invalid OSV records: %w", err)
		}
		return fromOSVRecords(wrapper.Vulns, discovered), FormatOSV, nil
	case keys["id"] != nil:
		var record models.Vulnerability
		if err := json.Unmarshal(trimmed, &record); err != nil {
			return nil, "", fmt.Errorf("invalid OSV record: %w", err)
		}
		return fromOSVRecords([]models.Vulnerability{record}, discovered), FormatOSV, nil
	}

	return nil, "", fmt.Errorf("unrecognized report format")
}

func fromPipAudit(deps []pipAuditDependency, discovered time.Time) []types.Vulnerability {
	var out []types.Vulnerability
	for _, dep := range deps {
		if dep.SkipReason != "" {
			continue
		}
		for _, v := range dep.Vulns {
			vuln := types.NewVulnerability(v.ID, dep.Name, dep.Version, versions.Sort(v.FixVersions), types.SeverityUnknown, nil)
			vuln.Description = v.Description
			vuln.Aliases = v.Aliases
			vuln.DiscoveredDate = discovered
			out = append(out, vuln)
		}
	}
	return out
}

func fromOSVScanner(results models.VulnerabilityResults, discovered time.Time) []types.Vulnerability {
	var out []types.Vulnerability
	for _, source := range results.Results {
		for _, pkg := range source.Packages {
			for _, record := range pkg.Vulnerabilities {
				out = append(out, convertOSV(record, pkg.Package.Name, pkg.Package.Version, discovered))
			}
		}
	}
	return out
}

// fromOSVRecords handles bare OSV records, which carry no installed version
func fromOSVRecords(records []models.Vulnerability, discovered time.Time) []types.Vulnerability {
	var out []types.Vulnerability
	for _, record := range records {
		seen := make(map[string]bool)
		for _, affected := range record.Affected {
			name := affected.Package.Name
			if name == "" || seen[name] {
				continue
			}
			if eco := string(affected.Package.Ecosystem); eco != "" && !strings.EqualFold(eco, "PyPI") {
				continue
			}
			seen[name] = true
			out = append(out, convertOSV(record, name, "", discovered))
		}
	}
	return out
}

func convertOSV(record models.Vulnerability, packageName, installed string, discovered time.Time) types.Vulnerability {
	score := osvScore(record, packageName)
	severity := types.SeverityUnknown
	if label, ok := record.DatabaseSpecific["severity"].(string); ok {
		severity = types.ParseSeverity(label)
	}

	vuln := types.NewVulnerability(record.ID, packageName, installed, FixedVersions(record.Affected, packageName, installed), severity, score)
	vuln.Description = record.Summary
	if vuln.Description == "" {
		vuln.Description = record.Details
	}
	vuln.Aliases = record.Aliases
	if !record.Published.IsZero() {
		published := record.Published.UTC()
		vuln.PublishedDate = &published
	}
	vuln.DiscoveredDate = discovered
	return vuln
}

// FixedVersions collects "fixed" events for packageName that are newer than installed, ascending
func FixedVersions(affected []models.Affected, packageName, installed string) []string {
	var fixes []string
	for _, a := range affected {
		if a.Package.Name != "" && !strings.EqualFold(a.Package.Name, packageName) {
			continue
		}
		for _, r := range a.Ranges {
			if r.Type != models.RangeEcosystem && r.Type != models.RangeSemVer {
				continue
			}
			for _, event := range r.Events {
				if event.Fixed == "" {
					continue
				}
				if installed != "" && versions.Compare(event.Fixed, installed) <= 0 {
					continue
				}
				fixes = append(fixes, event.Fixed)
			}
		}
	}
	return versions.Sort(fixes)
}

// osvScore returns the highest CVSS base score found on the record or its affected entries
func osvScore(record models.Vulnerability, packageName string) *float64 {
	severities := append([]models.Severity(nil), record.Severity...)
	for _, a := range record.Affected {
		if a.Package.Name == "" || strings.EqualFold(a.Package.Name, packageName) {
			severities = append(severities, a.Severity...)
		}
	}

	var scores []float64
	for _, s := range severities {
		if score := CVSSScore(s.Score); score > 0 {
			scores = append(scores, score)
		}
	}
	if len(scores) == 0 {
		return nil
	}
	sort.Float64s(scores)
	best := scores[len(scores)-1]
	return &best
}

// CVSSScore computes the base score of a CVSS v3.x or v4.0 vector, 0 when unparseable
func CVSSScore(vector string) float64 {
	switch {
	case strings.HasPrefix(vector, "CVSS:3.1"):
		if cvss31, err := gocvss31.ParseVector(vector); err == nil {
			return cvss31.BaseScore()
		}
	case strings.HasPrefix(vector, "CVSS:3.0"):
		if cvss30, err := gocvss30.ParseVector(vector); err == nil {
			return cvss30.BaseScore()
		}
	case strings.HasPrefix(vector, "CVSS:4.0"):
		if cvss40, err := gocvss40.ParseVector(vector); err == nil {
			return cvss40.Score()
		}
	}
	return 0
}
