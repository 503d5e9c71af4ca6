// ABOUTME: Package profile catalog used by the risk assessor.
// ABOUTME: Ships built-in profiles for common packages and loads overrides from YAML.

package risk

import (
	"fmt"
	"os"

	"github.com/jfeddern/VulnRemedy/internal/cache"
	"github.com/jfeddern/VulnRemedy/internal/types"

	"gopkg.in/yaml.v3"
)

// Catalog maps normalized package names to known profiles
type Catalog map[string]types.PackageProfile

type catalogFile struct {
	Profiles []types.PackageProfile `yaml:"profiles"`
}

// DefaultCatalog returns the built-in profiles
func DefaultCatalog() Catalog {
	catalog := Catalog{}
	for _, p := range []types.PackageProfile{
		{Name: "django", CriticalityScore: 0.95, ExposureLevel: 0.9, NetworkAccess: true, HandlesSensitiveData: true, UsageFrequency: 0.9, MaintainerReputation: 0.95},
		{Name: "flask", CriticalityScore: 0.9, ExposureLevel: 0.9, NetworkAccess: true, HandlesSensitiveData: true, UsageFrequency: 0.9, MaintainerReputation: 0.9},
		{Name: "fastapi", CriticalityScore: 0.9, ExposureLevel: 0.9, NetworkAccess: true, HandlesSensitiveData: true, UsageFrequency: 0.9, MaintainerReputation: 0.85},
		{Name: "werkzeug", CriticalityScore: 0.85, ExposureLevel: 0.85, NetworkAccess: true, DependencyDepth: 1, UsageFrequency: 0.8, MaintainerReputation: 0.9},
		{Name: "requests", CriticalityScore: 0.8, ExposureLevel: 0.7, NetworkAccess: true, HandlesSensitiveData: true, UsageFrequency: 0.9, MaintainerReputation: 0.9},
		{Name: "urllib3", CriticalityScore: 0.8, ExposureLevel: 0.7, NetworkAccess: true, HandlesSensitiveData: true, DependencyDepth: 1, UsageFrequency: 0.9, MaintainerReputation: 0.9},
		{Name: "cryptography", CriticalityScore: 0.95, ExposureLevel: 0.6, HandlesSensitiveData: true, DependencyDepth: 1, UsageFrequency: 0.7, MaintainerReputation: 0.95},
		{Name: "pyjwt", CriticalityScore: 0.9, ExposureLevel: 0.8, NetworkAccess: true, HandlesSensitiveData: true, UsageFrequency: 0.8, MaintainerReputation: 0.8},
		{Name: "sqlalchemy", CriticalityScore: 0.85, ExposureLevel: 0.5, HandlesSensitiveData: true, UsageFrequency: 0.9, MaintainerReputation: 0.9},
		{Name: "psycopg2", CriticalityScore: 0.8, ExposureLevel: 0.5, NetworkAccess: true, HandlesSensitiveData: true, UsageFrequency: 0.9, MaintainerReputation: 0.85},
		{Name: "jinja2", CriticalityScore: 0.75, ExposureLevel: 0.7, DependencyDepth: 1, UsageFrequency: 0.8, MaintainerReputation: 0.9},
		{Name: "pyyaml", CriticalityScore: 0.6, ExposureLevel: 0.5, UsageFrequency: 0.6, MaintainerReputation: 0.85},
		{Name: "pillow", CriticalityScore: 0.6, ExposureLevel: 0.6, UsageFrequency: 0.5, MaintainerReputation: 0.85},
		{Name: "numpy", CriticalityScore: 0.5, ExposureLevel: 0.2, UsageFrequency: 0.7, MaintainerReputation: 0.95},
		{Name: "setuptools", CriticalityScore: 0.4, ExposureLevel: 0.2, DependencyDepth: 1, UsageFrequency: 0.3, MaintainerReputation: 0.9},
		{Name: "pytest", CriticalityScore: 0.2, ExposureLevel: 0.05, DevOnly: true, UsageFrequency: 0.5, MaintainerReputation: 0.95},
		{Name: "black", CriticalityScore: 0.1, ExposureLevel: 0.05, DevOnly: true, UsageFrequency: 0.3, MaintainerReputation: 0.9},
	} {
		catalog[cache.Key(p.Name)] = p
	}
	return catalog
}

// LoadCatalog reads profile overrides from a YAML file and merges them over the defaults
func LoadCatalog(path string) (Catalog, error) {
	catalog := DefaultCatalog()
	if path == "" {
		return catalog, nil
	}

	//nolint:gosec // G304: path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}

	for i, p := range file.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d in %s has no name", i, path)
		}
		catalog[cache.Key(p.Name)] = clampProfile(p)
	}
	return catalog, nil
}

// Lookup returns a known profile
func (c Catalog) Lookup(packageName string) (types.PackageProfile, bool) {
	p, ok := c[cache.Key(packageName)]
	return p, ok
}

// syntheticProfile is the conservative default for packages nobody has described
func syntheticProfile(packageName string) types.PackageProfile {
	return types.PackageProfile{
		Name:                 packageName,
		CriticalityScore:     0.6,
		ExposureLevel:        0.5,
		NetworkAccess:        true,
		HandlesSensitiveData: false,
		DevOnly:              false,
		DependencyDepth:      1,
		UsageFrequency:       0.5,
		MaintainerReputation: 0.5,
		Synthetic:            true,
	}
}

func clampProfile(p types.PackageProfile) types.PackageProfile {
	p.CriticalityScore = clamp01(p.CriticalityScore)
	p.ExposureLevel = clamp01(p.ExposureLevel)
	p.UsageFrequency = clamp01(p.UsageFrequency)
	p.MaintainerReputation = clamp01(p.MaintainerReputation)
	if p.DependencyDepth < 0 {
		p.DependencyDepth = 0
	}
	return p
}
