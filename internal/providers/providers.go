// ABOUTME: Provider interface for vulnerability sources (external scanners).
// ABOUTME: Defines the contract every scanner adapter satisfies.

package providers

import (
	"context"

	"github.com/jfeddern/VulnRemedy/internal/providers/local"
	"github.com/jfeddern/VulnRemedy/internal/providers/mock"
	"github.com/jfeddern/VulnRemedy/internal/types"
)

// VulnerabilitySource interface abstracts different vulnerability scanning sources
type VulnerabilitySource interface {
	Name() string
	FetchVulnerabilities(ctx context.Context) ([]types.Vulnerability, error)
}

var (
	_ VulnerabilitySource = (*local.LocalSource)(nil)
	_ VulnerabilitySource = (*mock.MockSource)(nil)
)
