// ABOUTME: Factory for creating vulnerability sources.
// ABOUTME: Centralizes source instantiation and configuration logic.

package providers

import (
	"fmt"
	"os"

	"github.com/jfeddern/VulnRemedy/internal/engine"
	"github.com/jfeddern/VulnRemedy/internal/providers/local"
	"github.com/jfeddern/VulnRemedy/internal/providers/mock"
	"github.com/sirupsen/logrus"
)

// ProviderConfig holds configuration for creating sources
type ProviderConfig struct {
	Mode       string
	ReportFile string
	MockMode   bool // Enable the mock source for local testing
}

// CreateVulnerabilitySource creates a vulnerability source based on configuration
func CreateVulnerabilitySource(config *ProviderConfig, logger *logrus.Logger) (engine.VulnerabilitySource, error) {
	// Check for mock mode first
	if config.MockMode || config.Mode == "mock" {
		logger.Info("Using mock vulnerability source for testing")
		return mock.NewMockSource(logger), nil
	}

	switch config.Mode {
	case "local", "":
		if config.ReportFile == "" {
			return nil, fmt.Errorf("local mode requires a report file")
		}
		if _, err := os.Stat(config.ReportFile); err != nil {
			return nil, fmt.Errorf("report file not accessible: %w", err)
		}
		return local.NewLocalSource(config.ReportFile, logger), nil
	default:
		return nil, fmt.Errorf("unsupported mode: %s", config.Mode)
	}
}
