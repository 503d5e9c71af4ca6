// ABOUTME: Unit tests for the mock vulnerability source.
// ABOUTME: Validates mock data generation and consistency with the mock environment.

package mock

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockSource_Name(t *testing.T) {
	source := NewMockSource(logrus.New())
	assert.Equal(t, "mock", source.Name())
}

func TestMockSource_FetchVulnerabilities(t *testing.T) {
	source := NewMockSource(logrus.New())

	vulns, err := source.FetchVulnerabilities(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, vulns)

	installed := source.InstalledPackages()
	ids := make(map[string]bool)
	for _, v := range vulns {
		assert.NotEmpty(t, v.ID)
		assert.False(t, ids[v.ID], "duplicate id %s", v.ID)
		ids[v.ID] = true

		assert.Equal(t, installed[v.PackageName], v.InstalledVersion, v.PackageName)
		require.NotNil(t, v.Score)
		require.NotNil(t, v.PublishedDate)
		assert.True(t, v.PublishedDate.Before(v.DiscoveredDate))
	}

	assert.Contains(t, installed, "pip")
}

func TestMockSource_ReturnsIndependentCopies(t *testing.T) {
	source := NewMockSource(logrus.New())

	first, err := source.FetchVulnerabilities(context.Background())
	require.NoError(t, err)
	first[0].FixVersions[0] = "mutated"
	first[0].Aliases[0] = "mutated"

	second, err := source.FetchVulnerabilities(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", second[0].FixVersions[0])
	assert.NotEqual(t, "mutated", second[0].Aliases[0])
}
