// ABOUTME: In-memory package profile cache owned by a single risk assessor.
// ABOUTME: Lazily fills unknown packages with a synthetic profile, keyed by normalized package name.

package cache

import (
	"strings"
	"sync"

	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/sirupsen/logrus"
)

// ProfileCache memoizes package profiles for the lifetime of one assessor
type ProfileCache struct {
	cache  map[string]types.PackageProfile
	mutex  sync.RWMutex
	logger *logrus.Logger
}

func NewProfileCache(logger *logrus.Logger) *ProfileCache {
	return &ProfileCache{
		cache:  make(map[string]types.PackageProfile),
		logger: logger,
	}
}

// Key normalizes a package name the way pip does (case-insensitive, '_' == '-' == '.')
func Key(packageName string) string {
	key := strings.ToLower(strings.TrimSpace(packageName))
	key = strings.ReplaceAll(key, "_", "-")
	return strings.ReplaceAll(key, ".", "-")
}

func (c *ProfileCache) Get(packageName string) (types.PackageProfile, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	profile, exists := c.cache[Key(packageName)]
	return profile, exists
}

// GetOrCreate returns the cached profile or stores the one built by create
func (c *ProfileCache) GetOrCreate(packageName string, create func(string) types.PackageProfile) types.PackageProfile {
	if profile, ok := c.Get(packageName); ok {
		return profile
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	key := Key(packageName)
	if profile, exists := c.cache[key]; exists {
		return profile
	}

	profile := create(packageName)
	c.cache[key] = profile
	c.logger.WithFields(logrus.Fields{
		"package":   packageName,
		"synthetic": profile.Synthetic,
		"entries":   len(c.cache),
	}).Debug("Cached package profile")
	return profile
}
