// ABOUTME: Removal of packages left behind by a failed upgrade after the manifest is reinstalled.
// ABOUTME: Anything installed but absent from the backup manifest is uninstalled.

package restore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	"github.com/jfeddern/VulnRemedy/internal/types"
)

// ErrManifestUnresolved means a manifest entry names no package, so leftovers cannot be told apart
var ErrManifestUnresolved = errors.New("manifest entry without a package name")

// manifestNames returns the normalized names of every package the manifest keeps
func manifestNames(path string) (map[string]bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupMissing, err)
	}
	defer file.Close()

	keep := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, ok := entryName(line)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrManifestUnresolved, line)
		}
		keep[pkgmgr.NormalizeName(name)] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return keep, nil
}

// entryName recovers the package of a freeze line, including "name @ url" and "-e ...#egg=name"
func entryName(line string) (string, bool) {
	if req, err := pkgmgr.ParseRequirement(line); err == nil {
		return req.Name, true
	}
	if name, _, found := strings.Cut(line, " @ "); found {
		name = strings.TrimSpace(name)
		return name, pkgmgr.ValidatePackageName(name) == nil
	}
	if _, egg, found := strings.Cut(line, "#egg="); found {
		egg, _, _ = strings.Cut(egg, "&")
		return egg, pkgmgr.ValidatePackageName(egg) == nil
	}
	return "", false
}

// Prune uninstalls packages that are installed but not listed in the backup manifest,
// such as dependencies pulled in by the upgrade being rolled back. It returns their names.
func Prune(ctx context.Context, pm pkgmgr.PackageManager, backup *types.EnvironmentBackup) ([]string, error) {
	if err := CheckBackup(backup); err != nil {
		return nil, err
	}
	keep, err := manifestNames(backup.PackageListFile)
	if err != nil {
		return nil, err
	}

	installed, err := pm.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed packages: %w", err)
	}

	var extra []string
	for _, pkg := range installed {
		key := pkgmgr.NormalizeName(pkg.Name)
		if !keep[key] && !preservedPackages[key] {
			extra = append(extra, pkg.Name)
		}
	}
	if len(extra) == 0 {
		return nil, nil
	}
	sort.Strings(extra)

	if err := pm.Uninstall(ctx, extra); err != nil {
		return nil, fmt.Errorf("failed to remove %s: %w", strings.Join(extra, ", "), err)
	}
	return extra, nil
}
