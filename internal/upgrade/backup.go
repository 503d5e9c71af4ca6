// ABOUTME: Environment backups taken before every upgrade attempt.
// ABOUTME: A backup is a temp directory holding the frozen package list and the project manifest.

package upgrade

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/sirupsen/logrus"
)

const (
	backupPrefix    = "vulnremedy-backup-"
	packageListName = "requirements.freeze"
)

// projectManifests are checked in order; the first one present is captured
var projectManifests = []string{"requirements.txt", "pyproject.toml", "Pipfile"}

// BackupManager creates and removes environment backups under one root directory
type BackupManager struct {
	root       string
	projectDir string
	pm         pkgmgr.PackageManager
	now        func() time.Time
	logger     *logrus.Logger
}

// NewBackupManager creates a manager. An empty root uses the system temp directory.
func NewBackupManager(root, projectDir string, pm pkgmgr.PackageManager, logger *logrus.Logger) *BackupManager {
	if root == "" {
		root = os.TempDir()
	}
	return &BackupManager{
		root:       root,
		projectDir: projectDir,
		pm:         pm,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// Create snapshots the current environment
func (b *BackupManager) Create(ctx context.Context) (*types.EnvironmentBackup, error) {
	if err := os.MkdirAll(b.root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup root: %w", err)
	}

	dir, err := os.MkdirTemp(b.root, backupPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	backup, err := b.capture(ctx, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	b.logger.WithFields(logrus.Fields{
		"path":     backup.Path,
		"packages": backup.PackageCount,
	}).Info("Created environment backup")
	return backup, nil
}

func (b *BackupManager) capture(ctx context.Context, dir string) (*types.EnvironmentBackup, error) {
	lines, err := b.pm.Freeze(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture installed packages: %w", err)
	}

	created := b.now()
	var content strings.Builder
	fmt.Fprintf(&content, "# environment snapshot %s\n", created.Format(time.RFC3339))
	for _, line := range lines {
		content.WriteString(line)
		content.WriteString("\n")
	}

	listFile := filepath.Join(dir, packageListName)
	if err := os.WriteFile(listFile, []byte(content.String()), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write package list: %w", err)
	}

	backup := &types.EnvironmentBackup{
		Path:             dir,
		PackageListFile:  listFile,
		CreatedAt:        created,
		PackageCount:     len(lines),
		EmptyEnvironment: len(lines) == 0,
	}

	if b.projectDir == "" {
		return backup, nil
	}
	for _, name := range projectManifests {
		src := filepath.Join(b.projectDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(dir, name)
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("failed to copy project manifest %s: %w", name, err)
		}
		backup.ProjectManifest = dst
		break
	}
	return backup, nil
}

// Remove deletes a backup directory created by this manager
func (b *BackupManager) Remove(backup *types.EnvironmentBackup) error {
	if backup == nil || backup.Path == "" {
		return nil
	}
	if !strings.HasPrefix(filepath.Base(backup.Path), backupPrefix) {
		return fmt.Errorf("refusing to remove %q: not a backup directory", backup.Path)
	}
	if err := os.RemoveAll(backup.Path); err != nil {
		return fmt.Errorf("failed to remove backup %s: %w", backup.Path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
