package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const stagingPrefix = ".staging-"

var revisionPattern = regexp.MustCompile(`^[0-9a-f]{40}([0-9a-f]{24})?$`)

// fsManager manages checkout directories on local disk.
type fsManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed checkout manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("checkout base directory is empty")
	}

	return &fsManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// BaseDir returns the root of all checkouts.
func (m *fsManager) BaseDir() string { return m.baseDir }

// Stage creates <base>/<branch>/.staging-<uuid>.
func (m *fsManager) Stage(ctx context.Context, branch string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	branchDir, err := m.branchDir(branch)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(branchDir, 0o755); err != nil {
		return "", fmt.Errorf("create branch directory: %w", err)
	}

	path := filepath.Join(branchDir, stagingPrefix+uuid.NewString())
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory for branch %q: %w", branch, err)
	}
	return path, nil
}

// Promote renames staging into place.
func (m *fsManager) Promote(ctx context.Context, branch, staging, revision string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst, err := m.Path(branch, revision)
	if err != nil {
		return "", err
	}
	if filepath.Dir(staging) != filepath.Dir(dst) || !strings.HasPrefix(filepath.Base(staging), stagingPrefix) {
		return "", fmt.Errorf("%q is not a staging directory of branch %q", staging, branch)
	}

	if _, err := os.Stat(dst); err == nil {
		// Same revision, same content.
		if err := os.RemoveAll(staging); err != nil {
			return "", fmt.Errorf("discard staging directory: %w", err)
		}
		return dst, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat checkout %q: %w", dst, err)
	}

	if err := os.Rename(staging, dst); err != nil {
		return "", fmt.Errorf("promote checkout of %q at %s: %w", branch, revision, err)
	}
	return dst, nil
}

// Path returns <base>/<branch>/<revision>.
func (m *fsManager) Path(branch, revision string) (string, error) {
	branchDir, err := m.branchDir(branch)
	if err != nil {
		return "", err
	}
	if !revisionPattern.MatchString(revision) {
		return "", fmt.Errorf("revision %q is not a commit hash", revision)
	}
	return filepath.Join(branchDir, revision), nil
}

func (m *fsManager) Exists(branch, revision string) bool {
	path, err := m.Path(branch, revision)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Remove deletes dir, which must be a branch-level entry under the base dir.
func (m *fsManager) Remove(dir string) error {
	rel, err := filepath.Rel(m.baseDir, filepath.Clean(dir))
	if err != nil || len(strings.Split(rel, string(filepath.Separator))) != 2 || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %q outside checkout directory %q", dir, m.baseDir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove checkout %q: %w", dir, err)
	}
	// Drop the branch directory once it holds nothing.
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

// Sweep walks <base>/*/* and removes entries whose path is not in keep.
func (m *fsManager) Sweep(ctx context.Context, keep map[string]bool) (CleanupReport, error) {
	return m.walk(ctx, func(path string, _ os.FileInfo) bool {
		return !keep[path]
	})
}

// Cleanup removes staging directories whose modification time is older than
// olderThan. They are left behind only by a crash mid-checkout.
func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}
	cutoff := m.now().Add(-olderThan)
	return m.walk(ctx, func(path string, info os.FileInfo) bool {
		return strings.HasPrefix(filepath.Base(path), stagingPrefix) && !info.ModTime().After(cutoff)
	})
}

func (m *fsManager) walk(ctx context.Context, remove func(string, os.FileInfo) bool) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}

	branches, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read checkout base directory: %w", err)
	}

	report := CleanupReport{}
	for _, branch := range branches {
		if !branch.IsDir() {
			continue
		}
		branchDir := filepath.Join(m.baseDir, branch.Name())
		entries, err := os.ReadDir(branchDir)
		if err != nil {
			return report, fmt.Errorf("read branch directory %q: %w", branch.Name(), err)
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			info, err := entry.Info()
			if err != nil {
				return report, fmt.Errorf("read checkout entry info %q: %w", entry.Name(), err)
			}
			path := filepath.Join(branchDir, entry.Name())
			if !remove(path, info) {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				return report, fmt.Errorf("remove checkout %q: %w", path, err)
			}
			report.DeletedDirs++
		}
		_ = os.Remove(branchDir)
	}

	return report, nil
}

func (m *fsManager) branchDir(branch string) (string, error) {
	name, err := escapeBranch(branch)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, name), nil
}

// escapeBranch turns a branch name into a single path element.
func escapeBranch(branch string) (string, error) {
	if strings.TrimSpace(branch) == "" {
		return "", fmt.Errorf("branch name is empty")
	}
	name := url.PathEscape(branch)
	if strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("branch name %q is invalid", branch)
	}
	return name, nil
}
