package workspace

import (
	"context"
	"time"
)

// CleanupReport summarizes a cleanup or sweep run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager owns the on-disk layout of branch checkouts.
//
// Every materialized revision lives in its own directory
// <base>/<escaped-branch>/<revision>. A checkout is written into a staging
// directory first and promoted by rename, so a revision directory is either
// absent or complete.
type Manager interface {
	// Stage creates an empty staging directory for branch.
	Stage(ctx context.Context, branch string) (string, error)

	// Promote moves a filled staging directory to its revision path. If the
	// revision already exists the staging directory is discarded.
	Promote(ctx context.Context, branch, staging, revision string) (string, error)

	// Path returns the revision directory for branch without touching disk.
	Path(branch, revision string) (string, error)

	// Exists reports whether a promoted revision directory is present.
	Exists(branch, revision string) bool

	// Remove deletes a staging or revision directory under the base dir.
	Remove(dir string) error

	// Sweep removes every revision and staging directory not listed in keep.
	Sweep(ctx context.Context, keep map[string]bool) (CleanupReport, error)

	// Cleanup removes staging directories older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
