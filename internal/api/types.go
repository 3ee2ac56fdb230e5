package api

import (
	"time"

	"github.com/inpertio/inpertio/internal/checkout"
	"github.com/inpertio/inpertio/internal/gitmirror"
	"github.com/inpertio/inpertio/internal/state"
)

// SyncLogEntry is one mirror sync outcome.
type SyncLogEntry = state.SyncEntry

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string     `json:"status"`
	UptimeSeconds   int64      `json:"uptime_seconds"`
	Version         string     `json:"version,omitempty"`
	Remote          string     `json:"remote,omitempty"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	TrackedBranches int        `json:"tracked_branches"`
}

// BranchesResponse is returned by GET /api/branches.
type BranchesResponse struct {
	Remote    []gitmirror.Branch      `json:"remote"`
	Checkouts []checkout.SnapshotInfo `json:"checkouts,omitempty"`
}

// SyncLogResponse is returned by GET /api/sync/log.
type SyncLogResponse struct {
	Entries []SyncLogEntry `json:"entries"`
}

// RefreshResponse is returned by POST /api/mirror/refresh.
type RefreshResponse struct {
	Status       string    `json:"status"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}
