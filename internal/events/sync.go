package events

import (
	"context"

	"github.com/inpertio/inpertio/internal/gitmirror"
)

const (
	TypeMirrorSynced     = "mirror.synced"
	TypeMirrorSyncFailed = "mirror.sync_failed"
)

// SyncPayload is the data of mirror sync events.
type SyncPayload struct {
	Op         string `json:"op"`
	Branches   int    `json:"branches"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// SyncRecorder publishes mirror sync outcomes on a hub.
type SyncRecorder struct {
	Hub *Hub
}

var _ gitmirror.SyncRecorder = SyncRecorder{}

func (r SyncRecorder) RecordSync(_ context.Context, o gitmirror.SyncOutcome) {
	payload := SyncPayload{Op: o.Op, Branches: o.Branches, DurationMS: o.Duration.Milliseconds()}
	if o.Err != nil {
		payload.Error = o.Err.Error()
		r.Hub.Publish(TypeMirrorSyncFailed, payload)
		return
	}
	r.Hub.Publish(TypeMirrorSynced, payload)
}
