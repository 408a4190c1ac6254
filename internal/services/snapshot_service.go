package services

import (
	"context"

	events "github.com/ortelius/pdvd-vulncorr/events/modules/snapshots"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/snapshot"
)

// SnapshotServiceWrapper implements events.SnapshotService
type SnapshotServiceWrapper struct {
	Snapshots *snapshot.Service
}

// CreateSnapshot submits through the same path as the REST API. Completion
// hooks on the service trigger alert calculation. A snapshot that failed
// ingestion is not retried: the failure is recorded on the snapshot itself.
func (w *SnapshotServiceWrapper) CreateSnapshot(ctx context.Context, project string, components []model.ObservedComponent, sbom []byte, meta map[string]string) (*model.Snapshot, error) {
	snap, err := w.Snapshots.Submit(ctx, project, components, sbom, meta)
	if err != nil && snap != nil && snap.State == model.SnapshotFailed {
		return snap, nil
	}
	return snap, err
}

var _ events.SnapshotService = (*SnapshotServiceWrapper)(nil)
