package projects

import (
	"context"
	"errors"

	"github.com/ortelius/pdvd-vulncorr/store"
)

// ResolveProjects lists every project
func ResolveProjects(ctx context.Context, s store.SnapshotStore) ([]map[string]interface{}, error) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectMap(p))
	}
	return out, nil
}

// ResolveProject returns one project, or nil when it does not exist
func ResolveProject(ctx context.Context, s store.SnapshotStore, id string) (interface{}, error) {
	p, err := s.GetProject(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return projectMap(*p), nil
}

// ResolveSnapshots lists a project's snapshots in sequence order
func ResolveSnapshots(ctx context.Context, s store.SnapshotStore, projectID string) ([]map[string]interface{}, error) {
	snaps, err := s.ListSnapshots(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotMap(snap))
	}
	return out, nil
}

// ResolveSnapshot returns one snapshot, or nil when it does not exist
func ResolveSnapshot(ctx context.Context, s store.SnapshotStore, id string) (interface{}, error) {
	snap, err := s.GetSnapshot(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshotMap(*snap), nil
}
