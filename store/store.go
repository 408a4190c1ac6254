// Package store persists vulnerabilities, snapshots and alerts.
//
// Two implementations share the interfaces below: an in-process Memory store
// and the ArangoDB backed Arango store.
package store

import (
	"context"
	"errors"

	"github.com/ortelius/pdvd-vulncorr/model"
)

// ErrNotFound is returned when a record does not exist. Any other error from a
// store means the store is unavailable.
var ErrNotFound = errors.New("not found")

// VulnerabilityStore holds the normalized feed
type VulnerabilityStore interface {
	// UpsertNamespace replaces vulnerabilities and metadata by natural key as a
	// single atomic operation. Records absent from the batch are kept.
	UpsertNamespace(ctx context.Context, namespace string, vulns []model.Vulnerability, meta []model.VulnerabilityMetadata) error
	// Candidates returns the vulnerabilities recorded for a package in an ecosystem.
	// Package names compare lowercase.
	Candidates(ctx context.Context, ecosystem, packageName string) ([]model.Vulnerability, error)
	MetadataFor(ctx context.Context, id string) ([]model.VulnerabilityMetadata, error)
	CountVulnerabilities(ctx context.Context) (int, error)
	CountMetadata(ctx context.Context) (int, error)
	GetFeedState(ctx context.Context, source string) (*model.FeedState, error)
	SaveFeedState(ctx context.Context, state model.FeedState) error
}

// SnapshotStore holds projects, snapshots, components and dependencies
type SnapshotStore interface {
	FindOrCreateProject(ctx context.Context, name string) (*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]model.Project, error)

	// CreateSnapshot stores a new snapshot, assigning the next sequence of its project.
	CreateSnapshot(ctx context.Context, snap model.Snapshot) (*model.Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	// UpdateSnapshot saves state, error text and metadata.
	UpdateSnapshot(ctx context.Context, snap model.Snapshot) error
	// ListSnapshots returns the project's snapshots in sequence order.
	ListSnapshots(ctx context.Context, projectID string) ([]model.Snapshot, error)

	FindOrCreateComponent(ctx context.Context, c model.Component) (*model.Component, error)
	FindOrCreateComponentVersion(ctx context.Context, componentID, version string) (*model.ComponentVersion, error)
	// CommitDependencies inserts the dependency set and marks the snapshot
	// completed in one atomic step. The snapshot must be processing.
	CommitDependencies(ctx context.Context, snapshotID string, deps []model.Dependency) error
	Dependencies(ctx context.Context, snapshotID string) ([]model.Dependency, error)
}

// AlertStore holds advisories and alerts
type AlertStore interface {
	GetAdvisory(ctx context.Context, name string) (*model.Advisory, error)
	GetAdvisories(ctx context.Context, names []string) (map[string]model.Advisory, error)
	UpsertAdvisory(ctx context.Context, adv model.Advisory) (*model.Advisory, error)

	AlertsForSnapshot(ctx context.Context, snapshotID string) ([]model.Alert, error)
	OpenAlertsForProject(ctx context.Context, projectID string) ([]model.Alert, error)
	// SaveAlerts upserts by (snapshot, dependency, advisory) and returns the stored alerts.
	SaveAlerts(ctx context.Context, alerts []model.Alert) ([]model.Alert, error)
}

// Store is the full persistence surface
type Store interface {
	VulnerabilityStore
	SnapshotStore
	AlertStore
}

// ErrSnapshotState is returned by CommitDependencies when the snapshot is not processing
var ErrSnapshotState = errors.New("snapshot is not processing")

// LatestCompleted returns the completed snapshot with the highest sequence
func LatestCompleted(ctx context.Context, s SnapshotStore, projectID string) (*model.Snapshot, error) {
	snaps, err := s.ListSnapshots(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].State == model.SnapshotCompleted {
			return &snaps[i], nil
		}
	}
	return nil, ErrNotFound
}
