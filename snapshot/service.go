// Package snapshot creates snapshots, ingests their observed components and
// diffs dependency sets.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ortelius/pdvd-vulncorr/internal/metrics"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/store"
	"go.uber.org/zap"
)

// CompletionHook is called after a snapshot reaches the completed state
type CompletionHook func(ctx context.Context, snap model.Snapshot)

// Service owns the snapshot lifecycle: created, processing, then completed or failed
type Service struct {
	store    store.SnapshotStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onCommit []CompletionHook
}

// NewService creates a snapshot service. logger and m may be nil.
func NewService(s store.SnapshotStore, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, logger: logger, metrics: m}
}

// OnCompleted registers a hook run after each successful ingestion
func (s *Service) OnCompleted(h CompletionHook) {
	s.onCommit = append(s.onCommit, h)
}

// CreateSnapshot stores a new snapshot for the project in the created state.
// sbom is the raw document the components were taken from and may be nil.
func (s *Service) CreateSnapshot(ctx context.Context, projectID string, sbom []byte, meta map[string]string) (*model.Snapshot, error) {
	snap := model.NewSnapshot(projectID)
	snap.SBOM = sbom
	for k, v := range meta {
		snap.Metadata[k] = v
	}

	created, err := s.store.CreateSnapshot(ctx, *snap)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot for project %s: %w", projectID, err)
	}
	s.logger.Sugar().Debugf("Created snapshot %s (sequence %d) for project %s", created.Key, created.Sequence, projectID)
	return created, nil
}

// Submit finds or creates the named project, creates a snapshot and ingests it.
// A failed ingestion still returns the snapshot, in its failed state.
func (s *Service) Submit(ctx context.Context, projectName string, components []model.ObservedComponent, sbom []byte, meta map[string]string) (*model.Snapshot, error) {
	project, err := s.store.FindOrCreateProject(ctx, projectName)
	if err != nil {
		return nil, fmt.Errorf("resolving project %s: %w", projectName, err)
	}

	snap, err := s.CreateSnapshot(ctx, project.Key, sbom, meta)
	if err != nil {
		return nil, err
	}

	ingestErr := s.Ingest(ctx, snap.Key, components)

	final, err := s.store.GetSnapshot(ctx, snap.Key)
	if err != nil {
		return snap, errors.Join(ingestErr, err)
	}
	return final, ingestErr
}

// Ingest resolves each observed component to Component and ComponentVersion
// records and commits the dependency set, completing the snapshot. On any
// failure the snapshot is marked failed with the error text and no
// dependencies are stored.
func (s *Service) Ingest(ctx context.Context, snapshotID string, components []model.ObservedComponent) error {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &IngestError{Kind: ErrInvalidState, SnapshotID: snapshotID, Err: err}
		}
		return &IngestError{Kind: ErrStoreUnavailable, SnapshotID: snapshotID, Err: err}
	}
	if snap.State != model.SnapshotCreated {
		return &IngestError{Kind: ErrInvalidState, SnapshotID: snapshotID, Err: fmt.Errorf("snapshot is %s", snap.State)}
	}

	snap.State = model.SnapshotProcessing
	if snap.Metadata == nil {
		snap.Metadata = map[string]string{}
	}
	snap.Metadata[model.MetaComponentObserved] = strconv.Itoa(len(components))
	if err := s.store.UpdateSnapshot(ctx, *snap); err != nil {
		return &IngestError{Kind: ErrStoreUnavailable, SnapshotID: snapshotID, Err: err}
	}

	deps, err := s.resolve(ctx, snapshotID, components)
	if err == nil {
		err = s.commit(ctx, snapshotID, deps)
	}
	if err != nil {
		s.fail(ctx, snap, err)
		return err
	}

	s.metrics.ObserveIngest(string(model.SnapshotCompleted))
	s.logger.Sugar().Infof("Snapshot %s completed with %d dependencies", snapshotID, len(deps))

	if len(s.onCommit) > 0 {
		if done, err := s.store.GetSnapshot(ctx, snapshotID); err == nil {
			for _, h := range s.onCommit {
				h(ctx, *done)
			}
		}
	}
	return nil
}

// resolve maps observations onto stored components, one dependency per component version
func (s *Service) resolve(ctx context.Context, snapshotID string, components []model.ObservedComponent) ([]model.Dependency, error) {
	// Step 1: normalize every observation before touching the store
	normalized := make([]model.ObservedComponent, 0, len(components))
	for i, oc := range components {
		n, err := oc.Normalize()
		if err != nil {
			return nil, &IngestError{Kind: ErrComponentResolutionFailed, SnapshotID: snapshotID,
				Err: fmt.Errorf("component %d (%s): %w", i, oc.Name, err)}
		}
		normalized = append(normalized, n)
	}

	// Step 2: find or create components and versions, collapsing repeats
	resolved := make(map[string]model.Component)
	seen := make(map[string]bool)
	deps := make([]model.Dependency, 0, len(normalized))

	for _, oc := range normalized {
		if err := ctx.Err(); err != nil {
			return nil, &IngestError{Kind: ErrStoreUnavailable, SnapshotID: snapshotID, Err: err}
		}

		nk := oc.Component().NaturalKey()
		comp, ok := resolved[nk]
		if !ok {
			c, err := s.store.FindOrCreateComponent(ctx, oc.Component())
			if err != nil {
				return nil, &IngestError{Kind: ErrStoreUnavailable, SnapshotID: snapshotID,
					Err: fmt.Errorf("component %s: %w", nk, err)}
			}
			comp = *c
			resolved[nk] = comp
		}

		version, err := s.store.FindOrCreateComponentVersion(ctx, comp.Key, oc.Version)
		if err != nil {
			return nil, &IngestError{Kind: ErrStoreUnavailable, SnapshotID: snapshotID,
				Err: fmt.Errorf("version %s of %s: %w", oc.Version, nk, err)}
		}
		if seen[version.Key] {
			continue
		}
		seen[version.Key] = true

		deps = append(deps, *model.NewDependency(snapshotID, comp, *version))
	}
	return deps, nil
}

func (s *Service) commit(ctx context.Context, snapshotID string, deps []model.Dependency) error {
	err := s.store.CommitDependencies(ctx, snapshotID, deps)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrSnapshotState):
		return &IngestError{Kind: ErrInvalidState, SnapshotID: snapshotID, Err: err}
	case errors.Is(err, store.ErrNotFound):
		return &IngestError{Kind: ErrComponentResolutionFailed, SnapshotID: snapshotID, Err: err}
	default:
		return &IngestError{Kind: ErrStoreUnavailable, SnapshotID: snapshotID, Err: err}
	}
}

// fail records the failure on the snapshot. A store error here is only logged.
func (s *Service) fail(ctx context.Context, snap *model.Snapshot, cause error) {
	s.metrics.ObserveIngest(string(model.SnapshotFailed))
	s.logger.Sugar().Errorf("Snapshot %s failed: %v", snap.Key, cause)

	snap.SetError(cause.Error())
	if err := s.store.UpdateSnapshot(context.WithoutCancel(ctx), *snap); err != nil {
		s.logger.Sugar().Errorf("Failed to record failure of snapshot %s: %v", snap.Key, err)
	}
}

// Diff loads two snapshots' dependency sets and compares them
func (s *Service) Diff(ctx context.Context, olderID, newerID string) (*DiffResult, error) {
	older, err := s.store.Dependencies(ctx, olderID)
	if err != nil {
		return nil, fmt.Errorf("dependencies of %s: %w", olderID, err)
	}
	newer, err := s.store.Dependencies(ctx, newerID)
	if err != nil {
		return nil, fmt.Errorf("dependencies of %s: %w", newerID, err)
	}
	res := Diff(older, newer)
	return &res, nil
}

// Get returns a snapshot
func (s *Service) Get(ctx context.Context, id string) (*model.Snapshot, error) {
	return s.store.GetSnapshot(ctx, id)
}

// Dependencies returns a snapshot's dependency set
func (s *Service) Dependencies(ctx context.Context, id string) ([]model.Dependency, error) {
	return s.store.Dependencies(ctx, id)
}
