package snapshots

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/sbom"
	"go.uber.org/zap"
)

// ErrInvalidEvent is returned for an event that can never be processed
var ErrInvalidEvent = errors.New("invalid event")

// SBOMFetcher defines the interface for fetching SBOM content from storage.
type SBOMFetcher interface {
	FetchSBOM(ctx context.Context, ref SBOMReference) ([]byte, error)
}

// SnapshotService defines the interface for snapshot creation.
type SnapshotService interface {
	CreateSnapshot(ctx context.Context, project string, components []model.ObservedComponent, sbom []byte, meta map[string]string) (*model.Snapshot, error)
}

// HandleSnapshotSubmitted processes snapshot.submitted events from Kafka.
func HandleSnapshotSubmitted(
	ctx context.Context,
	msg []byte,
	fetcher SBOMFetcher,
	service SnapshotService,
	logger *zap.Logger,
) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var event SnapshotSubmittedEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		return fmt.Errorf("%w: failed to unmarshal SnapshotSubmittedEvent: %v", ErrInvalidEvent, err)
	}
	if event.EventType != "" && event.EventType != EventSnapshotSubmitted {
		return fmt.Errorf("%w: unexpected event type %q", ErrInvalidEvent, event.EventType)
	}
	if event.Project == "" {
		return fmt.Errorf("%w: missing project", ErrInvalidEvent)
	}

	components, raw, meta, err := eventComponents(ctx, event, fetcher)
	if err != nil {
		return err
	}

	logger.Sugar().Infof("Processing snapshot of %s (%d components, event %s)", event.Project, len(components), event.EventID)

	snap, err := service.CreateSnapshot(ctx, event.Project, components, raw, meta)
	if err != nil {
		return fmt.Errorf("internal service error: %w", err)
	}

	logger.Sugar().Infof("Snapshot %s of %s is %s", snap.Key, event.Project, snap.State)
	return nil
}

// eventComponents resolves the observed components of an event: an inline
// or referenced CycloneDX document wins over tuples
func eventComponents(ctx context.Context, event SnapshotSubmittedEvent, fetcher SBOMFetcher) ([]model.ObservedComponent, []byte, map[string]string, error) {
	meta := make(map[string]string, len(event.Metadata)+2)
	for k, v := range event.Metadata {
		meta[k] = v
	}

	doc := []byte(event.SBOM)
	if len(bytes.TrimSpace(doc)) == 0 && event.SBOMRef != nil {
		if fetcher == nil {
			return nil, nil, nil, fmt.Errorf("%w: sbom_ref given but no fetcher configured", ErrInvalidEvent)
		}
		fetched, err := fetcher.FetchSBOM(ctx, *event.SBOMRef)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to fetch SBOM %s: %w", event.SBOMRef.URL, err)
		}
		doc = fetched
		meta[model.MetaBOMPath] = event.SBOMRef.URL
	}

	if len(bytes.TrimSpace(doc)) == 0 {
		return event.Components, nil, meta, nil
	}

	parsed, err := sbom.FromCycloneDX(bytes.NewReader(doc))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	for k, v := range parsed.Metadata() {
		meta[k] = v
	}
	return parsed.Components, parsed.Raw, meta, nil
}
