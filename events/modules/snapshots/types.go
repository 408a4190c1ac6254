// Package snapshots defines the Kafka events that submit snapshots and report alert calculations.
package snapshots

import (
	"encoding/json"
	"time"

	"github.com/ortelius/pdvd-vulncorr/model"
)

// Event types and the schema version they are published with
const (
	EventSnapshotSubmitted = "snapshot.submitted"
	EventAlertsCalculated  = "alerts.calculated"
	SchemaVersion          = "v1"
)

// SnapshotSubmittedEvent asks for a new snapshot of a project. Components are
// given as tuples, as an inline CycloneDX document, or by reference.
type SnapshotSubmittedEvent struct {
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EventTime     time.Time `json:"event_time"`
	SchemaVersion string    `json:"schema_version"`

	Project    string                    `json:"project"`
	Components []model.ObservedComponent `json:"components,omitempty"`
	SBOM       json.RawMessage           `json:"sbom,omitempty"`
	SBOMRef    *SBOMReference            `json:"sbom_ref,omitempty"`
	Metadata   map[string]string         `json:"metadata,omitempty"`
}

// SBOMReference describes where an SBOM is stored and how it can be retrieved.
type SBOMReference struct {
	URL string `json:"url"`

	// Optional integrity metadata
	ContentSha string `json:"content_sha,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
}

// AlertsCalculatedEvent reports the summary of one calculation
type AlertsCalculatedEvent struct {
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EventTime     time.Time `json:"event_time"`
	SchemaVersion string    `json:"schema_version"`

	ProjectID  string             `json:"project_id"`
	SnapshotID string             `json:"snapshot_id"`
	Sequence   int64              `json:"sequence"`
	Summary    model.AlertSummary `json:"summary"`
}
