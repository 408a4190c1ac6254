// Package projects implements the REST API handlers for projects and snapshot submission.
package projects

import (
	"github.com/ortelius/pdvd-vulncorr/model"
)

// CreateProjectRequest is the body of POST /projects
type CreateProjectRequest struct {
	Name string `json:"name"`
}

// SubmitSnapshotRequest is the JSON body of POST /projects/:id/snapshots.
// A CycloneDX document is accepted in its place.
type SubmitSnapshotRequest struct {
	Components []model.ObservedComponent `json:"components"`
	Metadata   map[string]string         `json:"metadata,omitempty"`
	// BOMFormat is set when the body is a CycloneDX JSON document
	BOMFormat string `json:"bomFormat,omitempty"`
}

// SubmitSnapshotResponse reports the snapshot a submission produced
type SubmitSnapshotResponse struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
}
