// Package model - Projects, snapshots and the dependencies that make up a snapshot's SBOM.
package model

import (
	"time"
)

// Project groups the snapshots of one monitored target
type Project struct {
	Key         string    `json:"_key,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ObjType     string    `json:"objtype,omitempty"`
}

// NewProject creates a project
func NewProject(name string) *Project {
	now := time.Now().UTC()
	return &Project{
		ObjType:   "Project",
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SnapshotState is the processing state of a snapshot
type SnapshotState string

// Snapshot states
const (
	SnapshotCreated    SnapshotState = "created"
	SnapshotProcessing SnapshotState = "processing"
	SnapshotCompleted  SnapshotState = "completed"
	SnapshotFailed     SnapshotState = "failed"
)

// Well-known snapshot metadata keys
const (
	MetaBOMPath           = "bom.path"
	MetaBOMFormat         = "bom.format"
	MetaRescan            = "rescan"
	MetaAlertsCalculated  = "alerts.calculated_at"
	MetaComponentObserved = "bom.components"
)

// Snapshot is a point-in-time SBOM of a project. Its dependency set is frozen once completed.
type Snapshot struct {
	Key       string            `json:"_key,omitempty"`
	ProjectID string            `json:"project_id"`
	Sequence  int64             `json:"sequence"`
	State     SnapshotState     `json:"state"`
	SBOM      []byte            `json:"sbom,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ObjType   string            `json:"objtype,omitempty"`
}

// NewSnapshot creates a snapshot in the created state
func NewSnapshot(projectID string) *Snapshot {
	now := time.Now().UTC()
	return &Snapshot{
		ObjType:   "Snapshot",
		ProjectID: projectID,
		State:     SnapshotCreated,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetError marks the snapshot failed with the given message
func (s *Snapshot) SetError(msg string) {
	s.State = SnapshotFailed
	s.Error = msg
	s.UpdatedAt = time.Now().UTC()
}

// Dependency records that a component version was present in a snapshot
type Dependency struct {
	Key                string `json:"_key,omitempty"`
	From               string `json:"_from,omitempty"`
	To                 string `json:"_to,omitempty"`
	SnapshotID         string `json:"snapshot_id"`
	ComponentID        string `json:"component_id"`
	ComponentVersionID string `json:"component_version_id"`
	Manager            string `json:"manager"`
	Namespace          string `json:"namespace,omitempty"`
	Name               string `json:"name"`
	Version            string `json:"version"`
	ObjType            string `json:"objtype,omitempty"`
}

// NewDependency joins a snapshot to a resolved component version
func NewDependency(snapshotID string, c Component, v ComponentVersion) *Dependency {
	return &Dependency{
		ObjType:            "Dependency",
		SnapshotID:         snapshotID,
		ComponentID:        c.Key,
		ComponentVersionID: v.Key,
		Manager:            c.Manager,
		Namespace:          c.Namespace,
		Name:               c.Name,
		Version:            v.Version,
	}
}

// PackageName is the dependency's package name as feeds spell it
func (d Dependency) PackageName() string {
	return PackageName(d.Manager, d.Namespace, d.Name)
}

// DependencyKey identifies a dependency across snapshots
type DependencyKey struct {
	ComponentID string `json:"component_id"`
	Version     string `json:"version"`
}

// DepKey returns the cross-snapshot key of the dependency
func (d Dependency) DepKey() DependencyKey {
	return DependencyKey{ComponentID: d.ComponentID, Version: d.Version}
}

func (k DependencyKey) String() string {
	return k.ComponentID + "@" + k.Version
}
