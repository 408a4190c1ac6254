// Package model - Alerts and their lifecycle for dependencies flagged by advisories.
package model

import (
	"errors"
	"fmt"
	"time"
)

// AlertState is a state of the alert lifecycle: new -> active -> resolved
type AlertState string

// Alert states
const (
	AlertNew      AlertState = "new"
	AlertActive   AlertState = "active"
	AlertResolved AlertState = "resolved"
)

// Resolved is terminal.
var alertTransitions = map[AlertState][]AlertState{
	AlertNew:      {AlertActive, AlertResolved},
	AlertActive:   {AlertActive, AlertResolved},
	AlertResolved: {},
}

// ErrInvalidTransition is returned for a transition the lifecycle does not allow
var ErrInvalidTransition = errors.New("invalid alert state transition")

// CanTransition reports whether the lifecycle allows moving from s to next
func (s AlertState) CanTransition(next AlertState) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Open reports whether the alert still counts against its snapshot
func (s AlertState) Open() bool {
	return s == AlertNew || s == AlertActive
}

// Alert flags one dependency of one snapshot against one advisory.
// Unique per (snapshot, dependency, advisory). Severity is never stored here.
type Alert struct {
	Key          string     `json:"_key,omitempty"`
	Name         string     `json:"name"`
	State        AlertState `json:"state"`
	ProjectID    string     `json:"project_id"`
	SnapshotID   string     `json:"snapshot_id"`
	DependencyID string     `json:"dependency_id"`
	ComponentID  string     `json:"component_id"`
	Version      string     `json:"version"`
	AdvisoryID   string     `json:"advisory_id"`
	NeedsReview  bool       `json:"needs_review"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ObjType      string     `json:"objtype,omitempty"`
}

// NewAlert creates an alert in the new state
func NewAlert(name, projectID string, dep Dependency, advisoryID string, now time.Time) *Alert {
	return &Alert{
		ObjType:      "Alert",
		Name:         name,
		State:        AlertNew,
		ProjectID:    projectID,
		SnapshotID:   dep.SnapshotID,
		DependencyID: dep.Key,
		ComponentID:  dep.ComponentID,
		Version:      dep.Version,
		AdvisoryID:   advisoryID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition moves the alert to next, stamping updated_at
func (a *Alert) Transition(next AlertState, now time.Time) error {
	if !a.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (alert %s)", ErrInvalidTransition, a.State, next, a.Name)
	}
	a.State = next
	a.UpdatedAt = now
	if next == AlertResolved {
		resolvedAt := now
		a.ResolvedAt = &resolvedAt
	}
	return nil
}

// Confirm records that the finding was observed again
func (a *Alert) Confirm(now time.Time) error {
	return a.Transition(AlertActive, now)
}

// Resolve closes the alert
func (a *Alert) Resolve(now time.Time) error {
	return a.Transition(AlertResolved, now)
}

// AlertKey is the uniqueness triple of an alert
type AlertKey struct {
	SnapshotID   string
	DependencyID string
	AdvisoryID   string
}

// Triple returns the uniqueness key of the alert
func (a Alert) Triple() AlertKey {
	return AlertKey{SnapshotID: a.SnapshotID, DependencyID: a.DependencyID, AdvisoryID: a.AdvisoryID}
}

// FindingKey identifies what an alert is about independent of the snapshot
type FindingKey struct {
	Dependency DependencyKey
	AdvisoryID string
}

// Finding returns the snapshot independent key of the alert
func (a Alert) Finding() FindingKey {
	return FindingKey{
		Dependency: DependencyKey{ComponentID: a.ComponentID, Version: a.Version},
		AdvisoryID: a.AdvisoryID,
	}
}

// CalculationStats describes a single calculation run
type CalculationStats struct {
	Dependencies  int  `json:"dependencies"`
	Matched       int  `json:"matched"`
	Skipped       int  `json:"skipped"`
	MatchFailures int  `json:"match_failures"`
	Created       int  `json:"created"`
	Confirmed     int  `json:"confirmed"`
	Resolved      int  `json:"resolved"`
	Incremental   bool `json:"incremental"`
}

// AlertSummary counts open alerts per severity bucket, computed fresh from advisories
type AlertSummary struct {
	ProjectID    string            `json:"project_id,omitempty"`
	SnapshotID   string            `json:"snapshot_id,omitempty"`
	Critical     int               `json:"critical"`
	High         int               `json:"high"`
	Medium       int               `json:"medium"`
	Low          int               `json:"low"`
	Unknown      int               `json:"unknown"`
	Total        int               `json:"total"`
	New          int               `json:"new"`
	Active       int               `json:"active"`
	Resolved     int               `json:"resolved"`
	Stats        *CalculationStats `json:"stats,omitempty"`
	CalculatedAt time.Time         `json:"calculated_at"`
}

// Add counts one alert in the given state and severity. Resolved alerts only count as resolved.
func (s *AlertSummary) Add(state AlertState, sev Severity) {
	switch state {
	case AlertResolved:
		s.Resolved++
		return
	case AlertNew:
		s.New++
	case AlertActive:
		s.Active++
	}
	s.Total++
	switch sev {
	case SeverityCritical:
		s.Critical++
	case SeverityHigh:
		s.High++
	case SeverityMedium:
		s.Medium++
	case SeverityLow:
		s.Low++
	default:
		s.Unknown++
	}
}

// Count returns the open count for a severity bucket
func (s AlertSummary) Count(sev Severity) int {
	switch sev {
	case SeverityCritical:
		return s.Critical
	case SeverityHigh:
		return s.High
	case SeverityMedium:
		return s.Medium
	case SeverityLow:
		return s.Low
	default:
		return s.Unknown
	}
}

// Merge adds the counts of other into s
func (s *AlertSummary) Merge(other AlertSummary) {
	s.Critical += other.Critical
	s.High += other.High
	s.Medium += other.Medium
	s.Low += other.Low
	s.Unknown += other.Unknown
	s.Total += other.Total
	s.New += other.New
	s.Active += other.Active
	s.Resolved += other.Resolved
}
