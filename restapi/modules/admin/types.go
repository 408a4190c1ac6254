// Package admin implements the REST API handlers for operator actions.
package admin

// RecalculateRequest is the body of POST /admin/recalculate
type RecalculateRequest struct {
	// ProjectID limits the run to one project. Empty means every project.
	ProjectID string `json:"project_id"`
	// Full recalculates the latest snapshot even when nothing new completed
	Full bool `json:"full"`
}
