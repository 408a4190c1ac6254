// Package alerts defines the GraphQL types and queries for alerts and their summaries.
package alerts

import (
	"time"

	"github.com/graphql-go/graphql"
	calc "github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/ortelius/pdvd-vulncorr/model"
)

// AlertType represents one alert with the severity of its advisory
var AlertType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Alert",
	Fields: graphql.Fields{
		"id":            &graphql.Field{Type: graphql.String},
		"name":          &graphql.Field{Type: graphql.String},
		"state":         &graphql.Field{Type: graphql.String},
		"project_id":    &graphql.Field{Type: graphql.String},
		"snapshot_id":   &graphql.Field{Type: graphql.String},
		"dependency_id": &graphql.Field{Type: graphql.String},
		"component_id":  &graphql.Field{Type: graphql.String},
		"version":       &graphql.Field{Type: graphql.String},
		"advisory_id":   &graphql.Field{Type: graphql.String},
		"needs_review":  &graphql.Field{Type: graphql.Boolean},
		"severity":      &graphql.Field{Type: graphql.String},
		"source":        &graphql.Field{Type: graphql.String},
		"description":   &graphql.Field{Type: graphql.String},
		"urls":          &graphql.Field{Type: graphql.NewList(graphql.String)},
		"cvss_score":    &graphql.Field{Type: graphql.Float},
		"created_at":    &graphql.Field{Type: graphql.String},
		"resolved_at":   &graphql.Field{Type: graphql.String},
	},
})

// AlertSummaryType represents open alert counts per severity
var AlertSummaryType = graphql.NewObject(graphql.ObjectConfig{
	Name: "AlertSummary",
	Fields: graphql.Fields{
		"project_id":    &graphql.Field{Type: graphql.String},
		"snapshot_id":   &graphql.Field{Type: graphql.String},
		"critical":      &graphql.Field{Type: graphql.Int},
		"high":          &graphql.Field{Type: graphql.Int},
		"medium":        &graphql.Field{Type: graphql.Int},
		"low":           &graphql.Field{Type: graphql.Int},
		"unknown":       &graphql.Field{Type: graphql.Int},
		"total":         &graphql.Field{Type: graphql.Int},
		"new":           &graphql.Field{Type: graphql.Int},
		"active":        &graphql.Field{Type: graphql.Int},
		"resolved":      &graphql.Field{Type: graphql.Int},
		"calculated_at": &graphql.Field{Type: graphql.String},
	},
})

func alertMap(d calc.AlertDetail) map[string]interface{} {
	m := map[string]interface{}{
		"id":            d.Key,
		"name":          d.Name,
		"state":         string(d.State),
		"project_id":    d.ProjectID,
		"snapshot_id":   d.SnapshotID,
		"dependency_id": d.DependencyID,
		"component_id":  d.ComponentID,
		"version":       d.Version,
		"advisory_id":   d.AdvisoryID,
		"needs_review":  d.NeedsReview,
		"severity":      d.Severity.String(),
		"source":        string(d.Source),
		"description":   d.Description,
		"urls":          d.URLs,
		"cvss_score":    d.CVSSScore,
		"created_at":    d.CreatedAt.Format(time.RFC3339),
	}
	if d.ResolvedAt != nil {
		m["resolved_at"] = d.ResolvedAt.Format(time.RFC3339)
	}
	return m
}

func summaryMap(s *model.AlertSummary) map[string]interface{} {
	return map[string]interface{}{
		"project_id":    s.ProjectID,
		"snapshot_id":   s.SnapshotID,
		"critical":      s.Critical,
		"high":          s.High,
		"medium":        s.Medium,
		"low":           s.Low,
		"unknown":       s.Unknown,
		"total":         s.Total,
		"new":           s.New,
		"active":        s.Active,
		"resolved":      s.Resolved,
		"calculated_at": s.CalculatedAt.Format(time.RFC3339),
	}
}
