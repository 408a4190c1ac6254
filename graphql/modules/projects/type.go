// Package projects defines the GraphQL types and queries for projects and snapshots.
package projects

import (
	"time"

	"github.com/graphql-go/graphql"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/store"
)

// SnapshotType represents one point-in-time SBOM of a project
var SnapshotType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Snapshot",
	Fields: graphql.Fields{
		"id":                   &graphql.Field{Type: graphql.String},
		"project_id":           &graphql.Field{Type: graphql.String},
		"sequence":             &graphql.Field{Type: graphql.Int},
		"state":                &graphql.Field{Type: graphql.String},
		"error":                &graphql.Field{Type: graphql.String},
		"components_observed":  &graphql.Field{Type: graphql.String},
		"alerts_calculated_at": &graphql.Field{Type: graphql.String},
		"created_at":           &graphql.Field{Type: graphql.String},
	},
})

// NewProjectType builds the Project type. Its snapshots are loaded on demand.
func NewProjectType(s store.SnapshotStore) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: "Project",
		Fields: graphql.Fields{
			"id":          &graphql.Field{Type: graphql.String},
			"name":        &graphql.Field{Type: graphql.String},
			"description": &graphql.Field{Type: graphql.String},
			"created_at":  &graphql.Field{Type: graphql.String},
			"snapshots": &graphql.Field{
				Type: graphql.NewList(SnapshotType),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					project, _ := p.Source.(map[string]interface{})
					id, _ := project["id"].(string)
					return ResolveSnapshots(p.Context, s, id)
				},
			},
		},
	})
}

func projectMap(p model.Project) map[string]interface{} {
	return map[string]interface{}{
		"id":          p.Key,
		"name":        p.Name,
		"description": p.Description,
		"created_at":  p.CreatedAt.Format(time.RFC3339),
	}
}

func snapshotMap(s model.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"id":                   s.Key,
		"project_id":           s.ProjectID,
		"sequence":             int(s.Sequence),
		"state":                string(s.State),
		"error":                s.Error,
		"components_observed":  s.Metadata[model.MetaComponentObserved],
		"alerts_calculated_at": s.Metadata[model.MetaAlertsCalculated],
		"created_at":           s.CreatedAt.Format(time.RFC3339),
	}
}
