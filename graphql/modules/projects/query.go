package projects

import (
	"github.com/graphql-go/graphql"
	"github.com/ortelius/pdvd-vulncorr/store"
)

// GetQueryFields returns the project queries to be mounted in the root schema
func GetQueryFields(s store.SnapshotStore) graphql.Fields {
	projectType := NewProjectType(s)

	return graphql.Fields{
		"projects": &graphql.Field{
			Type: graphql.NewList(projectType),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return ResolveProjects(p.Context, s)
			},
		},
		"project": &graphql.Field{
			Type: projectType,
			Args: graphql.FieldConfigArgument{
				"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return ResolveProject(p.Context, s, p.Args["id"].(string))
			},
		},
		"snapshot": &graphql.Field{
			Type: SnapshotType,
			Args: graphql.FieldConfigArgument{
				"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return ResolveSnapshot(p.Context, s, p.Args["id"].(string))
			},
		},
	}
}
