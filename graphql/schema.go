// Package graphql assembles the GraphQL schema from the query modules.
package graphql

import (
	"github.com/graphql-go/graphql"
	"github.com/ortelius/pdvd-vulncorr/graphql/modules/alerts"
	"github.com/ortelius/pdvd-vulncorr/graphql/modules/projects"
	"github.com/ortelius/pdvd-vulncorr/store"
)

// CreateSchema builds the read-only schema over the store and the alert reader
func CreateSchema(s store.SnapshotStore, r alerts.Reader) (graphql.Schema, error) {
	fields := graphql.Fields{}
	for _, module := range []graphql.Fields{
		projects.GetQueryFields(s),
		alerts.GetQueryFields(r),
	} {
		for name, field := range module {
			fields[name] = field
		}
	}

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: fields,
		}),
	})
}
