package alerts

import (
	"github.com/graphql-go/graphql"
)

// GetQueryFields returns the alert queries to be mounted in the root schema
func GetQueryFields(r Reader) graphql.Fields {
	return graphql.Fields{
		"snapshotAlerts": &graphql.Field{
			Type: graphql.NewList(AlertType),
			Args: graphql.FieldConfigArgument{
				"snapshotId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return ResolveSnapshotAlerts(p.Context, r, p.Args["snapshotId"].(string))
			},
		},
		"projectAlerts": &graphql.Field{
			Type: graphql.NewList(AlertType),
			Args: graphql.FieldConfigArgument{
				"projectId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return ResolveProjectAlerts(p.Context, r, p.Args["projectId"].(string))
			},
		},
		"alertSummary": &graphql.Field{
			Type: AlertSummaryType,
			Args: graphql.FieldConfigArgument{
				"snapshotId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return ResolveSummary(p.Context, r, p.Args["snapshotId"].(string))
			},
		},
		"projectAlertSummary": &graphql.Field{
			Type: AlertSummaryType,
			Args: graphql.FieldConfigArgument{
				"projectId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return ResolveProjectSummary(p.Context, r, p.Args["projectId"].(string))
			},
		},
		"globalAlertSummary": &graphql.Field{
			Type: AlertSummaryType,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return ResolveGlobalSummary(p.Context, r)
			},
		},
	}
}
