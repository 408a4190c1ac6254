// Package restapi provides the REST routes and the GraphQL endpoint.
package restapi

import (
	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"
	"github.com/ortelius/pdvd-vulncorr/restapi/modules/admin"
	"github.com/ortelius/pdvd-vulncorr/restapi/modules/alerts"
	"github.com/ortelius/pdvd-vulncorr/restapi/modules/projects"
	"github.com/ortelius/pdvd-vulncorr/restapi/modules/snapshots"
	"github.com/ortelius/pdvd-vulncorr/store"
)

// Deps are the services the routes read from and write to
type Deps struct {
	Store     store.SnapshotStore
	Snapshots interface {
		projects.Submitter
		snapshots.Reader
	}
	Alerts alerts.Reader
	// Scheduler is optional. Without it the admin routes are not mounted.
	Scheduler admin.Scheduler
}

// SetupRoutes configures all REST API routes and the GraphQL endpoint
func SetupRoutes(app *fiber.App, deps Deps, schema graphql.Schema) {
	api := app.Group("/api/v1")

	api.Post("/graphql", GraphQLHandler(schema))

	// Projects
	projectGroup := api.Group("/projects")
	projectGroup.Get("/", projects.ListProjects(deps.Store))
	projectGroup.Post("/", projects.CreateProject(deps.Store))
	projectGroup.Get("/:id", projects.GetProject(deps.Store))
	projectGroup.Get("/:id/snapshots", projects.ListSnapshots(deps.Store))
	projectGroup.Post("/:id/snapshots", projects.SubmitSnapshot(deps.Store, deps.Snapshots))
	projectGroup.Get("/:id/alerts", alerts.ProjectAlerts(deps.Alerts))
	projectGroup.Get("/:id/summary", alerts.ProjectSummary(deps.Alerts))

	// Snapshots
	snapshotGroup := api.Group("/snapshots")
	snapshotGroup.Get("/:id", snapshots.GetSnapshot(deps.Snapshots))
	snapshotGroup.Get("/:id/alerts", alerts.SnapshotAlerts(deps.Alerts))
	snapshotGroup.Get("/:id/summary", alerts.SnapshotSummary(deps.Alerts))
	snapshotGroup.Get("/:id/diff/:other", snapshots.DiffSnapshots(deps.Snapshots))

	api.Get("/alerts/summary", alerts.GlobalSummary(deps.Alerts))

	if deps.Scheduler != nil {
		adminGroup := api.Group("/admin")
		adminGroup.Post("/refresh", admin.PostRefresh(deps.Scheduler))
		adminGroup.Post("/recalculate", admin.PostRecalculate(deps.Scheduler))
	}
}
