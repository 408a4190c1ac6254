// Package alerts implements the REST API handlers for alerts and alert summaries.
package alerts

import (
	"context"

	"github.com/gofiber/fiber/v2"
	calc "github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/restapi/respond"
)

// Reader is the read side of the alert calculator
type Reader interface {
	AlertsForSnapshot(ctx context.Context, snapshotID string) ([]calc.AlertDetail, error)
	AlertsForProject(ctx context.Context, projectID string) ([]calc.AlertDetail, error)
	Summary(ctx context.Context, snapshotID string) (*model.AlertSummary, error)
	ProjectSummary(ctx context.Context, projectID string) (*model.AlertSummary, error)
	GlobalSummary(ctx context.Context) (*model.AlertSummary, error)
}

// filter keeps the alerts matching ?state= and ?open=true
func filter(c *fiber.Ctx, list []calc.AlertDetail) []calc.AlertDetail {
	state := model.AlertState(c.Query("state"))
	openOnly := c.QueryBool("open")
	if state == "" && !openOnly {
		return list
	}

	out := make([]calc.AlertDetail, 0, len(list))
	for _, a := range list {
		if state != "" && a.State != state {
			continue
		}
		if openOnly && !a.State.Open() {
			continue
		}
		out = append(out, a)
	}
	return out
}

// SnapshotAlerts lists a snapshot's alerts, most severe first
func SnapshotAlerts(r Reader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := r.AlertsForSnapshot(c.UserContext(), c.Params("id"))
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(filter(c, list))
	}
}

// ProjectAlerts lists the alerts of a project's latest completed snapshot
func ProjectAlerts(r Reader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := r.AlertsForProject(c.UserContext(), c.Params("id"))
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(filter(c, list))
	}
}

// SnapshotSummary counts a snapshot's open alerts per severity
func SnapshotSummary(r Reader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sum, err := r.Summary(c.UserContext(), c.Params("id"))
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(sum)
	}
}

// ProjectSummary counts the open alerts of a project's latest completed snapshot
func ProjectSummary(r Reader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sum, err := r.ProjectSummary(c.UserContext(), c.Params("id"))
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(sum)
	}
}

// GlobalSummary counts open alerts across every project
func GlobalSummary(r Reader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sum, err := r.GlobalSummary(c.UserContext())
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(sum)
	}
}
