// Package snapshots implements the REST API handlers for snapshot reads and diffs.
package snapshots

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/restapi/respond"
	"github.com/ortelius/pdvd-vulncorr/snapshot"
	"github.com/ortelius/pdvd-vulncorr/util"
)

// Reader loads snapshots and compares their dependency sets
type Reader interface {
	Get(ctx context.Context, id string) (*model.Snapshot, error)
	Dependencies(ctx context.Context, id string) ([]model.Dependency, error)
	Diff(ctx context.Context, olderID, newerID string) (*snapshot.DiffResult, error)
}

// GetSnapshot returns a snapshot. With ?dependencies=true its dependency set is included.
func GetSnapshot(r Reader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		snap, err := r.Get(ctx, c.Params("id"))
		if err != nil {
			return respond.Error(c, err)
		}
		// the raw document can be large and is not part of the read model
		snap.SBOM = nil

		if !c.QueryBool("dependencies") {
			return c.JSON(snap)
		}
		deps, err := r.Dependencies(ctx, snap.Key)
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(fiber.Map{
			"snapshot":     snap,
			"dependencies": deps,
		})
	}
}

// DiffSnapshots compares the dependency set of :id (older) with :other (newer)
func DiffSnapshots(r Reader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		older, newer := c.Params("id"), c.Params("other")
		for _, id := range []string{older, newer} {
			if util.IsEmpty(id) {
				return respond.BadRequest(c, "snapshot id is required")
			}
			if _, err := r.Get(ctx, id); err != nil {
				return respond.Error(c, err)
			}
		}

		diff, err := r.Diff(ctx, older, newer)
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(fiber.Map{
			"older":     older,
			"newer":     newer,
			"added":     diff.Added.Sorted(),
			"removed":   diff.Removed.Sorted(),
			"unchanged": diff.Unchanged.Sorted(),
		})
	}
}
