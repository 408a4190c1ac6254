package admin

import (
	"github.com/gofiber/fiber/v2"
)

// Scheduler accepts refresh and recalculation requests without blocking
type Scheduler interface {
	RequestRefresh()
	Trigger(projectID string)
	TriggerAll(full bool)
}

// PostRefresh asks the scheduler to import the feed now. The import runs in
// the background and a successful one recalculates every project.
func PostRefresh(s Scheduler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		s.RequestRefresh()
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"success": true,
			"message": "Feed refresh requested",
			"status":  "processing",
		})
	}
}

// PostRecalculate queues alert calculation for one project or all of them
func PostRecalculate(s Scheduler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req RecalculateRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"success": false,
					"message": "Invalid request body",
				})
			}
		}

		if req.ProjectID != "" {
			s.Trigger(req.ProjectID)
		} else {
			s.TriggerAll(req.Full)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"success": true,
			"message": "Recalculation queued",
			"status":  "processing",
		})
	}
}
