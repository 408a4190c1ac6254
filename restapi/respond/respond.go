// Package respond maps domain errors onto HTTP responses.
package respond

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/ortelius/pdvd-vulncorr/snapshot"
	"github.com/ortelius/pdvd-vulncorr/store"
)

// Status returns the HTTP status for an error
func Status(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, alerts.ErrSnapshotNotReady), errors.Is(err, snapshot.ErrInvalidState):
		return fiber.StatusConflict
	case errors.Is(err, snapshot.ErrComponentResolutionFailed):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, alerts.ErrStoreUnavailable), errors.Is(err, snapshot.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// Error writes err as a JSON error body
func Error(c *fiber.Ctx, err error) error {
	return c.Status(Status(err)).JSON(fiber.Map{
		"success": false,
		"message": err.Error(),
	})
}

// BadRequest writes a 400 with the given message
func BadRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"message": msg,
	})
}
