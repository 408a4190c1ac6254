package projects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/ortelius/pdvd-vulncorr/restapi/respond"
	"github.com/ortelius/pdvd-vulncorr/sbom"
	"github.com/ortelius/pdvd-vulncorr/store"
)

// Submitter creates and ingests snapshots
type Submitter interface {
	Submit(ctx context.Context, projectName string, components []model.ObservedComponent, sbom []byte, meta map[string]string) (*model.Snapshot, error)
}

// ListProjects returns every project
func ListProjects(s store.SnapshotStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		projects, err := s.ListProjects(c.UserContext())
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(projects)
	}
}

// CreateProject finds or creates a project by name
func CreateProject(s store.SnapshotStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req CreateProjectRequest
		if err := c.BodyParser(&req); err != nil {
			return respond.BadRequest(c, "Invalid request body")
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			return respond.BadRequest(c, "name is required")
		}

		project, err := s.FindOrCreateProject(c.UserContext(), req.Name)
		if err != nil {
			return respond.Error(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(project)
	}
}

// GetProject returns one project
func GetProject(s store.SnapshotStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		project, err := s.GetProject(c.UserContext(), c.Params("id"))
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(project)
	}
}

// ListSnapshots returns a project's snapshots in sequence order
func ListSnapshots(s store.SnapshotStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		if _, err := s.GetProject(ctx, c.Params("id")); err != nil {
			return respond.Error(c, err)
		}
		snaps, err := s.ListSnapshots(ctx, c.Params("id"))
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(snaps)
	}
}

// SubmitSnapshot creates a snapshot for the project and ingests the posted
// components. The body is either a SubmitSnapshotRequest or a CycloneDX
// JSON/XML document.
func SubmitSnapshot(s store.SnapshotStore, svc Submitter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		project, err := s.GetProject(ctx, c.Params("id"))
		if err != nil {
			return respond.Error(c, err)
		}

		components, raw, meta, err := parseSubmission(c)
		if err != nil {
			return respond.BadRequest(c, err.Error())
		}

		snap, err := svc.Submit(ctx, project.Name, components, raw, meta)
		if err != nil {
			if snap == nil {
				return respond.Error(c, err)
			}
			return c.Status(respond.Status(err)).JSON(SubmitSnapshotResponse{
				Success:  false,
				Message:  err.Error(),
				Snapshot: snap,
			})
		}
		return c.Status(fiber.StatusCreated).JSON(SubmitSnapshotResponse{
			Success:  true,
			Snapshot: snap,
		})
	}
}

func parseSubmission(c *fiber.Ctx) ([]model.ObservedComponent, []byte, map[string]string, error) {
	body := bytes.TrimSpace(c.Body())
	if len(body) == 0 {
		return nil, nil, nil, sbom.ErrEmptyDocument
	}

	if body[0] != '<' && !strings.Contains(c.Get(fiber.HeaderContentType), "cyclonedx") {
		var req SubmitSnapshotRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, nil, nil, fmt.Errorf("invalid request body: %w", err)
		}
		if req.BOMFormat == "" {
			return req.Components, nil, req.Metadata, nil
		}
	}

	doc, err := sbom.FromCycloneDX(bytes.NewReader(body))
	if err != nil {
		return nil, nil, nil, err
	}
	return doc.Components, doc.Raw, doc.Metadata(), nil
}
