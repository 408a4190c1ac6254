// Package api builds the HTTP server: middleware, health, metrics, REST and GraphQL.
package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/ortelius/pdvd-vulncorr/graphql"
	"github.com/ortelius/pdvd-vulncorr/internal/metrics"
	"github.com/ortelius/pdvd-vulncorr/restapi"
)

// Options configure the HTTP server
type Options struct {
	// AllowOrigins is the CORS origin list, comma separated
	AllowOrigins string
	// RequestLog enables the access log middleware
	RequestLog bool
	// Metrics is served at /metrics when set
	Metrics *metrics.Metrics
}

// NewFiberApp creates and configures a Fiber app with REST and GraphQL routes
func NewFiberApp(deps restapi.Deps, opts Options) (*fiber.App, error) {
	schema, err := graphql.CreateSchema(deps.Store, deps.Alerts)
	if err != nil {
		return nil, fmt.Errorf("failed to create GraphQL schema: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               "pdvd-vulncorr API v1.0",
		BodyLimit:             50 * 1024 * 1024, // SBOM uploads
		ReadTimeout:           60 * time.Second,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(fiberrecover.New())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	origins := opts.AllowOrigins
	if origins == "" {
		origins = "http://localhost:3000,http://localhost:4000,http://127.0.0.1:3000,http://127.0.0.1:4000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With",
		AllowCredentials: true,
		AllowMethods:     "GET, POST, HEAD, OPTIONS",
	}))

	if opts.RequestLog {
		app.Use(func(c *fiber.Ctx) error {
			c.Locals("graphql_op", "-")
			return c.Next()
		})
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} - ${latency} ${method} ${path} ${locals:graphql_op}\n",
		}))
	}

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}

	restapi.SetupRoutes(app, deps, schema)

	return app, nil
}
