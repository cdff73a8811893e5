// Package httpapi is the small ops surface this repository owns:
// liveness/readiness probes and a read-only dead-letter job view.
// Tenant/admin HTTP, auth, and routing-rule CRUD are an external
// collaborator's concern and are out of scope here, mirroring the
// teacher's adapter/in/http health handler shape.
package httpapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ossmail/ingestor/internal/jobqueue"
)

type Server struct {
	db    *pgxpool.Pool
	redis *redis.Client
	jobs  *jobqueue.Queue
}

func New(db *pgxpool.Pool, redisClient *redis.Client, jobs *jobqueue.Queue) *Server {
	return &Server{db: db, redis: redisClient, jobs: jobs}
}

func (s *Server) Register(app *fiber.App) {
	app.Get("/healthz", s.healthz)
	app.Get("/debug/jobs", s.debugJobs)
}

func (s *Server) healthz(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if err := s.db.Ping(ctx); err != nil {
		checks["postgres"] = "unhealthy: " + err.Error()
		healthy = false
	} else {
		checks["postgres"] = "healthy"
	}

	if err := s.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unhealthy: " + err.Error()
		healthy = false
	} else {
		checks["redis"] = "healthy"
	}

	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"status":    healthyLabel(healthy),
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func healthyLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}

// debugJobs is a read-only dead-letter peek; it never requeues or
// mutates a job, since operator actions on jobs are an external
// collaborator's concern.
func (s *Server) debugJobs(c *fiber.Ctx) error {
	if c.Query("status", "failed") != "failed" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "only status=failed is supported"})
	}

	limit := c.QueryInt("limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	jobs, err := s.jobs.DeadLetter(c.Context(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"jobs": jobs, "count": len(jobs)})
}
