package v1

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"crena/internal/services"
	"crena/internal/stats"
	"crena/internal/users"
)

const defaultStatsWindow = 7 * 24 * time.Hour

// StatsHandler serves the private stats API. Every route behind it requires
// a valid API token whose owner also owns the requested service.
type StatsHandler struct {
	dbManager  cartridge.DBManager
	aggregator *stats.Aggregator
	logger     *slog.Logger
}

func NewStatsHandler(dbManager cartridge.DBManager, aggregator *stats.Aggregator, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{
		dbManager:  dbManager,
		aggregator: aggregator,
		logger:     logger,
	}
}

// APITokenAuth validates the Authorization header against stored API tokens
// and stashes the authenticated user in the request context.
// Expects: Authorization: Bearer <api_token>
func (h *StatsHandler) APITokenAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
				"error": "Expected Authorization: Bearer <api_token>",
			})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
				"error": "API token is empty",
			})
		}

		user, err := users.FindByAPIToken(h.dbManager.GetConnection(), token)
		if err != nil {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid API token",
			})
		}

		// Constant-time recheck, the index lookup above is not timing safe
		if subtle.ConstantTimeCompare([]byte(user.APIToken), []byte(token)) != 1 {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid API token",
			})
		}

		c.Locals("user_id", user.ID)
		return c.Next()
	}
}

// GetStatsAction handles GET /api/v1/services/:uuid/stats.
// Query params: start, end (RFC 3339 or unix seconds), compare=1 for the
// previous-window comparison.
func (h *StatsHandler) GetStatsAction(c *fiber.Ctx) error {
	db := h.dbManager.GetConnection()

	svc, err := services.GetByUUID(db, c.Params("uuid"))
	if err != nil {
		return c.Status(http.StatusNotFound).JSON(fiber.Map{
			"error": "Service not found",
		})
	}

	userID, ok := c.Locals("user_id").(uint)
	if !ok || svc.OwnerID != userID {
		// Deliberately indistinguishable from a missing service
		return c.Status(http.StatusNotFound).JSON(fiber.Map{
			"error": "Service not found",
		})
	}

	end, err := parseTimeParam(c.Query("end"), time.Now())
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid end parameter",
		})
	}
	start, err := parseTimeParam(c.Query("start"), end.Add(-defaultStatsWindow))
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid start parameter",
		})
	}
	if !start.Before(end) {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": "start must be before end",
		})
	}

	if c.Query("compare") == "1" {
		comparison, err := h.aggregator.Compare(db, svc, start, end)
		if err != nil {
			h.logger.Error("Failed to compare stats",
				slog.String("service", svc.UUID),
				slog.Any("error", err))
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to aggregate stats",
			})
		}
		return c.JSON(comparison)
	}

	metrics, err := h.aggregator.Aggregate(db, svc, start, end)
	if err != nil {
		h.logger.Error("Failed to aggregate stats",
			slog.String("service", svc.UUID),
			slog.Any("error", err))
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to aggregate stats",
		})
	}
	return c.JSON(metrics)
}

// ListServicesAction handles GET /api/v1/services, returning the caller's
// services.
func (h *StatsHandler) ListServicesAction(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(uint)
	if !ok {
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
			"error": "Not authenticated",
		})
	}

	list, err := services.ListByOwner(h.dbManager.GetConnection(), userID)
	if err != nil {
		h.logger.Error("Failed to list services", slog.Any("error", err))
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list services",
		})
	}
	return c.JSON(fiber.Map{"services": list})
}

func parseTimeParam(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}
