// Package internal contains core application wiring.
package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	v1 "crena/api/v1"
	"crena/internal/config"
)

// publicCORSConfig is shared by every collection endpoint. Trackers run on
// arbitrary third-party origins, so this has to stay permissive.
var publicCORSConfig = cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Referrer, User-Agent, DNT, Sec-GPC",
}

// MountRoutes mounts the collection endpoints and the stats API.
func MountRoutes(app *fiber.App, cfg *config.Config, ingress *v1.IngressHandler, statsAPI *v1.StatsHandler) {
	// Rate limiting only bites in production; in development and test it
	// just gets in the way.
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// 70/min per IP absorbs heartbeat traffic from legitimate embeds while
	// capping abuse.
	publicRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(70),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "timestamp": time.Now()})
	})

	ingressGroup := app.Group("/ingress",
		cors.New(publicCORSConfig),
		publicRateLimiter,
	)
	ingressGroup.Get("/:uuid/pixel.gif", ingress.PixelAction)
	ingressGroup.Post("/:uuid/script", ingress.ScriptAction)
	ingressGroup.Get("/:uuid/script.js", ingress.TrackerScriptAction)

	apiGroup := app.Group("/api/v1", statsAPI.APITokenAuth())
	apiGroup.Get("/services", statsAPI.ListServicesAction)
	apiGroup.Get("/services/:uuid/stats", statsAPI.GetStatsAction)
}
