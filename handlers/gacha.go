// handlers/gacha.go
package handlers

import (
	"gacha-live-system/middleware"
	"gacha-live-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupGachaRoutes registers the draw, statistics, and live stream routes.
func SetupGachaRoutes(app *fiber.App, gachas *services.GachaService, draws *services.DrawService, stats *services.StatisticsService, streams *services.StreamService) {
	// Fixed-path stream first so :id cannot swallow "stock".
	app.Get("/gachas/stock/stream", middleware.SSEUserContextMiddleware(), streams.StreamAllStock)
	app.Get("/gachas/:id/stock/stream", middleware.SSEUserContextMiddleware(), streams.StreamGachaStock)

	app.Get("/gachas/:id", gachas.GetGachaHandler)
	app.Get("/gachas/:id/stats", stats.GachaStatsHandler)
	app.Get("/dashboard/stats", stats.DashboardStatsHandler)

	// 🔐 Secured routes — require user context from the Gateway
	securedGroup := app.Group("/", middleware.UserContextMiddleware())
	securedGroup.Post("/gachas/:id/draw", draws.DrawHandler)

	adminGroup := app.Group("/admin", middleware.UserContextMiddleware())
	adminGroup.Post("/stats/refresh", stats.RefreshStatsHandler)
}
