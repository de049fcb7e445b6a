package routes

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/templui/authmail/internal/app"
	"github.com/templui/authmail/internal/handler"
	"github.com/templui/authmail/internal/middleware"
)

func SetupRoutes(app *app.App) http.Handler {
	// Handlers
	authCodes := handler.NewAuthCodeHandler(app.AuthCodeService, app.EmailService, app.Clock)
	health := handler.NewHealthHandler(app.DB)

	mux := http.NewServeMux()

	// ============================================================================
	// PUBLIC ROUTES
	// ============================================================================

	// Probes
	mux.HandleFunc("GET /health", health.Health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}))

	// Code delivery (rate limited per IP)
	rateLimiter := middleware.RateLimitAuth()
	mux.HandleFunc("POST /api/v1/send-confirmation", rateLimiter(authCodes.SendConfirmation))
	mux.HandleFunc("POST /api/v1/send-password-reset", rateLimiter(authCodes.SendPasswordReset))

	// Code validation
	mux.HandleFunc("POST /api/v1/validate-code", authCodes.ValidateCode)

	// ============================================================================
	// ADMIN ROUTES
	// ============================================================================

	requireAdmin := middleware.RequireAdmin(app.Cfg.AdminJWTSecret)
	mux.HandleFunc("GET /api/v1/users/{id}/codes", requireAdmin(authCodes.UserCodes))

	// ============================================================================
	// FALLBACK
	// ============================================================================

	// 404
	mux.HandleFunc("/{path...}", handler.NotFound)

	// Global middleware - executed in order (top to bottom)
	handler := middleware.Chain(
		mux,
		middleware.Config(app.Cfg),
		middleware.RequestLogging,
		middleware.NoStore,
	)

	return handler
}
