package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the console router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(SessionMiddleware(a.Session))
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	r.Use(a.httpMetrics.MetricsMiddleware)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{}))

	r.Get("/", a.handleHome)
	r.Get("/login", a.handleLoginForm(false))
	r.Post("/login", a.handleLoginSubmit(false))
	r.Get("/admin/login", a.handleLoginForm(true))
	r.Post("/admin/login", a.handleLoginSubmit(true))
	r.Get("/otp", a.handleOTPForm)
	r.Post("/otp", a.handleOTPSubmit)
	r.Post("/otp/resend", a.handleOTPResend)
	r.Post("/logout", a.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(GuardOptions{}))
		r.Get("/account", a.handleAccount)
		r.Post("/account/password", a.handlePasswordSubmit)
		r.Get("/orders", a.handleOrders)
		if a.Config.Server.DevMode {
			r.Get("/debug/token", a.handleDebugToken)
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(GuardOptions{RequireAdmin: true}))
		r.Get("/admin", a.handleAdmin)
		r.Get("/admin/audit", a.handleAudit)
		r.Post("/admin/password/force", a.handleForcePasswordChange)
	})

	return r
}
