// Package router assembles the HTTP surface: global middleware, the public
// auth endpoints and the session, device and role gated API groups.
package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/resellerhub/backend/internal/admin"
	"github.com/resellerhub/backend/internal/auth"
	"github.com/resellerhub/backend/internal/dashboard"
	"github.com/resellerhub/backend/internal/devices"
	"github.com/resellerhub/backend/internal/feed"
	"github.com/resellerhub/backend/internal/handlers"
	"github.com/resellerhub/backend/internal/keys"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/ratelimit"
)

// Handlers are the endpoint groups mounted under /api/v1.
type Handlers struct {
	Auth      *auth.Handler
	Dashboard *dashboard.Handler
	Keys      *keys.Handler
	Devices   *devices.Handler
	Admin     *admin.Handler
	Messages  *handlers.MessageHandler
	Requests  *handlers.RequestHandler
	Media     *handlers.MediaHandler
	Feed      *feed.Handler
}

// Guards are what the access middleware consult.
type Guards struct {
	Tokens   middleware.TokenValidator
	Profiles middleware.ProfileLookup
	Devices  middleware.DeviceVerifier
}

type Options struct {
	AllowedOrigins []string
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// SignupLimiter throttles registrations per client IP when set.
	SignupLimiter ratelimit.Limiter
	Logger        *slog.Logger
}

// New returns the root handler.
//
// Chains: SessionAuth for identity; RequireActive blocks pending, rejected and
// banned accounts; RequireDevice requires an approved device token for
// regular users; RequireRole gates staff routes.
func New(h Handlers, g Guards, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Observe(opts.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	session := middleware.SessionAuth(g.Tokens, g.Profiles)
	device := middleware.RequireDevice(g.Devices)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			if opts.SignupLimiter != nil {
				r.With(middleware.RateLimit(opts.SignupLimiter, middleware.ByIP, opts.Logger)).Post("/register", h.Auth.Register)
			} else {
				r.Post("/register", h.Auth.Register)
			}
			r.Post("/login", h.Auth.Login)
			r.Post("/mfa/verify", h.Auth.VerifyMFA)
			r.Group(func(r chi.Router) {
				r.Use(session)
				r.Post("/totp/enroll", h.Auth.EnrollTOTP)
				r.Post("/totp/activate", h.Auth.ActivateTOTP)
				r.Post("/totp/disable", h.Auth.DisableTOTP)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(session)

			// Reachable while pending or banned so the client can show why.
			r.Get("/me", h.Dashboard.GetMe)
			r.Post("/devices/check-in", h.Devices.CheckIn)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireActive)
				r.Use(device)

				r.Patch("/me/username", h.Dashboard.UpdateUsername)
				r.Put("/me/password", h.Dashboard.ChangePassword)
				r.Put("/me/theme", h.Dashboard.UpdateTheme)
				r.Get("/me/credit-ledger", h.Dashboard.ListCreditLedger)
				r.Get("/me/spin", h.Dashboard.SpinStatus)
				r.Post("/me/spin", h.Dashboard.Spin)
				r.Get("/devices", h.Devices.ListMine)

				r.Route("/keys", func(r chi.Router) {
					r.With(middleware.CreditCheck).Post("/", h.Keys.Create)
					r.Get("/", h.Keys.List)
					r.Post("/sync", h.Keys.Sync)
					mountKeyActions(r, h.Keys)
				})

				r.Get("/support/messages", h.Messages.ListSupport)
				r.Post("/support/messages", h.Messages.PostSupport)
				r.Get("/messages", h.Messages.ListPrivate)
				r.Get("/messages/unread-count", h.Messages.UnreadCount)
				r.Post("/messages/{id}/read", h.Messages.MarkRead)
				r.Get("/requests", h.Requests.List)
				r.Post("/requests", h.Requests.Create)
				r.Post("/media", h.Media.Upload)
				r.Get("/feed", h.Feed.Stream)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(session)
			r.Use(middleware.RequireActive)
			r.Use(middleware.RequireRole(models.RoleAdmin, models.RoleOwner))

			r.Get("/users", h.Admin.ListUsers)
			r.Post("/users/{id}/approve", h.Admin.Approve)
			r.Post("/users/{id}/reject", h.Admin.Reject)
			r.Post("/users/{id}/force-logout", h.Admin.ForceLogout)
			r.Post("/users/{id}/messages", h.Admin.SendMessage)
			r.Get("/users/{id}/keys", h.Keys.ListForUser)

			r.Route("/keys", func(r chi.Router) {
				mountKeyActions(r, h.Keys.Admin())
			})

			r.Get("/requests", h.Admin.ListRequests)
			r.Post("/requests/{id}/respond", h.Admin.RespondToRequest)
			r.Get("/support/{userID}/messages", h.Admin.SupportThread)
			r.Post("/support/{userID}/messages", h.Admin.ReplySupport)

			r.Get("/devices", h.Devices.AdminList)
			r.Post("/devices/{id}/approve", h.Devices.Approve)
			r.Delete("/devices/{id}", h.Devices.Remove)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(models.RoleOwner))
				r.Put("/users/{id}/credits", h.Admin.SetCredits)
				r.Post("/users/{id}/ban", h.Admin.Ban)
				r.Delete("/users/{id}/ban", h.Admin.Unban)
				r.Post("/users/{id}/admin", h.Admin.GrantAdmin)
				r.Delete("/users/{id}/admin", h.Admin.RevokeAdmin)
			})
		})
	})

	return cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.DeviceTokenHeader},
		AllowCredentials: true,
	}).Handler(r)
}

func mountKeyActions(r chi.Router, h *keys.Handler) {
	r.Get("/{code}", h.Details)
	r.Post("/{code}/reset", h.Reset)
	r.Post("/{code}/block", h.Block)
	r.Post("/{code}/unblock", h.Unblock)
	r.Post("/{code}/ban-device", h.BanDevice)
	r.Delete("/{code}", h.Delete)
}
