/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logging:    Request-scoped slog logger and one line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the club's frontend

ROUTE GROUPS:
  /api/members/*     Members, pending slots, payments
  /api/plans/*       Plan management
  /api/records/*     Review queue and corrections
  /api/evidence/*    Signed evidence downloads
  /api/imports       Historical spreadsheets
  /api/reports/*     Dashboards and export
  /api/scenarios/*   Demo scenarios
  /healthz           Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/dues-engine/logging"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerActorID, headerActorRole},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.CreateMember)
			r.Get("/{id}", h.GetMember)
			r.Delete("/{id}", h.DeactivateMember)
			r.Get("/{id}/records", h.GetMemberRecords)
			r.Get("/{id}/plans/{planId}/pending", h.GetPending)
			r.Post("/{id}/plans/{planId}/payments", h.RecordPayments)
		})

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Post("/presets", h.CreatePresetPlans)
			r.Get("/{id}", h.GetPlan)
			r.Put("/{id}", h.UpdatePlan)
			r.Delete("/{id}", h.DeactivatePlan)
		})

		r.Route("/records", func(r chi.Router) {
			r.Get("/", h.ListRecords)
			r.Patch("/{id}", h.ReviewRecord)
			r.Delete("/{id}", h.DeleteRecord)
			r.Get("/{id}/evidence", h.GetEvidenceURL)
		})

		r.Get("/evidence/{token}", h.DownloadEvidence)
		r.Post("/imports", h.ImportRecords)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/{year}", h.GetYearReport)
			r.Get("/{year}/export.xlsx", h.ExportYearReport)
			r.Get("/{year}/{month}", h.GetMonthReport)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
