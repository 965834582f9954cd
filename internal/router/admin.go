package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/handlers/admin"
	"github.com/tollgate/tollgate/internal/middleware"
	"github.com/tollgate/tollgate/internal/services/budget"
	"github.com/tollgate/tollgate/internal/services/pricing"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/session"
	"github.com/tollgate/tollgate/internal/services/tags"
	"github.com/tollgate/tollgate/internal/services/usage"
)

type AdminRouterConfig struct {
	Logger    *zap.Logger
	DB        *gorm.DB
	Auth      *auth.Service
	Evaluator *budget.Evaluator
	TagCache  *redissvc.TagCache
	Tags      *tags.Service
	Pricing   *pricing.Service
	Sessions  *session.GormStore
	Tracker   *session.Tracker
	Usage     *usage.Service
}

// NewAdminSubRouter builds the admin API for mounting on the main
// router. Request-scoped middleware is inherited from the parent; only
// admin-key enforcement is added here.
func NewAdminSubRouter(cfg *AdminRouterConfig, authMiddleware *middleware.AuthMiddleware) http.Handler {
	r := chi.NewRouter()
	r.Use(authMiddleware.RequireAdmin)

	tenantHandler := admin.NewTenantHandler(cfg.Logger, cfg.DB)
	keyHandler := admin.NewKeyHandler(cfg.Logger, cfg.DB, cfg.Auth)
	tagHandler := admin.NewTagHandler(cfg.Logger, cfg.Tags)
	budgetHandler := admin.NewBudgetHandler(cfg.Logger, cfg.DB, cfg.Evaluator, cfg.TagCache)
	pricingHandler := admin.NewPricingHandler(cfg.Logger, cfg.DB, cfg.Pricing)
	sessionHandler := admin.NewSessionHandler(cfg.Logger, cfg.Sessions, cfg.Tracker)
	usageHandler := admin.NewUsageHandler(cfg.Logger, cfg.DB, cfg.Usage)

	r.Route("/tenants", func(r chi.Router) {
		r.Get("/", tenantHandler.ListTenants)
		r.Post("/", tenantHandler.CreateTenant)

		r.Route("/{tenantID}", func(r chi.Router) {
			r.Get("/", tenantHandler.GetTenant)
			r.Put("/", tenantHandler.UpdateTenant)
			r.Delete("/", tenantHandler.DeleteTenant)

			r.Get("/usage", usageHandler.GetTenantUsage)

			r.Route("/keys", func(r chi.Router) {
				r.Get("/", keyHandler.ListKeys)
				r.Post("/", keyHandler.CreateKey)
				r.Delete("/{keyID}", keyHandler.DeleteKey)
			})

			r.Route("/tags", func(r chi.Router) {
				r.Get("/", tagHandler.ListTags)
				r.Post("/", tagHandler.CreateTag)

				r.Route("/{tagID}", func(r chi.Router) {
					r.Get("/", tagHandler.GetTag)
					r.Delete("/", tagHandler.DeleteTag)
					r.Put("/move", tagHandler.MoveTag)
					r.Get("/usage", usageHandler.GetTagUsage)

					r.Route("/budgets", func(r chi.Router) {
						r.Get("/", budgetHandler.ListTagBudgets)
						r.Post("/", budgetHandler.CreateTagBudget)
						r.Delete("/{budgetID}", budgetHandler.DeleteTagBudget)
					})
				})
			})

			r.Route("/budgets", func(r chi.Router) {
				r.Get("/", budgetHandler.ListBudgets)
				r.Post("/", budgetHandler.CreateBudget)
				r.Delete("/{budgetID}", budgetHandler.DeleteBudget)
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", sessionHandler.ListSessions)
				r.Get("/{sessionID}", sessionHandler.GetSession)
				r.Post("/{sessionID}/reset", sessionHandler.ResetSession)
			})
		})
	})

	r.Route("/pricing", func(r chi.Router) {
		r.Get("/", pricingHandler.ListPricing)
		r.Put("/", pricingHandler.UpsertPricing)
		r.Delete("/{modelID}", pricingHandler.DeactivatePricing)
	})

	return r
}
