package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	r.Route("/tablets", func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Get("/", handlers.handleListTablets)
		r.Get("/{tabletID}", handlers.wrapWithTabletID(handlers.handleGetTablet))
		r.Post("/{tabletID}/delete_predicates", handlers.wrapWithTabletID(handlers.handleAddDeletePredicate))
		r.Delete("/{tabletID}/delete_predicates/{version}", handlers.wrapWithTabletID(handlers.handleCancelDelete))
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/tablets/*")
}
