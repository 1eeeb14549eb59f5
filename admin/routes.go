package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the /api routes. authToken may be empty.
func NewRouter(handlers *Handlers, authToken string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(authToken))

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", handlers.handleListSources)
			r.Post("/", handlers.handleCreateSource)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", withSourceID(handlers.handleGetSource))
				r.Put("/", withSourceID(handlers.handleUpdateSource))
				r.Delete("/", withSourceID(handlers.handleDeleteSource))
				r.Post("/test", withSourceID(handlers.handleTestConnection))

				r.Get("/tables", withSourceID(handlers.handleTables))
				r.Get("/tables/{table}", withSourceID(handlers.handleTableStructure))
				r.Get("/topics", withSourceID(handlers.handleTopics))
				r.Get("/schemas", withSourceID(handlers.handleSchemas))
				r.Post("/refresh", withSourceID(handlers.handleRefresh))
			})
		})

		r.Route("/contexts", func(r chi.Router) {
			r.Get("/", handlers.handleListContexts)
			r.Post("/", handlers.handleCreateContext)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", withContextID(handlers.handleGetContext))
				r.Put("/", withContextID(handlers.handleUpdateContext))
				r.Delete("/", withContextID(handlers.handleDeleteContext))
				r.Get("/sources", withContextID(handlers.handleContextSources))
			})
		})

		r.Get("/compare", handlers.handleCompare)
	})

	return r
}

// withSourceID extracts the {id} URL param and calls the handler
func withSourceID(fn func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return withID("source", fn)
}

func withContextID(fn func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return withID("context", fn)
}

func withID(entity string, fn func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(entity, chi.URLParam(r, "id"))
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		fn(w, r, id)
	}
}
