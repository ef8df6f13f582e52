package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sparlohq/sparlo/internal/api/handler"
	mw "github.com/sparlohq/sparlo/internal/api/middleware"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	Health http.HandlerFunc
	Jobs   *handler.Jobs
	Chat   *handler.Chat
}

// NewRouter builds the chi router with the middleware stack and all routes.
// Job creation and chat responses are the two endpoints that spend LLM
// tokens; only those sit behind the rate limiter.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/health", deps.Health)

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Route("/jobs", func(r chi.Router) {
			r.With(deps.RateLimit.Limit).Post("/", deps.Jobs.Create)

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", deps.Jobs.Get)
				r.Post("/cancel", deps.Jobs.Cancel)
				r.Post("/clarification", deps.Jobs.Clarify)

				r.Get("/chat", deps.Chat.History)
				r.With(deps.RateLimit.Limit).Post("/chat", deps.Chat.Respond)
			})
		})
	})

	return r
}
