package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", h.HealthCheck)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.SubmitTask)
		r.Get("/{id}", h.GetTask)
	})

	r.Get("/outputs/{code}/{file}", h.ServeOutput)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.AdminOnly)

		r.Get("/tasks", h.ListTasks)
		r.Put("/tasks/{id}/priority", h.UpdatePriority)
		r.Post("/tasks/{id}/retry", h.RetryTask)
		r.Delete("/tasks/{id}", h.DeleteTask)

		r.Get("/invites", h.ListInvites)
		r.Post("/invites", h.CreateInvite)

		r.Put("/password", h.ChangePassword)
	})

	return r
}
