package journals

import "github.com/go-chi/chi/v5"

// MountRoutes attaches journal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/", h.post)
	r.Post("/drafts", h.createDraft)
	r.Put("/drafts/{id}", h.updateDraft)
	r.Post("/drafts/{id}/post", h.postDraft)
	r.Post("/{id}/void", h.void)
}
