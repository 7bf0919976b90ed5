package transport

import "net/http"

type router struct {
	h *handler
}

func NewRouter(h *handler) *router {
	return &router{h: h}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("POST /tasks", r.h.createTask)
	mux.HandleFunc("GET /tasks/{id}", r.h.taskInfo)
	mux.HandleFunc("GET /tasks/{id}/download", r.h.download)
	mux.HandleFunc("DELETE /tasks/{id}", r.h.abortTask)
	mux.HandleFunc("PUT /tasks/{id}/parts/{n}", r.h.uploadPart)
	mux.HandleFunc("POST /tasks/{id}/complete", r.h.completeUpload)

	return mux
}

// Handler wires the routes with logging and panic recovery.
func Handler(h *handler) http.Handler {
	return WithRecover(LogMiddleware(NewRouter(h).MountRoutes(http.NewServeMux())))
}
