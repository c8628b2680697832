package handler

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes builds the API router.
func (h *Handler) Routes(corsOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/agents/connect", h.AgentConnect)

		r.Route("/workspaces", func(r chi.Router) {
			r.Post("/", h.CreateWorkspace)
			r.Get("/", h.ListWorkspaces)
			r.Route("/{workspaceID}", func(r chi.Router) {
				r.Get("/", h.GetWorkspace)
				r.Delete("/", h.DeleteWorkspace)
				r.Get("/files", h.ReadWorkspaceFile)
				r.Put("/files", h.WriteWorkspaceFile)
				r.Delete("/files", h.DeleteWorkspaceFile)
				r.Get("/files/list", h.ListWorkspaceFiles)
				r.Post("/files/mkdir", h.MkdirWorkspace)
			})
		})

		r.Route("/sandboxes", func(r chi.Router) {
			r.Post("/", h.CreateSandbox)
			r.Get("/", h.ListSandboxes)
			r.Route("/{sandboxID}", func(r chi.Router) {
				r.Get("/", h.GetSandbox)
				r.Delete("/", h.DeleteSandbox)
				r.Get("/stats", h.SandboxStats)
				r.Get("/logs", h.SandboxLogs)
				r.Post("/process/run", h.RunCommand)
				r.Post("/process/kill", h.KillProcess)
				r.Route("/ptys", func(r chi.Router) {
					r.Post("/", h.CreatePty)
					r.Route("/{ptyID}", func(r chi.Router) {
						r.Post("/resize", h.ResizePty)
						r.Delete("/", h.KillPty)
						r.Post("/input", h.PtyInput)
						r.Get("/stream", h.PtyStream)
					})
				})
			})
		})
	})

	return r
}

// AgentRoutes builds the router served on the agent port. Only the stream
// endpoint lives here; agents inside containers never see the control API.
func (h *Handler) AgentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/v1/agents/connect", h.AgentConnect)
	return r
}
