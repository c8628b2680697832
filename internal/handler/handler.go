// Package handler contains the HTTP and websocket handlers.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/OpenElevo/ElevoSandbox/internal/agentapi"
	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
	"github.com/OpenElevo/ElevoSandbox/internal/service"
	"github.com/OpenElevo/ElevoSandbox/internal/store"
)

// Handler contains all HTTP handlers.
type Handler struct {
	store            *store.Store
	registry         *agentapi.Registry
	matcher          *agentapi.Matcher
	ptyBroker        *agentapi.PtyBroker
	sandboxService   *service.SandboxService
	workspaceService *service.WorkspaceService
	processService   *service.ProcessService
	ptyService       *service.PtyService
	log              *logger.Logger
}

// New creates a Handler wired to the given services.
func New(s *store.Store, registry *agentapi.Registry, matcher *agentapi.Matcher, ptyBroker *agentapi.PtyBroker,
	sandboxSvc *service.SandboxService, workspaceSvc *service.WorkspaceService,
	processSvc *service.ProcessService, ptySvc *service.PtyService, log *logger.Logger) *Handler {
	return &Handler{
		store:            s,
		registry:         registry,
		matcher:          matcher,
		ptyBroker:        ptyBroker,
		sandboxService:   sandboxSvc,
		workspaceService: workspaceSvc,
		processService:   processSvc,
		ptyService:       ptySvc,
		log:              log,
	}
}

// JSON writes a JSON response.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes an error response with the taxonomy's code and status.
func (h *Handler) Error(w http.ResponseWriter, err error) {
	e := errdefs.As(err)
	h.JSON(w, e.HTTPStatus(), map[string]any{
		"code":    e.Code(),
		"message": e.Message,
	})
}

// DecodeJSON decodes a request body, reporting malformed input as
// InvalidRequest.
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.InvalidRequest("malformed JSON body")
	}
	return nil
}
