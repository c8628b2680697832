package handler

import (
	"net/http"

	"github.com/OpenElevo/ElevoSandbox/internal/model"
	"github.com/OpenElevo/ElevoSandbox/internal/version"
)

// Health reports server liveness, the build version, per-state sandbox
// counts, and the number of attached agents.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int64{}
	for _, state := range []string{
		model.SandboxStateStarting, model.SandboxStateRunning,
		model.SandboxStateStopping, model.SandboxStateStopped, model.SandboxStateError,
	} {
		n, err := h.store.CountSandboxesByState(r.Context(), state)
		if err != nil {
			h.Error(w, err)
			return
		}
		counts[state] = n
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         version.Get(),
		"sandboxes":       counts,
		"agentsConnected": len(h.registry.ConnectedSandboxes()),
	})
}
