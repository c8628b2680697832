package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/service"
)

// RunCommand executes a command in the sandbox and returns its collected
// output.
func (h *Handler) RunCommand(w http.ResponseWriter, r *http.Request) {
	var opts service.RunCommandOptions
	if err := h.DecodeJSON(r, &opts); err != nil {
		h.Error(w, err)
		return
	}

	result, err := h.processService.Run(r.Context(), chi.URLParam(r, "sandboxID"), opts)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, result)
}

// KillProcess delivers a signal to a pid in the sandbox.
func (h *Handler) KillProcess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pid    int `json:"pid"`
		Signal int `json:"signal,omitempty"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, err)
		return
	}
	if req.Pid <= 0 {
		h.Error(w, errdefs.InvalidParameter("pid must be positive"))
		return
	}

	if err := h.processService.Kill(r.Context(), chi.URLParam(r, "sandboxID"), req.Pid, req.Signal); err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}
