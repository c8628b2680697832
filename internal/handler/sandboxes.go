package handler

import (
	"bufio"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/service"
)

// CreateSandbox provisions a new sandbox.
func (h *Handler) CreateSandbox(w http.ResponseWriter, r *http.Request) {
	var params service.CreateSandboxParams
	if err := h.DecodeJSON(r, &params); err != nil {
		h.Error(w, err)
		return
	}
	if params.WorkspaceID == "" {
		h.Error(w, errdefs.InvalidRequest("workspace_id is required"))
		return
	}

	sandbox, err := h.sandboxService.Create(r.Context(), params)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, sandbox)
}

// ListSandboxes returns sandboxes, optionally filtered by state.
func (h *Handler) ListSandboxes(w http.ResponseWriter, r *http.Request) {
	sandboxes, err := h.sandboxService.List(r.Context(), r.URL.Query().Get("state"))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"sandboxes": sandboxes})
}

// GetSandbox returns one sandbox, annotated with agent connectivity.
func (h *Handler) GetSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sandboxID")
	sandbox, err := h.sandboxService.Get(r.Context(), id)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{
		"sandbox":        sandbox,
		"agentConnected": h.sandboxService.IsAgentConnected(id),
	})
}

// DeleteSandbox tears a sandbox down. ?force=true skips the graceful stop
// and the running-state guard.
func (h *Handler) DeleteSandbox(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.sandboxService.Delete(r.Context(), chi.URLParam(r, "sandboxID"), force); err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}

// SandboxStats returns container stats plus agent connectivity.
func (h *Handler) SandboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sandboxService.Stats(r.Context(), chi.URLParam(r, "sandboxID"))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, stats)
}

// SandboxLogs streams container logs as plain text. ?follow=true keeps the
// stream open; ?tail=N bounds the backlog.
func (h *Handler) SandboxLogs(w http.ResponseWriter, r *http.Request) {
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	follow, _ := strconv.ParseBool(r.URL.Query().Get("follow"))

	reader, err := h.sandboxService.Logs(r.Context(), chi.URLParam(r, "sandboxID"), tail, follow)
	if err != nil {
		h.Error(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if _, err := w.Write(append(scanner.Bytes(), '\n')); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
