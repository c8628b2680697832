package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/service"
)

// CreateWorkspace creates a workspace.
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var params service.CreateWorkspaceParams
	if err := h.DecodeJSON(r, &params); err != nil {
		h.Error(w, err)
		return
	}

	workspace, err := h.workspaceService.Create(r.Context(), params)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, workspace)
}

// ListWorkspaces returns all workspaces.
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.workspaceService.List(r.Context())
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

// GetWorkspace returns one workspace.
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	workspace, err := h.workspaceService.Get(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, workspace)
}

// DeleteWorkspace deletes a workspace with no sandboxes attached.
func (h *Handler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := h.workspaceService.Delete(r.Context(), chi.URLParam(r, "workspaceID")); err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}

// ReadWorkspaceFile returns file content as an octet stream.
func (h *Handler) ReadWorkspaceFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		h.Error(w, errdefs.InvalidRequest("path query parameter is required"))
		return
	}

	data, err := h.workspaceService.ReadFile(r.Context(), chi.URLParam(r, "workspaceID"), path)
	if err != nil {
		h.Error(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// WriteWorkspaceFile writes the request body to a file.
func (h *Handler) WriteWorkspaceFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		h.Error(w, errdefs.InvalidRequest("path query parameter is required"))
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		h.Error(w, errdefs.InvalidRequest("failed to read body"))
		return
	}

	if err := h.workspaceService.WriteFile(r.Context(), chi.URLParam(r, "workspaceID"), path, content); err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}

// DeleteWorkspaceFile removes a file or directory.
func (h *Handler) DeleteWorkspaceFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		h.Error(w, errdefs.InvalidRequest("path query parameter is required"))
		return
	}

	if err := h.workspaceService.DeleteFile(r.Context(), chi.URLParam(r, "workspaceID"), path); err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}

// ListWorkspaceFiles lists a directory.
func (h *Handler) ListWorkspaceFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.workspaceService.ListFiles(r.Context(), chi.URLParam(r, "workspaceID"), r.URL.Query().Get("path"))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"files": files})
}

// MkdirWorkspace creates a directory.
func (h *Handler) MkdirWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, err)
		return
	}
	if req.Path == "" {
		h.Error(w, errdefs.InvalidRequest("path is required"))
		return
	}

	if err := h.workspaceService.Mkdir(r.Context(), chi.URLParam(r, "workspaceID"), req.Path); err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}
