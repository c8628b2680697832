// Package service implements the business layer between the HTTP handlers
// and the store, the container runtime, and the agent stream.
package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
	"github.com/OpenElevo/ElevoSandbox/internal/model"
	"github.com/OpenElevo/ElevoSandbox/internal/nfs"
	"github.com/OpenElevo/ElevoSandbox/internal/store"
)

// CreateWorkspaceParams are the caller-supplied workspace attributes.
type CreateWorkspaceParams struct {
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FileInfo describes one directory entry.
type FileInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Type       string    `json:"type"` // "file" or "directory"
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// WorkspaceService manages workspace lifecycle and file operations. Each
// workspace owns a directory under the configured root, exported over NFS
// for sandboxes to mount.
type WorkspaceService struct {
	store    *store.Store
	exporter nfs.Exporter
	rootDir  string
	log      *logger.Logger
}

// NewWorkspaceService creates a workspace service rooted at rootDir.
func NewWorkspaceService(s *store.Store, exporter nfs.Exporter, rootDir string, log *logger.Logger) *WorkspaceService {
	return &WorkspaceService{store: s, exporter: exporter, rootDir: rootDir, log: log}
}

// Create inserts the workspace row, creates its host directory, and
// exports it. A failed directory create rolls the row back; a failed
// export is non-fatal (the URL stays unset).
func (s *WorkspaceService) Create(ctx context.Context, params CreateWorkspaceParams) (*model.Workspace, error) {
	ws := &model.Workspace{}
	if params.Name != "" {
		ws.Name = &params.Name
	}
	if params.Metadata != nil {
		data, err := json.Marshal(params.Metadata)
		if err != nil {
			return nil, errdefs.InvalidParameter("metadata is not serializable")
		}
		ws.Metadata = data
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}

	dir := s.WorkspaceDir(ws.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.log.Error("failed to create workspace directory", "workspace_id", ws.ID, "error", err)
		_ = s.store.DeleteWorkspace(ctx, ws.ID)
		return nil, errdefs.Internal("failed to create workspace directory: " + err.Error())
	}

	if url, err := s.exporter.Export(ctx, ws.ID, dir); err != nil {
		s.log.Warn("failed to export workspace", "workspace_id", ws.ID, "error", err)
	} else if err := s.store.UpdateWorkspaceNFSURL(ctx, ws.ID, url); err != nil {
		s.log.Warn("failed to persist workspace nfs url", "workspace_id", ws.ID, "error", err)
	}

	return s.store.GetWorkspace(ctx, ws.ID)
}

// Get returns a workspace by ID.
func (s *WorkspaceService) Get(ctx context.Context, id string) (*model.Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

// List returns all workspaces newest-first.
func (s *WorkspaceService) List(ctx context.Context) ([]*model.Workspace, error) {
	return s.store.ListWorkspaces(ctx)
}

// Delete removes a workspace. Refused while any sandbox references it.
func (s *WorkspaceService) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		return err
	}

	hasSandboxes, err := s.store.WorkspaceHasSandboxes(ctx, id)
	if err != nil {
		return err
	}
	if hasSandboxes {
		return errdefs.WorkspaceHasActiveSandboxes()
	}

	s.exporter.Unexport(ctx, id)

	dir := s.WorkspaceDir(id)
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn("failed to remove workspace directory", "workspace_id", id, "error", err)
	}

	return s.store.DeleteWorkspace(ctx, id)
}

// WorkspaceDir returns the host directory owned by a workspace.
func (s *WorkspaceService) WorkspaceDir(id string) string {
	return filepath.Join(s.rootDir, id)
}

// --- File operations ---

// resolvePath maps a caller path onto the workspace directory. Parent
// components are stripped and the result must stay under the workspace
// root.
func (s *WorkspaceService) resolvePath(workspaceID, path string) (string, error) {
	root := s.WorkspaceDir(workspaceID)

	var parts []string
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		parts = append(parts, part)
	}
	full := filepath.Join(append([]string{root}, parts...)...)

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errdefs.PathNotAllowed(path)
	}
	return full, nil
}

// ReadFile returns a file's content.
func (s *WorkspaceService) ReadFile(ctx context.Context, workspaceID, path string) ([]byte, error) {
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	full, err := s.resolvePath(workspaceID, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, errdefs.FileNotFound(path)
	}
	if err != nil {
		return nil, errdefs.Internal(err.Error())
	}
	if info.IsDir() {
		return nil, errdefs.Newf(errdefs.KindInvalidPath, "not a file: %s", path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, errdefs.Internal(err.Error())
	}
	return data, nil
}

// WriteFile writes content, creating parent directories as needed.
func (s *WorkspaceService) WriteFile(ctx context.Context, workspaceID, path string, content []byte) error {
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	full, err := s.resolvePath(workspaceID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return errdefs.Internal(err.Error())
	}
	if err := os.WriteFile(full, content, 0644); err != nil {
		return errdefs.Internal(err.Error())
	}
	return nil
}

// ListFiles returns directory entries at path.
func (s *WorkspaceService) ListFiles(ctx context.Context, workspaceID, path string) ([]FileInfo, error) {
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	full, err := s.resolvePath(workspaceID, path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, errdefs.FileNotFound(path)
	}
	if err != nil {
		return nil, errdefs.Internal(err.Error())
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fileType := "file"
		if entry.IsDir() {
			fileType = "directory"
		}
		files = append(files, FileInfo{
			Name:       entry.Name(),
			Path:       filepath.ToSlash(filepath.Join(path, entry.Name())),
			Type:       fileType,
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return files, nil
}

// DeleteFile removes a file or directory tree.
func (s *WorkspaceService) DeleteFile(ctx context.Context, workspaceID, path string) error {
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	full, err := s.resolvePath(workspaceID, path)
	if err != nil {
		return err
	}
	if full == s.WorkspaceDir(workspaceID) {
		return errdefs.PathNotAllowed(path)
	}
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return errdefs.FileNotFound(path)
	}
	if err := os.RemoveAll(full); err != nil {
		return errdefs.Internal(err.Error())
	}
	return nil
}

// Mkdir creates a directory (and parents) at path.
func (s *WorkspaceService) Mkdir(ctx context.Context, workspaceID, path string) error {
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	full, err := s.resolvePath(workspaceID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return errdefs.Internal(err.Error())
	}
	return nil
}
