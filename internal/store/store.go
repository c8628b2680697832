// Package store provides database operations using GORM. It is the single
// source of truth for sandbox lifecycle state: every state update is
// validated against the allowed transition set before it is persisted.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/model"
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Sandboxes ---

// CreateSandbox inserts a new sandbox row in the starting state. The ID is
// assigned in BeforeCreate when empty.
func (s *Store) CreateSandbox(ctx context.Context, sandbox *model.Sandbox) error {
	sandbox.State = model.SandboxStateStarting
	if err := s.db.WithContext(ctx).Create(sandbox).Error; err != nil {
		return errdefs.DatabaseError(err)
	}
	return nil
}

// GetSandbox returns a sandbox by ID.
func (s *Store) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	var sandbox model.Sandbox
	if err := s.db.WithContext(ctx).First(&sandbox, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errdefs.SandboxNotFound(id)
		}
		return nil, errdefs.DatabaseError(err)
	}
	return &sandbox, nil
}

// ListSandboxes returns sandboxes newest-first, optionally filtered by state.
func (s *Store) ListSandboxes(ctx context.Context, state string) ([]*model.Sandbox, error) {
	var sandboxes []*model.Sandbox
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if err := q.Find(&sandboxes).Error; err != nil {
		return nil, errdefs.DatabaseError(err)
	}
	return sandboxes, nil
}

// UpdateSandboxState persists a state transition. Illegal transitions are
// rejected with an InvalidSandboxState error; the row is untouched.
func (s *Store) UpdateSandboxState(ctx context.Context, id, state string, errorMessage *string) error {
	if !model.ValidSandboxState(state) {
		return errdefs.InvalidParameter("unknown sandbox state: " + state)
	}

	return s.transact(ctx, func(tx *gorm.DB) error {
		var sandbox model.Sandbox
		if err := tx.First(&sandbox, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errdefs.SandboxNotFound(id)
			}
			return errdefs.DatabaseError(err)
		}

		if !model.CanTransition(sandbox.State, state) {
			return errdefs.InvalidSandboxState(state, sandbox.State)
		}

		updates := map[string]any{
			"state":         state,
			"error_message": errorMessage,
			"updated_at":    time.Now().UTC(),
		}
		if err := tx.Model(&model.Sandbox{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return errdefs.DatabaseError(err)
		}
		return nil
	})
}

// UpdateSandboxContainerID records the container backing a sandbox.
func (s *Store) UpdateSandboxContainerID(ctx context.Context, id, containerID string) error {
	return s.updateSandboxColumn(ctx, id, "container_id", containerID)
}

// UpdateSandboxNFSURL records the NFS URL exported for a sandbox.
func (s *Store) UpdateSandboxNFSURL(ctx context.Context, id, nfsURL string) error {
	return s.updateSandboxColumn(ctx, id, "nfs_url", nfsURL)
}

func (s *Store) updateSandboxColumn(ctx context.Context, id, column string, value any) error {
	res := s.db.WithContext(ctx).Model(&model.Sandbox{}).Where("id = ?", id).
		Updates(map[string]any{column: value, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return errdefs.DatabaseError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errdefs.SandboxNotFound(id)
	}
	return nil
}

// DeleteSandbox removes a sandbox row.
func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&model.Sandbox{}, "id = ?", id)
	if res.Error != nil {
		return errdefs.DatabaseError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errdefs.SandboxNotFound(id)
	}
	return nil
}

// CountSandboxesByState counts sandboxes in the given state.
func (s *Store) CountSandboxesByState(ctx context.Context, state string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Sandbox{}).Where("state = ?", state).Count(&count).Error; err != nil {
		return 0, errdefs.DatabaseError(err)
	}
	return count, nil
}

// CountActiveSandboxes counts sandboxes that have not reached a terminal
// state. Used to enforce the sandbox cap.
func (s *Store) CountActiveSandboxes(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("state IN ?", []string{model.SandboxStateStarting, model.SandboxStateRunning, model.SandboxStateStopping}).
		Count(&count).Error
	if err != nil {
		return 0, errdefs.DatabaseError(err)
	}
	return count, nil
}

// GetExpiredSandboxes returns running sandboxes whose age exceeds their
// timeout. Rows with timeout 0 never expire. The age comparison happens in
// Go so the query stays portable across SQLite and Postgres.
func (s *Store) GetExpiredSandboxes(ctx context.Context) ([]*model.Sandbox, error) {
	var candidates []*model.Sandbox
	err := s.db.WithContext(ctx).
		Where("state = ? AND timeout > 0", model.SandboxStateRunning).
		Find(&candidates).Error
	if err != nil {
		return nil, errdefs.DatabaseError(err)
	}

	now := time.Now().UTC()
	var expired []*model.Sandbox
	for _, sb := range candidates {
		if sb.CreatedAt.Add(time.Duration(sb.Timeout) * time.Second).Before(now) {
			expired = append(expired, sb)
		}
	}
	return expired, nil
}

// --- Workspaces ---

// CreateWorkspace inserts a new workspace row.
func (s *Store) CreateWorkspace(ctx context.Context, workspace *model.Workspace) error {
	if err := s.db.WithContext(ctx).Create(workspace).Error; err != nil {
		return errdefs.DatabaseError(err)
	}
	return nil
}

// GetWorkspace returns a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	var workspace model.Workspace
	if err := s.db.WithContext(ctx).First(&workspace, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errdefs.WorkspaceNotFound(id)
		}
		return nil, errdefs.DatabaseError(err)
	}
	return &workspace, nil
}

// ListWorkspaces returns all workspaces newest-first.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*model.Workspace, error) {
	var workspaces []*model.Workspace
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&workspaces).Error; err != nil {
		return nil, errdefs.DatabaseError(err)
	}
	return workspaces, nil
}

// UpdateWorkspaceNFSURL records the NFS URL exported for a workspace.
func (s *Store) UpdateWorkspaceNFSURL(ctx context.Context, id, nfsURL string) error {
	res := s.db.WithContext(ctx).Model(&model.Workspace{}).Where("id = ?", id).
		Updates(map[string]any{"nfs_url": nfsURL, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return errdefs.DatabaseError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errdefs.WorkspaceNotFound(id)
	}
	return nil
}

// DeleteWorkspace removes a workspace row.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&model.Workspace{}, "id = ?", id)
	if res.Error != nil {
		return errdefs.DatabaseError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errdefs.WorkspaceNotFound(id)
	}
	return nil
}

// WorkspaceHasSandboxes reports whether any sandbox references the workspace.
func (s *Store) WorkspaceHasSandboxes(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Sandbox{}).Where("workspace_id = ?", id).Count(&count).Error; err != nil {
		return false, errdefs.DatabaseError(err)
	}
	return count > 0, nil
}

// transact runs fn in a transaction, passing through already-classified
// errors instead of re-wrapping them.
func (s *Store) transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err == nil {
		return nil
	}
	var e *errdefs.Error
	if errors.As(err, &e) {
		return e
	}
	return errdefs.DatabaseError(err)
}
