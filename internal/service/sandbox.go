package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/OpenElevo/ElevoSandbox/internal/agentapi"
	"github.com/OpenElevo/ElevoSandbox/internal/config"
	"github.com/OpenElevo/ElevoSandbox/internal/container"
	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
	"github.com/OpenElevo/ElevoSandbox/internal/model"
	"github.com/OpenElevo/ElevoSandbox/internal/store"
)

// Container labels identifying sandbox containers. These are the
// authoritative reverse lookup from container to sandbox.
const (
	SandboxLabelKey   = "workspace.sandbox.id"
	WorkspaceLabelKey = "workspace.workspace.id"
)

// workspaceMountPath is where the workspace directory appears inside
// sandbox containers.
const workspaceMountPath = "/workspace"

// stopGracePeriod is how long a non-forced delete waits for the container
// to stop before it is killed.
const stopGracePeriod = 10 * time.Second

// CreateSandboxParams are the caller-supplied sandbox attributes.
type CreateSandboxParams struct {
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"name,omitempty"`
	Template    string            `json:"template,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timeout     int64             `json:"timeout,omitempty"` // seconds, 0 = none
}

// SandboxStats augments container stats with agent connectivity.
type SandboxStats struct {
	SandboxID      string  `json:"sandboxId"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryUsage    uint64  `json:"memoryUsage"`
	MemoryLimit    uint64  `json:"memoryLimit"`
	NetworkRxBytes uint64  `json:"networkRxBytes"`
	NetworkTxBytes uint64  `json:"networkTxBytes"`
	AgentConnected bool    `json:"agentConnected"`
}

// SandboxService drives sandbox lifecycle: provisioning a container,
// waiting for its agent to call home, and tearing everything down on
// delete or expiry.
type SandboxService struct {
	store      *store.Store
	runtime    container.Runtime
	registry   *agentapi.Registry
	workspaces *WorkspaceService
	cfg        *config.Config
	log        *logger.Logger
}

// NewSandboxService creates a sandbox service.
func NewSandboxService(s *store.Store, runtime container.Runtime, registry *agentapi.Registry,
	workspaces *WorkspaceService, cfg *config.Config, log *logger.Logger) *SandboxService {
	return &SandboxService{
		store:      s,
		runtime:    runtime,
		registry:   registry,
		workspaces: workspaces,
		cfg:        cfg,
		log:        log,
	}
}

// Create provisions a sandbox: row in starting, container created and
// started with the workspace bound at /workspace, then a bounded wait for
// the agent to attach. The sandbox goes to running even when the agent
// does not attach in time; later RPCs report AgentNotConnected precisely.
func (s *SandboxService) Create(ctx context.Context, params CreateSandboxParams) (*model.Sandbox, error) {
	workspace, err := s.store.GetWorkspace(ctx, params.WorkspaceID)
	if err != nil {
		return nil, err
	}

	if s.cfg.MaxSandboxes > 0 {
		active, err := s.store.CountActiveSandboxes(ctx)
		if err != nil {
			return nil, err
		}
		if active >= int64(s.cfg.MaxSandboxes) {
			return nil, errdefs.SandboxLimitExceeded()
		}
	}

	template := params.Template
	if template == "" {
		template = s.cfg.BaseImage
	}

	sandbox := &model.Sandbox{
		ID:          uuid.New().String(),
		WorkspaceID: workspace.ID,
		Template:    template,
		Timeout:     params.Timeout,
	}
	if params.Name != "" {
		sandbox.Name = &params.Name
	}
	if params.Metadata != nil {
		if data, mErr := json.Marshal(params.Metadata); mErr == nil {
			sandbox.Metadata = data
		}
	}

	env := make(map[string]string, len(params.Env)+3)
	for k, v := range params.Env {
		env[k] = v
	}
	env["WORKSPACE_SANDBOX_ID"] = sandbox.ID
	env["WORKSPACE_WORKSPACE_ID"] = workspace.ID
	env["WORKSPACE_SERVER_ADDR"] = s.cfg.AgentServerAddr
	if data, mErr := json.Marshal(env); mErr == nil {
		sandbox.Env = data
	}

	if err := s.store.CreateSandbox(ctx, sandbox); err != nil {
		return nil, err
	}

	opts := container.CreateOptions{
		Name:  fmt.Sprintf("workspace-%s", sandbox.ID[:8]),
		Image: template,
		Env:   env,
		Binds: map[string]string{
			s.workspaces.WorkspaceDir(workspace.ID): workspaceMountPath,
		},
		WorkingDir: workspaceMountPath,
		Labels: map[string]string{
			SandboxLabelKey:   sandbox.ID,
			WorkspaceLabelKey: workspace.ID,
		},
		NetworkMode: s.cfg.DockerNetwork,
		ExtraHosts:  s.cfg.SandboxExtraHosts,
	}

	// One retry on container creation, then give up and mark the row.
	containerID, err := s.runtime.Create(ctx, opts)
	if err != nil {
		s.log.Warn("container create failed, retrying once", "sandbox_id", sandbox.ID, "error", err)
		containerID, err = s.runtime.Create(ctx, opts)
	}
	if err != nil {
		s.failSandbox(ctx, sandbox.ID, err)
		return nil, err
	}

	if err := s.store.UpdateSandboxContainerID(ctx, sandbox.ID, containerID); err != nil {
		_ = s.runtime.Remove(ctx, containerID, true)
		s.failSandbox(ctx, sandbox.ID, err)
		return nil, err
	}

	if err := s.runtime.Start(ctx, containerID); err != nil {
		if rmErr := s.runtime.Remove(ctx, containerID, true); rmErr != nil {
			s.log.Warn("failed to remove container after start failure",
				"sandbox_id", sandbox.ID, "container_id", containerID, "error", rmErr)
		}
		s.failSandbox(ctx, sandbox.ID, err)
		return nil, err
	}

	if err := s.registry.WaitForConnection(ctx, sandbox.ID, s.cfg.AgentTimeout); err != nil {
		// The container is healthy; the agent may attach later. Later RPCs
		// surface AgentNotConnected precisely.
		s.log.Warn("agent did not attach before timeout", "sandbox_id", sandbox.ID)
	} else {
		s.log.Info("agent attached", "sandbox_id", sandbox.ID)
	}
	if err := s.store.UpdateSandboxState(ctx, sandbox.ID, model.SandboxStateRunning, nil); err != nil {
		return nil, err
	}

	if url, ok := s.exporterURL(workspace); ok {
		if err := s.store.UpdateSandboxNFSURL(ctx, sandbox.ID, url); err != nil {
			s.log.Warn("failed to persist sandbox nfs url", "sandbox_id", sandbox.ID, "error", err)
		}
	}

	return s.store.GetSandbox(ctx, sandbox.ID)
}

// Get returns a sandbox by ID.
func (s *SandboxService) Get(ctx context.Context, id string) (*model.Sandbox, error) {
	return s.store.GetSandbox(ctx, id)
}

// List returns sandboxes newest-first, optionally filtered by state.
func (s *SandboxService) List(ctx context.Context, state string) ([]*model.Sandbox, error) {
	if state != "" && !model.ValidSandboxState(state) {
		return nil, errdefs.InvalidParameter("unknown sandbox state: " + state)
	}
	return s.store.ListSandboxes(ctx, state)
}

// Delete tears a sandbox down. A running sandbox requires force; the
// container gets a graceful stop first unless forced. Unregistering the
// agent connection cancels its in-flight requests before this returns.
// The workspace directory is owned by the workspace and left untouched.
func (s *SandboxService) Delete(ctx context.Context, id string, force bool) error {
	sandbox, err := s.store.GetSandbox(ctx, id)
	if err != nil {
		return err
	}

	if sandbox.State == model.SandboxStateRunning && !force {
		return errdefs.InvalidSandboxState(model.SandboxStateStopped, sandbox.State)
	}

	if err := s.store.UpdateSandboxState(ctx, id, model.SandboxStateStopping, nil); err != nil {
		// Rows already in error or stopped skip the transition and tear
		// down directly.
		if !errdefs.Is(err, errdefs.KindInvalidSandboxState) {
			return err
		}
	}

	if sandbox.ContainerID != nil {
		containerID := *sandbox.ContainerID
		if !force {
			if err := s.runtime.Stop(ctx, containerID, stopGracePeriod); err != nil {
				s.log.Warn("failed to stop container gracefully",
					"sandbox_id", id, "container_id", containerID, "error", err)
			}
		}
		if err := s.runtime.Remove(ctx, containerID, true); err != nil {
			s.log.Error("failed to remove container",
				"sandbox_id", id, "container_id", containerID, "error", err)
			// Continue with deletion anyway
		}
	}

	s.registry.Unregister(id)

	if err := s.store.DeleteSandbox(ctx, id); err != nil {
		return err
	}

	s.log.Info("sandbox deleted", "sandbox_id", id, "force", force)
	return nil
}

// Stats reads container stats for a running sandbox and reports whether
// its agent is attached.
func (s *SandboxService) Stats(ctx context.Context, id string) (*SandboxStats, error) {
	sandbox, err := s.store.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if sandbox.State != model.SandboxStateRunning {
		return nil, errdefs.InvalidSandboxState(model.SandboxStateRunning, sandbox.State)
	}
	if sandbox.ContainerID == nil {
		return nil, errdefs.Internal("sandbox has no container id")
	}

	stats, err := s.runtime.Stats(ctx, *sandbox.ContainerID)
	if err != nil {
		return nil, err
	}

	return &SandboxStats{
		SandboxID:      id,
		CPUPercent:     stats.CPUPercent,
		MemoryUsage:    stats.MemoryUsage,
		MemoryLimit:    stats.MemoryLimit,
		NetworkRxBytes: stats.NetworkRxBytes,
		NetworkTxBytes: stats.NetworkTxBytes,
		AgentConnected: s.registry.IsConnected(id),
	}, nil
}

// Logs streams container logs for a sandbox.
func (s *SandboxService) Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error) {
	sandbox, err := s.store.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if sandbox.ContainerID == nil {
		return nil, errdefs.Internal("sandbox has no container id")
	}
	return s.runtime.Logs(ctx, *sandbox.ContainerID, tail, follow)
}

// CleanupExpired force-deletes running sandboxes whose age exceeds their
// timeout. Returns the ids actually deleted.
func (s *SandboxService) CleanupExpired(ctx context.Context) ([]string, error) {
	expired, err := s.store.GetExpiredSandboxes(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, sandbox := range expired {
		s.log.Info("cleaning up expired sandbox", "sandbox_id", sandbox.ID)
		if err := s.Delete(ctx, sandbox.ID, true); err != nil {
			s.log.Error("failed to delete expired sandbox", "sandbox_id", sandbox.ID, "error", err)
			continue
		}
		deleted = append(deleted, sandbox.ID)
	}
	return deleted, nil
}

// RunExpirySweep loops CleanupExpired until ctx is canceled.
func (s *SandboxService) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx); err != nil {
				s.log.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// IsAgentConnected reports whether the sandbox's agent stream is up.
func (s *SandboxService) IsAgentConnected(id string) bool {
	return s.registry.IsConnected(id)
}

func (s *SandboxService) failSandbox(ctx context.Context, id string, cause error) {
	msg := cause.Error()
	if err := s.store.UpdateSandboxState(ctx, id, model.SandboxStateError, &msg); err != nil {
		s.log.Error("failed to mark sandbox as errored", "sandbox_id", id, "error", err)
	}
}

func (s *SandboxService) exporterURL(workspace *model.Workspace) (string, bool) {
	if workspace.NFSURL != nil && *workspace.NFSURL != "" {
		return *workspace.NFSURL, true
	}
	return "", false
}
