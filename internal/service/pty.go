package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/OpenElevo/ElevoSandbox/internal/agentapi"
	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
	"github.com/OpenElevo/ElevoSandbox/internal/model"
	"github.com/OpenElevo/ElevoSandbox/internal/store"
)

// Default PTY dimensions when the caller leaves them unset.
const (
	defaultPtyCols = 80
	defaultPtyRows = 24
)

// PtyOptions configures PTY creation.
type PtyOptions struct {
	Cols  uint16            `json:"cols,omitempty"`
	Rows  uint16            `json:"rows,omitempty"`
	Shell string            `json:"shell,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

// PtyInfo describes a created PTY.
type PtyInfo struct {
	ID        string `json:"id"`
	SandboxID string `json:"sandboxId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// PtyService manages interactive terminals inside sandboxes via the agent
// stream.
type PtyService struct {
	store    *store.Store
	registry *agentapi.Registry
	matcher  *agentapi.Matcher
	log      *logger.Logger
}

// NewPtyService creates a PTY service.
func NewPtyService(s *store.Store, registry *agentapi.Registry, matcher *agentapi.Matcher, log *logger.Logger) *PtyService {
	return &PtyService{store: s, registry: registry, matcher: matcher, log: log}
}

// Create opens a PTY in the sandbox and waits for the agent's ack.
func (s *PtyService) Create(ctx context.Context, sandboxID string, opts PtyOptions) (*PtyInfo, error) {
	if err := s.checkSandbox(ctx, sandboxID); err != nil {
		return nil, err
	}

	ptyID := uuid.New().String()
	cols := opts.Cols
	if cols == 0 {
		cols = defaultPtyCols
	}
	rows := opts.Rows
	if rows == 0 {
		rows = defaultPtyRows
	}

	resp, err := s.roundTrip(ctx, sandboxID, func(correlationID string) *agentapi.Message {
		return &agentapi.Message{
			Type: agentapi.TypeCreatePty,
			CreatePty: &agentapi.CreatePty{
				CorrelationID: correlationID,
				PtyID:         ptyID,
				Cols:          cols,
				Rows:          rows,
				Shell:         opts.Shell,
				Env:           opts.Env,
			},
		}
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, ptyError(resp.Error)
	}

	s.log.Info("pty created", "sandbox_id", sandboxID, "pty_id", ptyID, "cols", cols, "rows", rows)
	return &PtyInfo{ID: ptyID, SandboxID: sandboxID, Cols: cols, Rows: rows}, nil
}

// Resize posts new dimensions to a PTY. Idempotent.
func (s *PtyService) Resize(ctx context.Context, sandboxID, ptyID string, cols, rows uint16) error {
	if err := s.checkSandbox(ctx, sandboxID); err != nil {
		return err
	}

	resp, err := s.roundTrip(ctx, sandboxID, func(correlationID string) *agentapi.Message {
		return &agentapi.Message{
			Type: agentapi.TypeResizePty,
			ResizePty: &agentapi.ResizePty{
				CorrelationID: correlationID,
				PtyID:         ptyID,
				Cols:          cols,
				Rows:          rows,
			},
		}
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return ptyError(resp.Error)
	}
	return nil
}

// Kill closes a PTY and reaps its child.
func (s *PtyService) Kill(ctx context.Context, sandboxID, ptyID string) error {
	if err := s.checkSandbox(ctx, sandboxID); err != nil {
		return err
	}

	resp, err := s.roundTrip(ctx, sandboxID, func(correlationID string) *agentapi.Message {
		return &agentapi.Message{
			Type: agentapi.TypeKillPty,
			KillPty: &agentapi.KillPty{
				CorrelationID: correlationID,
				PtyID:         ptyID,
			},
		}
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return ptyError(resp.Error)
	}

	s.log.Info("pty killed", "sandbox_id", sandboxID, "pty_id", ptyID)
	return nil
}

// SendInput writes bytes to a PTY. The sandbox state check is skipped for
// latency; connectedness is still required.
func (s *PtyService) SendInput(ctx context.Context, sandboxID, ptyID string, data []byte) error {
	if !s.registry.IsConnected(sandboxID) {
		return errdefs.AgentNotConnected(sandboxID)
	}
	return s.registry.Send(sandboxID, &agentapi.Message{
		Type: agentapi.TypePtyInput,
		PtyInput: &agentapi.PtyInput{
			PtyID: ptyID,
			Data:  data,
		},
	})
}

// roundTrip arms a correlation id, sends the message built for it, and
// waits for the agent's response under the default deadline.
func (s *PtyService) roundTrip(ctx context.Context, sandboxID string, build func(correlationID string) *agentapi.Message) (*agentapi.CommandResponse, error) {
	correlationID := uuid.New().String()
	waiter := s.matcher.Arm(sandboxID, correlationID)

	if err := s.registry.Send(sandboxID, build(correlationID)); err != nil {
		s.matcher.Cancel(correlationID)
		return nil, err
	}
	return waiter.Wait(ctx, 0*time.Second)
}

func (s *PtyService) checkSandbox(ctx context.Context, sandboxID string) error {
	sandbox, err := s.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		return err
	}
	if sandbox.State != model.SandboxStateRunning {
		return errdefs.InvalidSandboxState(model.SandboxStateRunning, sandbox.State)
	}
	if !s.registry.IsConnected(sandboxID) {
		return errdefs.AgentNotConnected(sandboxID)
	}
	return nil
}

// ptyError maps an agent-reported PTY failure onto the error taxonomy by
// message shape. The agent reports misses and the capacity cap as plain
// strings on the wire.
func ptyError(e *agentapi.CommandError) error {
	switch e.Message {
	case "pty not found":
		return errdefs.New(errdefs.KindPtyNotFound, e.Message)
	case "pty limit exceeded":
		return errdefs.PtyLimitExceeded()
	default:
		return errdefs.ProcessExecutionFailed(e.Message)
	}
}
