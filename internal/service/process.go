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

// RunCommandOptions configures one command execution inside a sandbox.
type RunCommandOptions struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"` // 0 = default 30s
}

// CommandResult is the collected outcome of one execution.
type CommandResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ProcessService executes commands inside sandboxes via the agent stream.
type ProcessService struct {
	store    *store.Store
	registry *agentapi.Registry
	matcher  *agentapi.Matcher
	log      *logger.Logger
}

// NewProcessService creates a process service.
func NewProcessService(s *store.Store, registry *agentapi.Registry, matcher *agentapi.Matcher, log *logger.Logger) *ProcessService {
	return &ProcessService{store: s, registry: registry, matcher: matcher, log: log}
}

// Run executes a command and waits for its collected output. The armed
// correlation id always resolves: with a result, ProcessTimeout,
// AgentCommunicationError, or AgentNotConnected — never silently.
func (s *ProcessService) Run(ctx context.Context, sandboxID string, opts RunCommandOptions) (*CommandResult, error) {
	if opts.Command == "" {
		return nil, errdefs.InvalidRequest("command is required")
	}
	if err := s.checkSandbox(ctx, sandboxID); err != nil {
		return nil, err
	}

	correlationID := uuid.New().String()
	waiter := s.matcher.Arm(sandboxID, correlationID)

	msg := &agentapi.Message{
		Type: agentapi.TypeRunCommand,
		RunCommand: &agentapi.RunCommand{
			CorrelationID: correlationID,
			Command:       opts.Command,
			Args:          opts.Args,
			Env:           opts.Env,
			Cwd:           opts.Cwd,
			TimeoutMs:     opts.TimeoutMs,
		},
	}
	if err := s.registry.Send(sandboxID, msg); err != nil {
		s.matcher.Cancel(correlationID)
		return nil, err
	}

	s.log.Debug("command dispatched", "sandbox_id", sandboxID,
		"correlation_id", correlationID, "command", opts.Command)

	resp, err := waiter.Wait(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return responseToResult(resp)
}

// Kill delivers a signal to a pid inside the sandbox. Fire-and-forget: no
// correlation wait.
func (s *ProcessService) Kill(ctx context.Context, sandboxID string, pid, signal int) error {
	if err := s.checkSandbox(ctx, sandboxID); err != nil {
		return err
	}
	if signal == 0 {
		signal = 15 // SIGTERM
	}

	msg := &agentapi.Message{
		Type: agentapi.TypeKillProcess,
		KillProcess: &agentapi.KillProcess{
			CorrelationID: uuid.New().String(),
			Pid:           pid,
			Signal:        signal,
		},
	}
	return s.registry.Send(sandboxID, msg)
}

// checkSandbox guards an RPC: the sandbox must exist, be running, and have
// an agent attached.
func (s *ProcessService) checkSandbox(ctx context.Context, sandboxID string) error {
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

// responseToResult converts an agent response into a CommandResult or the
// execution failure it reported.
func responseToResult(resp *agentapi.CommandResponse) (*CommandResult, error) {
	switch {
	case resp.Success != nil:
		return &CommandResult{
			ExitCode: resp.Success.ExitCode,
			Stdout:   resp.Success.Stdout,
			Stderr:   resp.Success.Stderr,
		}, nil
	case resp.Error != nil:
		return nil, errdefs.ProcessExecutionFailed(resp.Error.Message)
	default:
		return nil, errdefs.ProcessExecutionFailed("empty response from agent")
	}
}
