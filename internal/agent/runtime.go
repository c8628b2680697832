// Package agent implements the in-sandbox runtime: a websocket client
// that maintains the server stream with capped-backoff reconnect and
// dispatches commands to the process executor and the PTY manager.
package agent

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenElevo/ElevoSandbox/internal/agent/executor"
	"github.com/OpenElevo/ElevoSandbox/internal/agent/ptymgr"
	"github.com/OpenElevo/ElevoSandbox/internal/agentapi"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
	"github.com/OpenElevo/ElevoSandbox/internal/version"
)

const (
	// DefaultServerAddr is dialed when WORKSPACE_SERVER_ADDR is unset.
	DefaultServerAddr = "http://172.17.0.1:9090"

	streamPath = "/v1/agents/connect"

	heartbeatInterval     = 30 * time.Second
	connectTimeout        = 30 * time.Second
	handshakeAckTimeout   = 10 * time.Second
	reconnectInitialDelay = 1 * time.Second
	reconnectMaxDelay     = 60 * time.Second

	// outboundBuffer bounds the agent-side send queue; overflow drops the
	// frame rather than stalling a dispatcher.
	outboundBuffer = 100
)

// Config is the agent's environment contract.
type Config struct {
	ServerAddr string
	SandboxID  string
	MaxPtys    int
}

// LoadConfig reads the agent configuration from the environment. A missing
// sandbox id is fatal.
func LoadConfig() (*Config, error) {
	sandboxID := os.Getenv("WORKSPACE_SANDBOX_ID")
	if sandboxID == "" {
		return nil, fmt.Errorf("WORKSPACE_SANDBOX_ID environment variable is required")
	}

	addr := os.Getenv("WORKSPACE_SERVER_ADDR")
	if addr == "" {
		addr = DefaultServerAddr
	}

	return &Config{
		ServerAddr: addr,
		SandboxID:  sandboxID,
		MaxPtys:    ptymgr.DefaultMaxPtys,
	}, nil
}

// Runner owns the connection loop. The PTY manager outlives individual
// connections so open terminals survive a reconnect.
type Runner struct {
	cfg  *Config
	log  *logger.Logger
	ptys *ptymgr.Manager

	mu  sync.Mutex
	out chan *agentapi.Message // current connection's send queue, nil when down
}

// NewRunner creates an agent runner.
func NewRunner(cfg *Config, log *logger.Logger) *Runner {
	r := &Runner{cfg: cfg, log: log}
	r.ptys = ptymgr.New(cfg.MaxPtys, r.forwardPtyOutput, log)
	return r
}

// Run connects and reconnects until ctx is canceled. Backoff starts at
// one second, doubles per failure, caps at sixty, and resets after a
// successful handshake.
func (r *Runner) Run(ctx context.Context) error {
	defer r.ptys.Shutdown()

	delay := reconnectInitialDelay
	for {
		handshaken, err := r.connectAndRun(ctx)
		if ctx.Err() != nil {
			r.log.Info("agent shutting down")
			return nil
		}
		if err != nil {
			r.log.Error("connection failed", "error", err)
		}
		if handshaken {
			delay = reconnectInitialDelay
		}

		r.log.Info("reconnecting", "delay", delay.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// connectAndRun performs one connection lifetime: dial, handshake,
// heartbeats, inbound dispatch. Returns whether the handshake succeeded.
func (r *Runner) connectAndRun(ctx context.Context) (bool, error) {
	streamURL, err := streamURL(r.cfg.ServerAddr)
	if err != nil {
		return false, err
	}

	r.log.Info("connecting to server", "url", streamURL)
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan *agentapi.Message, outboundBuffer)

	// Single writer: gorilla allows one concurrent writer per connection.
	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		for {
			select {
			case <-connCtx.Done():
				return
			case msg := <-out:
				if err := conn.WriteJSON(msg); err != nil {
					r.log.Warn("stream write failed", "error", err)
					cancel()
					_ = conn.Close()
					return
				}
			}
		}
	}()
	// Closing the socket before joining the writer keeps a blocked write
	// from stalling teardown.
	defer func() {
		cancel()
		_ = conn.Close()
		writerWg.Wait()
	}()

	// Handshake, then wait for the ack under its own deadline.
	out <- &agentapi.Message{
		Type: agentapi.TypeHandshake,
		Handshake: &agentapi.Handshake{
			SandboxID: r.cfg.SandboxID,
			Version:   version.Get(),
		},
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeAckTimeout))
	var ack agentapi.Message
	if err := conn.ReadJSON(&ack); err != nil {
		return false, fmt.Errorf("no handshake ack: %w", err)
	}
	if ack.Type != agentapi.TypeHandshakeAck || ack.HandshakeAck == nil {
		return false, fmt.Errorf("unexpected response to handshake: %s", ack.Type)
	}
	if !ack.HandshakeAck.Success {
		return false, fmt.Errorf("handshake rejected: %s", ack.HandshakeAck.Error)
	}
	_ = conn.SetReadDeadline(time.Time{})
	r.log.Info("handshake successful", "sandbox_id", r.cfg.SandboxID)

	r.setOut(out)
	defer r.setOut(nil)

	// Heartbeats tick for the life of the connection.
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				r.send(&agentapi.Message{
					Type:      agentapi.TypeHeartbeat,
					Heartbeat: &agentapi.Heartbeat{Timestamp: time.Now().UnixMilli()},
				})
			}
		}
	}()

	// Inbound dispatch until EOF or error.
	for {
		var msg agentapi.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if connCtx.Err() != nil || ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("stream read failed: %w", err)
		}
		r.dispatch(&msg)
	}
}

// dispatch routes one server message. Command executions run in their own
// goroutine; everything else is quick enough inline.
func (r *Runner) dispatch(msg *agentapi.Message) {
	switch msg.Type {
	case agentapi.TypeRunCommand:
		if msg.RunCommand == nil {
			return
		}
		req := msg.RunCommand
		r.log.Debug("run command received", "correlation_id", req.CorrelationID, "command", req.Command)
		go r.handleRunCommand(req)

	case agentapi.TypeKillProcess:
		if msg.KillProcess == nil {
			return
		}
		req := msg.KillProcess
		r.log.Debug("kill process received", "pid", req.Pid, "signal", req.Signal)
		r.respond(req.CorrelationID, executor.Kill(req.Pid, req.Signal))

	case agentapi.TypeCreatePty:
		if msg.CreatePty == nil {
			return
		}
		req := msg.CreatePty
		r.respond(req.CorrelationID, r.ptys.Create(req.PtyID, req.Cols, req.Rows, req.Shell, req.Env))

	case agentapi.TypeResizePty:
		if msg.ResizePty == nil {
			return
		}
		req := msg.ResizePty
		r.respond(req.CorrelationID, r.ptys.Resize(req.PtyID, req.Cols, req.Rows))

	case agentapi.TypeKillPty:
		if msg.KillPty == nil {
			return
		}
		req := msg.KillPty
		r.respond(req.CorrelationID, r.ptys.Kill(req.PtyID))

	case agentapi.TypePtyInput:
		if msg.PtyInput == nil {
			return
		}
		// No response channel for input; a miss is only logged.
		if err := r.ptys.Write(msg.PtyInput.PtyID, msg.PtyInput.Data); err != nil {
			r.log.Warn("pty input dropped", "pty_id", msg.PtyInput.PtyID, "error", err)
		}

	case agentapi.TypeHeartbeatAck:
		r.log.Debug("heartbeat ack received")

	case agentapi.TypeHandshakeAck:
		r.log.Warn("unexpected handshake ack after initial handshake")

	default:
		r.log.Warn("unexpected message type", "type", msg.Type)
	}
}

// handleRunCommand executes the command and reports the collected output.
// Spawn errors become an error response with code 1.
func (r *Runner) handleRunCommand(req *agentapi.RunCommand) {
	result, err := executor.Run(req.Command, req.Args, req.Env, req.Cwd)

	resp := &agentapi.CommandResponse{CorrelationID: req.CorrelationID}
	if err != nil {
		resp.Error = &agentapi.CommandError{Code: 1, Message: err.Error()}
	} else {
		resp.Success = &agentapi.CommandSuccess{
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		}
	}

	r.send(&agentapi.Message{Type: agentapi.TypeCommandResponse, CommandResponse: resp})
}

// respond reports a success/error ack for a correlation id.
func (r *Runner) respond(correlationID string, err error) {
	resp := &agentapi.CommandResponse{CorrelationID: correlationID}
	if err != nil {
		resp.Error = &agentapi.CommandError{Code: 1, Message: err.Error()}
	} else {
		resp.Success = &agentapi.CommandSuccess{ExitCode: 0}
	}
	r.send(&agentapi.Message{Type: agentapi.TypeCommandResponse, CommandResponse: resp})
}

// forwardPtyOutput ships pty output frames to the server. Frames produced
// while disconnected are dropped.
func (r *Runner) forwardPtyOutput(ptyID string, data []byte) {
	r.send(&agentapi.Message{
		Type:      agentapi.TypePtyOutput,
		PtyOutput: &agentapi.PtyOutput{PtyID: ptyID, Data: data},
	})
}

// send enqueues a message on the current connection, dropping it when the
// connection is down or the queue is full.
func (r *Runner) send(msg *agentapi.Message) {
	r.mu.Lock()
	out := r.out
	r.mu.Unlock()

	if out == nil {
		r.log.Debug("dropping message while disconnected", "type", msg.Type)
		return
	}
	select {
	case out <- msg:
	default:
		r.log.Warn("outbound queue full, dropping message", "type", msg.Type)
	}
}

func (r *Runner) setOut(out chan *agentapi.Message) {
	r.mu.Lock()
	r.out = out
	r.mu.Unlock()
}

// streamURL converts the configured server address into the websocket URL
// of the stream endpoint.
func streamURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in server address", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + streamPath
	return u.String(), nil
}
