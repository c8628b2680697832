package agentapi

import (
	"context"
	"sync"
	"time"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
)

// OutboundQueueSize bounds the per-connection outbound queue. A full queue
// fails the send instead of blocking the caller; that is the backpressure
// contract.
const OutboundQueueSize = 100

// waitPollInterval is how often WaitForConnection re-checks the map.
const waitPollInterval = 100 * time.Millisecond

// Conn is a registered agent connection: the server->agent half of the
// stream plus heartbeat bookkeeping. At most one Conn per sandbox id is
// registered at a time; a newer handshake replaces and closes the old one.
type Conn struct {
	sandboxID string

	mu            sync.Mutex
	out           chan *Message
	closed        bool
	lastHeartbeat time.Time
}

// SandboxID returns the sandbox this connection serves.
func (c *Conn) SandboxID() string {
	return c.sandboxID
}

// Outbound returns the channel the endpoint's forwarder drains onto the
// wire. The channel is closed when the connection is replaced or
// unregistered.
func (c *Conn) Outbound() <-chan *Message {
	return c.out
}

// Enqueue places a message on the outbound queue without blocking. It
// fails when the queue is full or the connection has been torn down.
func (c *Conn) Enqueue(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errdefs.AgentCommunicationError("connection closed")
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return errdefs.AgentCommunicationError("outbound queue full")
	}
}

// close marks the connection dead and closes the outbound channel so the
// forwarder exits. Safe to call more than once.
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (c *Conn) markHeartbeat(ts time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = ts
	c.mu.Unlock()
}

func (c *Conn) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat)
}

// Registry is the process-wide map of sandbox id -> agent connection. The
// sandbox row in the store stays the source of truth for lifecycle state;
// the registry only answers "is an agent attached right now".
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	matcher *Matcher
	log     *logger.Logger
}

// NewRegistry creates a registry. Unregistering a connection cancels that
// sandbox's pending requests through the matcher.
func NewRegistry(matcher *Matcher, log *logger.Logger) *Registry {
	return &Registry{
		conns:   make(map[string]*Conn),
		matcher: matcher,
		log:     log,
	}
}

// Register installs a connection for the sandbox, replacing and tearing
// down any existing one (latest handshake wins). The last-heartbeat stamp
// starts at now.
func (r *Registry) Register(sandboxID string) *Conn {
	conn := &Conn{
		sandboxID:     sandboxID,
		out:           make(chan *Message, OutboundQueueSize),
		lastHeartbeat: time.Now(),
	}

	r.mu.Lock()
	prev := r.conns[sandboxID]
	r.conns[sandboxID] = conn
	r.mu.Unlock()

	if prev != nil {
		prev.close()
		r.log.Warn("replaced existing agent connection", "sandbox_id", sandboxID)
	}
	r.log.Info("agent registered", "sandbox_id", sandboxID)
	return conn
}

// Unregister drops the sandbox's current connection and fails every
// pending request that was sent through it.
func (r *Registry) Unregister(sandboxID string) {
	r.mu.Lock()
	conn := r.conns[sandboxID]
	delete(r.conns, sandboxID)
	r.mu.Unlock()

	if conn == nil {
		return
	}
	conn.close()
	r.matcher.CancelAllFor(sandboxID)
	r.log.Info("agent unregistered", "sandbox_id", sandboxID)
}

// UnregisterConn drops the connection only if it is still the current one
// for its sandbox. The endpoint calls this on stream teardown so a stale
// reader cannot evict a newer handshake's registration.
func (r *Registry) UnregisterConn(conn *Conn) {
	r.mu.Lock()
	current := r.conns[conn.sandboxID]
	if current == conn {
		delete(r.conns, conn.sandboxID)
	}
	r.mu.Unlock()

	conn.close()
	if current == conn {
		r.matcher.CancelAllFor(conn.sandboxID)
		r.log.Info("agent unregistered", "sandbox_id", conn.sandboxID)
	}
}

// IsConnected reports whether an agent is registered for the sandbox.
func (r *Registry) IsConnected(sandboxID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[sandboxID]
	return ok
}

// Send enqueues a message for the sandbox's agent. Never blocks: a missing
// registration or a full queue surfaces immediately.
func (r *Registry) Send(sandboxID string, msg *Message) error {
	r.mu.RLock()
	conn := r.conns[sandboxID]
	r.mu.RUnlock()

	if conn == nil {
		return errdefs.AgentNotConnected(sandboxID)
	}
	return conn.Enqueue(msg)
}

// MarkHeartbeat stamps the sandbox's connection with a fresh heartbeat.
func (r *Registry) MarkHeartbeat(sandboxID string, ts time.Time) {
	r.mu.RLock()
	conn := r.conns[sandboxID]
	r.mu.RUnlock()

	if conn != nil {
		conn.markHeartbeat(ts)
	}
}

// Stale returns a snapshot of sandbox ids whose last heartbeat is older
// than maxIdle.
func (r *Registry) Stale(maxIdle time.Duration) []string {
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for id, conn := range r.conns {
		if conn.heartbeatAge(now) > maxIdle {
			stale = append(stale, id)
		}
	}
	return stale
}

// ConnectedSandboxes returns the ids of all registered agents.
func (r *Registry) ConnectedSandboxes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// WaitForConnection polls until the sandbox's agent registers or the
// timeout elapses.
func (r *Registry) WaitForConnection(ctx context.Context, sandboxID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		if r.IsConnected(sandboxID) {
			return nil
		}
		if time.Now().After(deadline) {
			return errdefs.AgentConnectionTimeout()
		}
		select {
		case <-ctx.Done():
			return errdefs.AgentConnectionTimeout()
		case <-ticker.C:
		}
	}
}
