package agentapi

import (
	"context"
	"sync"
	"time"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
)

// DefaultResponseTimeout applies to RPCs whose caller did not supply a
// positive timeout.
const DefaultResponseTimeout = 30 * time.Second

type matchResult struct {
	resp *CommandResponse
	err  error
}

type pendingRequest struct {
	sandboxID string
	ch        chan matchResult // buffered, capacity 1: one-shot slot
}

// Matcher pairs CommandResponses with the callers awaiting them, keyed by
// correlation id. Each slot resolves exactly once: with a response, with
// ProcessTimeout on deadline, or with AgentCommunicationError when the
// owning connection dies.
type Matcher struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	log     *logger.Logger
}

// NewMatcher creates an empty matcher.
func NewMatcher(log *logger.Logger) *Matcher {
	return &Matcher{
		pending: make(map[string]*pendingRequest),
		log:     log,
	}
}

// Waiter is the caller's handle on one armed correlation id.
type Waiter struct {
	m             *Matcher
	correlationID string
	ch            chan matchResult
}

// Arm inserts a one-shot slot for the correlation id, recording the owning
// sandbox so a disconnect can fail it. The caller must either Wait on the
// returned waiter or Cancel the id (e.g. when the send fails).
func (m *Matcher) Arm(sandboxID, correlationID string) *Waiter {
	req := &pendingRequest{
		sandboxID: sandboxID,
		ch:        make(chan matchResult, 1),
	}

	m.mu.Lock()
	m.pending[correlationID] = req
	m.mu.Unlock()

	return &Waiter{m: m, correlationID: correlationID, ch: req.ch}
}

// Wait blocks until the slot resolves or the timeout elapses. A
// non-positive timeout falls back to DefaultResponseTimeout. On deadline
// the slot is removed and ProcessTimeout returned; a response arriving
// afterwards is dropped by Resolve with a warning.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (*CommandResponse, error) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, nil
	case <-timer.C:
		w.m.Cancel(w.correlationID)
		return nil, errdefs.ProcessTimeout()
	case <-ctx.Done():
		w.m.Cancel(w.correlationID)
		return nil, errdefs.AgentCommunicationError("request canceled: " + ctx.Err().Error())
	}
}

// Resolve removes the slot and delivers the response. Unknown ids (late or
// duplicate replies) are dropped with a warning.
func (m *Matcher) Resolve(correlationID string, resp *CommandResponse) {
	m.mu.Lock()
	req, ok := m.pending[correlationID]
	if ok {
		delete(m.pending, correlationID)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warn("response for unknown correlation id", "correlation_id", correlationID)
		return
	}
	req.ch <- matchResult{resp: resp}
}

// Cancel removes the slot without delivering anything. Used after a failed
// send and after a deadline fired.
func (m *Matcher) Cancel(correlationID string) {
	m.mu.Lock()
	delete(m.pending, correlationID)
	m.mu.Unlock()
}

// CancelAllFor fails every slot owned by the sandbox with
// AgentCommunicationError. Called on disconnect, before the unregister
// returns, so force-deleted sandboxes never strand a caller.
func (m *Matcher) CancelAllFor(sandboxID string) {
	var canceled []*pendingRequest

	m.mu.Lock()
	for id, req := range m.pending {
		if req.sandboxID == sandboxID {
			delete(m.pending, id)
			canceled = append(canceled, req)
		}
	}
	m.mu.Unlock()

	for _, req := range canceled {
		req.ch <- matchResult{err: errdefs.AgentCommunicationError("agent disconnected")}
	}
	if len(canceled) > 0 {
		m.log.Info("canceled pending requests on disconnect",
			"sandbox_id", sandboxID, "count", len(canceled))
	}
}

// PendingCount returns the number of armed slots.
func (m *Matcher) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
