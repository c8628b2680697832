package agentapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
)

func newTestRegistry() (*Registry, *Matcher) {
	m := NewMatcher(logger.Nop())
	return NewRegistry(m, logger.Nop()), m
}

func TestRegisterAndIsConnected(t *testing.T) {
	r, _ := newTestRegistry()

	assert.False(t, r.IsConnected("sb-1"))
	conn := r.Register("sb-1")
	assert.True(t, r.IsConnected("sb-1"))
	assert.Equal(t, "sb-1", conn.SandboxID())

	r.Unregister("sb-1")
	assert.False(t, r.IsConnected("sb-1"))
}

func TestSendToUnregistered(t *testing.T) {
	r, _ := newTestRegistry()

	err := r.Send("sb-1", &Message{Type: TypeHeartbeatAck, HeartbeatAck: &HeartbeatAck{}})
	assert.True(t, errdefs.Is(err, errdefs.KindAgentNotConnected))
}

func TestSendDeliversInOrder(t *testing.T) {
	r, _ := newTestRegistry()
	conn := r.Register("sb-1")

	for i := int64(0); i < 5; i++ {
		require.NoError(t, r.Send("sb-1", &Message{
			Type:         TypeHeartbeatAck,
			HeartbeatAck: &HeartbeatAck{Timestamp: i},
		}))
	}
	for i := int64(0); i < 5; i++ {
		msg := <-conn.Outbound()
		assert.Equal(t, i, msg.HeartbeatAck.Timestamp, "per-queue FIFO ordering")
	}
}

func TestSendFullQueueFailsWithoutBlocking(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register("sb-1")

	msg := &Message{Type: TypeHeartbeatAck, HeartbeatAck: &HeartbeatAck{}}
	for i := 0; i < OutboundQueueSize; i++ {
		require.NoError(t, r.Send("sb-1", msg))
	}

	done := make(chan error, 1)
	go func() { done <- r.Send("sb-1", msg) }()

	select {
	case err := <-done:
		assert.True(t, errdefs.Is(err, errdefs.KindAgentCommunicationError))
	case <-time.After(time.Second):
		t.Fatal("send on a full queue must not block")
	}
}

func TestUnregisterCancelsPending(t *testing.T) {
	r, m := newTestRegistry()
	r.Register("sb-1")

	waiter := m.Arm("sb-1", "corr-1")
	r.Unregister("sb-1")

	_, err := waiter.Wait(context.Background(), time.Second)
	assert.True(t, errdefs.Is(err, errdefs.KindAgentCommunicationError))
}

func TestLatestHandshakeWins(t *testing.T) {
	r, _ := newTestRegistry()

	old := r.Register("sb-1")
	newer := r.Register("sb-1")

	// The replaced connection is closed: its outbound channel drains to
	// closed and sends fail.
	_, open := <-old.Outbound()
	assert.False(t, open)
	err := old.Enqueue(&Message{Type: TypeHeartbeatAck, HeartbeatAck: &HeartbeatAck{}})
	assert.True(t, errdefs.Is(err, errdefs.KindAgentCommunicationError))

	// A stale teardown must not evict the newer registration.
	r.UnregisterConn(old)
	assert.True(t, r.IsConnected("sb-1"))

	r.UnregisterConn(newer)
	assert.False(t, r.IsConnected("sb-1"))
}

func TestStale(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register("sb-1")
	r.Register("sb-2")

	r.MarkHeartbeat("sb-1", time.Now().Add(-time.Minute))

	stale := r.Stale(30 * time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, "sb-1", stale[0])

	r.MarkHeartbeat("sb-1", time.Now())
	assert.Empty(t, r.Stale(30*time.Second))
}

func TestWaitForConnection(t *testing.T) {
	r, _ := newTestRegistry()

	go func() {
		time.Sleep(50 * time.Millisecond)
		r.Register("sb-1")
	}()

	err := r.WaitForConnection(context.Background(), "sb-1", 2*time.Second)
	assert.NoError(t, err)

	err = r.WaitForConnection(context.Background(), "sb-2", 150*time.Millisecond)
	assert.True(t, errdefs.Is(err, errdefs.KindAgentConnectionTimeout))
}
