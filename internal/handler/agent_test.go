package handler

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenElevo/ElevoSandbox/internal/agentapi"
	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/service"
)

// dialAgent opens a raw websocket to the stream endpoint.
func dialAgent(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// handshake performs the agent side of the handshake and asserts success.
func handshake(t *testing.T, conn *websocket.Conn, sandboxID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(&agentapi.Message{
		Type:      agentapi.TypeHandshake,
		Handshake: &agentapi.Handshake{SandboxID: sandboxID, Version: "test"},
	}))

	var ack agentapi.Message
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, agentapi.TypeHandshakeAck, ack.Type)
	require.NotNil(t, ack.HandshakeAck)
	require.True(t, ack.HandshakeAck.Success)
}

func TestHandshakeRegistersAgent(t *testing.T) {
	f := newFixture(t)
	sb := f.runningSandbox(t)

	conn := dialAgent(t, f)
	handshake(t, conn, sb.ID)

	assert.Eventually(t, func() bool { return f.registry.IsConnected(sb.ID) },
		time.Second, 10*time.Millisecond)

	// Closing the stream unregisters.
	conn.Close()
	assert.Eventually(t, func() bool { return !f.registry.IsConnected(sb.ID) },
		2*time.Second, 10*time.Millisecond)
}

func TestMalformedHandshakeRejected(t *testing.T) {
	f := newFixture(t)

	conn := dialAgent(t, f)
	require.NoError(t, conn.WriteJSON(&agentapi.Message{
		Type:      agentapi.TypeHeartbeat,
		Heartbeat: &agentapi.Heartbeat{Timestamp: 1},
	}))

	var ack agentapi.Message
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, agentapi.TypeHandshakeAck, ack.Type)
	require.NotNil(t, ack.HandshakeAck)
	assert.False(t, ack.HandshakeAck.Success)
	assert.NotEmpty(t, ack.HandshakeAck.Error)

	// The connection closes without registration.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next agentapi.Message
	err := conn.ReadJSON(&next)
	assert.Error(t, err)
}

func TestHeartbeatEchoesTimestamp(t *testing.T) {
	f := newFixture(t)
	sb := f.runningSandbox(t)

	conn := dialAgent(t, f)
	handshake(t, conn, sb.ID)

	ts := time.Now().UnixMilli()
	require.NoError(t, conn.WriteJSON(&agentapi.Message{
		Type:      agentapi.TypeHeartbeat,
		Heartbeat: &agentapi.Heartbeat{Timestamp: ts},
	}))

	var ack agentapi.Message
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, agentapi.TypeHeartbeatAck, ack.Type)
	require.NotNil(t, ack.HeartbeatAck)
	assert.Equal(t, ts, ack.HeartbeatAck.Timestamp, "ack must echo the timestamp exactly")
}

func TestRunCommandThroughEndpoint(t *testing.T) {
	f := newFixture(t)
	sb := f.runningSandbox(t)

	conn := dialAgent(t, f)
	handshake(t, conn, sb.ID)

	// Scripted agent: answer run_command frames with a success.
	go func() {
		for {
			var msg agentapi.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == agentapi.TypeRunCommand {
				_ = conn.WriteJSON(&agentapi.Message{
					Type: agentapi.TypeCommandResponse,
					CommandResponse: &agentapi.CommandResponse{
						CorrelationID: msg.RunCommand.CorrelationID,
						Success: &agentapi.CommandSuccess{
							ExitCode: 0,
							Stdout:   "hi\n",
						},
					},
				})
			}
		}
	}()

	require.Eventually(t, func() bool { return f.registry.IsConnected(sb.ID) },
		time.Second, 10*time.Millisecond)

	result, err := f.processSvc.Run(context.Background(), sb.ID, service.RunCommandOptions{
		Command:   "echo",
		Args:      []string{"hi"},
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hi\n", result.Stdout)
}

func TestDisconnectFailsPendingRuns(t *testing.T) {
	f := newFixture(t)
	sb := f.runningSandbox(t)

	conn := dialAgent(t, f)
	handshake(t, conn, sb.ID)
	require.Eventually(t, func() bool { return f.registry.IsConnected(sb.ID) },
		time.Second, 10*time.Millisecond)

	// Swallow the request, then drop the stream while the call is pending.
	go func() {
		var msg agentapi.Message
		_ = conn.ReadJSON(&msg)
		_ = conn.Close()
	}()

	_, err := f.processSvc.Run(context.Background(), sb.ID, service.RunCommandOptions{
		Command:   "sleep",
		Args:      []string{"10"},
		TimeoutMs: 10_000,
	})
	assert.True(t, errdefs.Is(err, errdefs.KindAgentCommunicationError))
}

func TestPtyOutputReachesSubscribers(t *testing.T) {
	f := newFixture(t)
	sb := f.runningSandbox(t)

	output, cancel := f.broker.Subscribe("pty-1")
	defer cancel()

	conn := dialAgent(t, f)
	handshake(t, conn, sb.ID)

	require.NoError(t, conn.WriteJSON(&agentapi.Message{
		Type:      agentapi.TypePtyOutput,
		PtyOutput: &agentapi.PtyOutput{PtyID: "pty-1", Data: []byte("hi from pty")},
	}))

	select {
	case data := <-output:
		assert.Equal(t, "hi from pty", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("pty output never reached the broker subscriber")
	}
}
