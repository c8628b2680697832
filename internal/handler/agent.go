package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenElevo/ElevoSandbox/internal/agentapi"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Agents dial from inside containers; the stream carries no
		// browser credentials.
		return true
	},
}

// handshakeDeadline bounds how long a fresh connection may take to send
// its handshake.
const handshakeDeadline = 10 * time.Second

// AgentConnect is the server side of the agent stream. Protocol: the first
// frame must be a handshake; the reply is a handshake ack; then the
// connection is registered and frames flow in both directions until EOF or
// error, at which point the registry teardown cancels pending requests.
func (h *Handler) AgentConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade agent stream", "error", err)
		return
	}
	defer conn.Close()

	// Handshake first, under a deadline.
	_ = conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	var first agentapi.Message
	if err := conn.ReadJSON(&first); err != nil {
		h.rejectHandshake(conn, "no handshake received")
		return
	}
	if first.Type != agentapi.TypeHandshake || first.Handshake == nil {
		h.rejectHandshake(conn, "expected handshake message")
		return
	}
	if first.Handshake.SandboxID == "" {
		h.rejectHandshake(conn, "handshake missing sandbox id")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sandboxID := first.Handshake.SandboxID
	h.log.Info("agent handshake received",
		"sandbox_id", sandboxID, "agent_version", first.Handshake.Version)

	reg := h.registry.Register(sandboxID)
	defer h.registry.UnregisterConn(reg)

	if err := conn.WriteJSON(&agentapi.Message{
		Type:         agentapi.TypeHandshakeAck,
		HandshakeAck: &agentapi.HandshakeAck{Success: true},
	}); err != nil {
		return
	}

	// Forwarder: drains the registry's outbound queue onto the wire.
	// gorilla permits one concurrent writer, so every post-handshake write
	// goes through the queue. Closing the queue ends the goroutine; a wire
	// error ends the connection, and the deferred unregister closes the
	// queue.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for msg := range reg.Outbound() {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Warn("agent stream write failed", "sandbox_id", sandboxID, "error", err)
				_ = conn.Close()
				return
			}
		}
		// Queue closed: registration was replaced or torn down.
		_ = conn.Close()
	}()

	// Inbound loop.
	for {
		var msg agentapi.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("agent stream read error", "sandbox_id", sandboxID, "error", err)
			}
			break
		}

		switch msg.Type {
		case agentapi.TypeHeartbeat:
			if msg.Heartbeat == nil {
				continue
			}
			h.registry.MarkHeartbeat(sandboxID, time.Now())
			if err := reg.Enqueue(&agentapi.Message{
				Type:         agentapi.TypeHeartbeatAck,
				HeartbeatAck: &agentapi.HeartbeatAck{Timestamp: msg.Heartbeat.Timestamp},
			}); err != nil {
				h.log.Warn("failed to enqueue heartbeat ack", "sandbox_id", sandboxID, "error", err)
			}

		case agentapi.TypeCommandResponse:
			if msg.CommandResponse == nil {
				continue
			}
			h.matcher.Resolve(msg.CommandResponse.CorrelationID, msg.CommandResponse)

		case agentapi.TypePtyOutput:
			if msg.PtyOutput == nil {
				continue
			}
			h.ptyBroker.Publish(msg.PtyOutput.PtyID, msg.PtyOutput.Data)

		default:
			h.log.Warn("unexpected message from agent", "sandbox_id", sandboxID, "type", msg.Type)
		}
	}

	h.log.Info("agent disconnected", "sandbox_id", sandboxID)
	h.registry.UnregisterConn(reg)
	<-writeDone
}

// rejectHandshake answers a malformed first frame with a failed ack and
// closes without registering.
func (h *Handler) rejectHandshake(conn *websocket.Conn, reason string) {
	h.log.Warn("rejecting agent handshake", "reason", reason)
	_ = conn.WriteJSON(&agentapi.Message{
		Type:         agentapi.TypeHandshakeAck,
		HandshakeAck: &agentapi.HandshakeAck{Success: false, Error: reason},
	})
}
