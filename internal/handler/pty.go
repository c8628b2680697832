package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/service"
)

// CreatePty opens a PTY in the sandbox.
func (h *Handler) CreatePty(w http.ResponseWriter, r *http.Request) {
	var opts service.PtyOptions
	if err := h.DecodeJSON(r, &opts); err != nil {
		h.Error(w, err)
		return
	}

	info, err := h.ptyService.Create(r.Context(), chi.URLParam(r, "sandboxID"), opts)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, info)
}

// ResizePty posts new dimensions to a PTY.
func (h *Handler) ResizePty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, err)
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		h.Error(w, errdefs.InvalidParameter("cols and rows must be positive"))
		return
	}

	err := h.ptyService.Resize(r.Context(), chi.URLParam(r, "sandboxID"), chi.URLParam(r, "ptyID"), req.Cols, req.Rows)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}

// KillPty closes a PTY.
func (h *Handler) KillPty(w http.ResponseWriter, r *http.Request) {
	err := h.ptyService.Kill(r.Context(), chi.URLParam(r, "sandboxID"), chi.URLParam(r, "ptyID"))
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}

// PtyInput writes base64-encoded bytes to a PTY.
func (h *Handler) PtyInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data string `json:"data"` // base64
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, err)
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		h.Error(w, errdefs.InvalidParameter("data must be base64"))
		return
	}

	if err := h.ptyService.SendInput(r.Context(), chi.URLParam(r, "sandboxID"), chi.URLParam(r, "ptyID"), data); err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusNoContent, nil)
}

// ptyStreamMessage is one frame on the PTY stream websocket.
type ptyStreamMessage struct {
	Type string          `json:"type"` // "input", "output", "resize"
	Data json.RawMessage `json:"data,omitempty"`
}

type ptyResizeData struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// PtyStream bridges a websocket client to a PTY: output frames flow from
// the broker to the client, input and resize frames flow to the agent.
func (h *Handler) PtyStream(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")
	ptyID := chi.URLParam(r, "ptyID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade pty stream", "error", err)
		return
	}
	defer conn.Close()

	output, cancel := h.ptyBroker.Subscribe(ptyID)
	defer cancel()

	done := make(chan struct{})

	// Broker -> websocket (output)
	go func() {
		defer close(done)
		for data := range output {
			encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(data))
			msg := ptyStreamMessage{Type: "output", Data: encoded}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	// Websocket -> agent (input, resize)
	for {
		var msg ptyStreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("pty stream read error", "pty_id", ptyID, "error", err)
			}
			break
		}

		switch msg.Type {
		case "input":
			var encoded string
			if err := json.Unmarshal(msg.Data, &encoded); err != nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				continue
			}
			if err := h.ptyService.SendInput(r.Context(), sandboxID, ptyID, data); err != nil {
				h.log.Warn("pty input failed", "pty_id", ptyID, "error", err)
			}

		case "resize":
			var resize ptyResizeData
			if err := json.Unmarshal(msg.Data, &resize); err != nil {
				continue
			}
			if err := h.ptyService.Resize(r.Context(), sandboxID, ptyID, resize.Cols, resize.Rows); err != nil {
				h.log.Warn("pty resize failed", "pty_id", ptyID, "error", err)
			}
		}
	}

	cancel()
	<-done
}
