package websocket

import (
	"go.uber.org/zap"

	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// forwardedActions are the bridge events the gateway fans out to
// subscribers. Agent-stream events (claude_*) are the orchestrator's to
// interpret; they are not forwarded raw.
var forwardedActions = map[string]bool{
	ws.ActionTerminalCreated: true,
	ws.ActionTerminalOutput:  true,
	ws.ActionTerminalExit:    true,
	ws.ActionTerminalError:   true,
	ws.ActionTerminalList:    true,
	ws.ActionFileChanged:     true,
	ws.ActionPortsUpdate:     true,
}

// ensureSandboxListeners attaches the gateway's forwarding listener to a
// sandbox at most once per manager generation. A replaced manager clears
// the attachment tracking so listeners are re-bound on next use.
func (h *Handlers) ensureSandboxListeners(sandboxID string) {
	mgr := h.managers.Get()
	if mgr == nil {
		return
	}

	h.mu.Lock()
	if h.attachedGen != mgr.Generation() {
		h.attached = make(map[string]bool)
		h.attachedGen = mgr.Generation()
	}
	if h.attached[sandboxID] {
		h.mu.Unlock()
		return
	}
	h.attached[sandboxID] = true
	h.mu.Unlock()

	mgr.AddListener(sandboxID, h.onSandboxEvent)
	h.logger.Debug("gateway listener attached",
		zap.String("sandbox_id", sandboxID),
		zap.Uint64("generation", mgr.Generation()))
}

// onSandboxEvent forwards terminal, file, and port events to the sandbox's
// subscribers. file_changed echoes inside an optimistic write's
// suppression window are dropped; the client's local state is ahead of the
// server's until the op-result lands.
func (h *Handlers) onSandboxEvent(sandboxID string, msg *ws.Message) {
	if !forwardedActions[msg.Action] {
		return
	}
	if msg.Action == ws.ActionFileChanged && h.window.Suppressed(sandboxID+"/files") {
		return
	}
	h.hub.BroadcastToSandbox(sandboxID, msg)
}
