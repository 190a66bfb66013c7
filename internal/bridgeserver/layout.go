package bridgeserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// layoutFile is where the workspace layout blob lives inside the sandbox,
// so panel arrangement survives sandbox restarts. Stored as YAML next to
// the project for easy inspection over SSH.
const layoutFile = ".sandboxctl/layout.yaml"

func (s *Server) layoutPath() string {
	return filepath.Join(s.cfg.ProjectDir, layoutFile)
}

func (s *Server) handleLayoutSave(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		Data json.RawMessage `json:"data"`
	}
	if err := msg.ParsePayload(&req); err != nil || len(req.Data) == 0 {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "data is required", nil)
	}

	// Round-trip through a generic value so the blob lands as YAML.
	var value interface{}
	if err := json.Unmarshal(req.Data, &value); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "data must be valid JSON", nil)
	}
	out, err := yaml.Marshal(value)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}

	if err := os.MkdirAll(filepath.Dir(s.layoutPath()), 0o755); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	if err := os.WriteFile(s.layoutPath(), out, 0o644); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"saved": true})
}

func (s *Server) handleLayoutLoad(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	data, err := os.ReadFile(s.layoutPath())
	if err != nil {
		if os.IsNotExist(err) {
			return ws.NewResponse(msg.ID, ws.ActionLayoutData, map[string]interface{}{"data": nil})
		}
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}

	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, ws.ActionLayoutData, map[string]interface{}{"data": normalizeYAML(value)})
}

// normalizeYAML converts yaml's map[string]interface{} values into
// JSON-encodable structures (yaml.v3 already decodes string keys, but
// nested sequences need a pass).
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return val
	}
}
