package bridgeserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sandboxctl/backend/internal/bridge"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

const (
	maxSearchResults = 200
	maxReadSize      = 4 * 1024 * 1024
)

// resolvePath maps a request path (relative to the project root) to an
// absolute path. Leading ".." segments are clamped at the project root, so
// the result always lies inside the project directory.
func (s *Server) resolvePath(reqPath string) (string, error) {
	cleaned := filepath.Clean("/" + reqPath)
	abs := filepath.Join(s.cfg.ProjectDir, cleaned)
	if abs != s.cfg.ProjectDir && !strings.HasPrefix(abs, s.cfg.ProjectDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes project directory")
	}
	return abs, nil
}

type fileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

func (s *Server) handleFileList(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.FileRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	abs, err := s.resolvePath(req.Path)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	}

	files := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		rel := filepath.Join(req.Path, e.Name())
		entry := fileEntry{Name: e.Name(), Path: rel, IsDir: e.IsDir()}
		if !e.IsDir() {
			entry.Size = info.Size()
		}
		files = append(files, entry)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].IsDir != files[j].IsDir {
			return files[i].IsDir
		}
		return files[i].Name < files[j].Name
	})

	return ws.NewResponse(msg.ID, ws.ActionFileListResult, map[string]interface{}{
		"path":  req.Path,
		"files": files,
	})
}

func (s *Server) handleFileRead(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.FileRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	abs, err := s.resolvePath(req.Path)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	}
	if info.Size() > maxReadSize {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "file too large", nil)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	}

	return ws.NewResponse(msg.ID, ws.ActionFileReadResult, map[string]interface{}{
		"path":    req.Path,
		"content": string(data),
	})
}

func (s *Server) handleFileWrite(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.FileRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	abs, err := s.resolvePath(req.Path)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	if err := os.WriteFile(abs, []byte(req.Content), 0o644); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	s.emitFileChanged(req.Path)
	return ws.NewResponse(msg.ID, ws.ActionFileWriteResult, map[string]interface{}{"path": req.Path})
}

func (s *Server) handleFileCreate(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.FileRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	abs, err := s.resolvePath(req.Path)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}

	if req.IsDir {
		err = os.MkdirAll(abs, 0o755)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(abs), 0o755); mkErr != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, mkErr.Error(), nil)
		}
		var f *os.File
		f, err = os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
		}
	}
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	s.emitFileChanged(req.Path)
	return ws.NewResponse(msg.ID, ws.ActionFileOpResult, map[string]interface{}{"path": req.Path})
}

func (s *Server) handleFileRename(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	return s.moveLike(msg)
}

func (s *Server) handleFileMove(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	return s.moveLike(msg)
}

func (s *Server) moveLike(msg *ws.Message) (*ws.Message, error) {
	var req bridge.FileRequest
	if err := msg.ParsePayload(&req); err != nil || req.NewPath == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "path and newPath are required", nil)
	}
	src, err := s.resolvePath(req.Path)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	dst, err := s.resolvePath(req.NewPath)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	if err := os.Rename(src, dst); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	s.emitFileChanged(req.Path, req.NewPath)
	return ws.NewResponse(msg.ID, ws.ActionFileOpResult, map[string]interface{}{
		"path":    req.Path,
		"newPath": req.NewPath,
	})
}

func (s *Server) handleFileDelete(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.FileRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	abs, err := s.resolvePath(req.Path)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
	}
	if err := os.RemoveAll(abs); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	s.emitFileChanged(req.Path)
	return ws.NewResponse(msg.ID, ws.ActionFileOpResult, map[string]interface{}{"path": req.Path})
}

// handleFileSearch walks the tree matching the query against file names
// and content, case-insensitively, skipping VCS and dependency
// directories.
func (s *Server) handleFileSearch(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	var req bridge.FileRequest
	if err := msg.ParsePayload(&req); err != nil || req.Query == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "query is required", nil)
	}

	query := strings.ToLower(req.Query)
	var results []fileEntry

	_ = filepath.WalkDir(s.cfg.ProjectDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || len(results) >= maxSearchResults {
			return filepath.SkipAll
		}
		name := d.Name()
		if d.IsDir() && (name == ".git" || name == "node_modules" || name == ".sandboxctl") {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return nil
		}
		match := strings.Contains(strings.ToLower(name), query)
		if !match {
			if info, err := d.Info(); err == nil && info.Size() <= maxReadSize {
				if data, err := os.ReadFile(path); err == nil {
					match = strings.Contains(strings.ToLower(string(data)), query)
				}
			}
		}
		if match {
			rel, _ := filepath.Rel(s.cfg.ProjectDir, path)
			results = append(results, fileEntry{Name: name, Path: rel})
		}
		return nil
	})

	return ws.NewResponse(msg.ID, ws.ActionFileSearchResult, map[string]interface{}{
		"query":   req.Query,
		"results": results,
	})
}

// emitFileChanged reports the parent directories whose listings changed.
func (s *Server) emitFileChanged(paths ...string) {
	seen := make(map[string]bool)
	var dirs []string
	for _, p := range paths {
		dir := filepath.Dir(p)
		if dir == "." {
			dir = ""
		}
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	s.Emit(ws.ActionFileChanged, bridge.FileChangedEvent{Dirs: dirs})
}
