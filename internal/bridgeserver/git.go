package bridgeserver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/sandboxctl/backend/internal/bridge"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

const gitTimeout = 60 * time.Second

// validBranchNameRegex matches safe git branch names: alphanumeric,
// hyphens, underscores, slashes, and dots; no shell metacharacters.
var validBranchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

func isValidBranchName(branch string) bool {
	if branch == "" || len(branch) > 255 {
		return false
	}
	if strings.Contains(branch, "..") || strings.HasSuffix(branch, ".lock") {
		return false
	}
	return validBranchNameRegex.MatchString(branch)
}

// runGit executes one git command in the project directory.
func (s *Server) runGit(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.cfg.ProjectDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = err.Error()
		}
		return stdout.String(), fmt.Errorf("git %s: %s", args[0], errText)
	}
	return stdout.String(), nil
}

type gitOp func(ctx context.Context, req bridge.GitRequest) (interface{}, error)

// gitHandler wraps one git operation into the uniform reply shape.
func (s *Server) gitHandler(op gitOp) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req bridge.GitRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		result, err := op(ctx, req)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, result)
	}
}

type gitFileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Staged bool   `json:"staged"`
}

// gitStatus parses porcelain v1 output into a structured snapshot.
func (s *Server) gitStatus(ctx context.Context, _ bridge.GitRequest) (interface{}, error) {
	out, err := s.runGit(ctx, "status", "--porcelain", "--branch")
	if err != nil {
		return nil, err
	}

	var branch string
	var ahead, behind int
	var files []gitFileStatus
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			header := strings.TrimPrefix(line, "## ")
			branch = header
			if idx := strings.Index(header, "..."); idx >= 0 {
				branch = header[:idx]
			}
			fmt.Sscanf(header[strings.Index(header, "[")+1:], "ahead %d", &ahead)
			if idx := strings.Index(header, "behind "); idx >= 0 {
				fmt.Sscanf(header[idx:], "behind %d", &behind)
			}
			continue
		}
		if len(line) < 4 {
			continue
		}
		index, worktree := line[0], line[1]
		path := strings.TrimSpace(line[3:])
		status := string(worktree)
		staged := index != ' ' && index != '?'
		if staged {
			status = string(index)
		}
		files = append(files, gitFileStatus{Path: path, Status: status, Staged: staged})
	}

	return map[string]interface{}{
		"branch": branch,
		"ahead":  ahead,
		"behind": behind,
		"files":  files,
	}, nil
}

func (s *Server) gitStage(ctx context.Context, req bridge.GitRequest) (interface{}, error) {
	args := []string{"add"}
	if len(req.Paths) == 0 {
		args = append(args, "-A")
	} else {
		args = append(args, "--")
		args = append(args, req.Paths...)
	}
	if _, err := s.runGit(ctx, args...); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (s *Server) gitUnstage(ctx context.Context, req bridge.GitRequest) (interface{}, error) {
	args := []string{"reset", "HEAD"}
	if len(req.Paths) > 0 {
		args = append(args, "--")
		args = append(args, req.Paths...)
	}
	if _, err := s.runGit(ctx, args...); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (s *Server) gitDiscard(ctx context.Context, req bridge.GitRequest) (interface{}, error) {
	if len(req.Paths) == 0 {
		return nil, fmt.Errorf("discard requires explicit paths")
	}
	// Tracked changes are checked out; untracked files are removed.
	args := append([]string{"checkout", "--"}, req.Paths...)
	if _, err := s.runGit(ctx, args...); err != nil {
		cleanArgs := append([]string{"clean", "-f", "--"}, req.Paths...)
		if _, cleanErr := s.runGit(ctx, cleanArgs...); cleanErr != nil {
			return nil, err
		}
	}
	return map[string]bool{"success": true}, nil
}

func (s *Server) gitCommit(ctx context.Context, req bridge.GitRequest) (interface{}, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("commit message is required")
	}
	out, err := s.runGit(ctx, "commit", "-m", req.Message)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "output": out}, nil
}

func (s *Server) gitPush(ctx context.Context, _ bridge.GitRequest) (interface{}, error) {
	out, err := s.runGit(ctx, "push")
	if err != nil {
		// First push of a new branch needs an upstream.
		branch, berr := s.currentBranch(ctx)
		if berr != nil {
			return nil, err
		}
		out, err = s.runGit(ctx, "push", "--set-upstream", "origin", branch)
		if err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{"success": true, "output": out}, nil
}

func (s *Server) gitPull(ctx context.Context, _ bridge.GitRequest) (interface{}, error) {
	out, err := s.runGit(ctx, "pull", "--ff-only")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "output": out}, nil
}

func (s *Server) gitBranches(ctx context.Context, _ bridge.GitRequest) (interface{}, error) {
	out, err := s.runGit(ctx, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	current, _ := s.currentBranch(ctx)

	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}
	return map[string]interface{}{"branches": branches, "current": current}, nil
}

func (s *Server) gitCreateBranch(ctx context.Context, req bridge.GitRequest) (interface{}, error) {
	if !isValidBranchName(req.Branch) {
		return nil, fmt.Errorf("invalid branch name %q", req.Branch)
	}
	if _, err := s.runGit(ctx, "checkout", "-b", req.Branch); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "branch": req.Branch}, nil
}

func (s *Server) gitCheckout(ctx context.Context, req bridge.GitRequest) (interface{}, error) {
	if !isValidBranchName(req.Branch) {
		return nil, fmt.Errorf("invalid branch name %q", req.Branch)
	}
	if _, err := s.runGit(ctx, "checkout", req.Branch); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "branch": req.Branch}, nil
}

func (s *Server) currentBranch(ctx context.Context) (string, error) {
	out, err := s.runGit(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (s *Server) handleGetGitBranch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	branch, err := s.currentBranch(ctx)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]string{"branch": branch})
}

func (s *Server) handleGetProjectDir(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, map[string]string{"dir": s.cfg.ProjectDir})
}
