package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/authoritative"
	"github.com/sandboxctl/backend/internal/bridge"
	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/orchestrator"
	"github.com/sandboxctl/backend/internal/provider"
	"github.com/sandboxctl/backend/internal/registry"
	"github.com/sandboxctl/backend/internal/sandboxmgr"
	"github.com/sandboxctl/backend/internal/store"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// opTimeout bounds every sandbox-forwarded operation; on expiry the caller
// gets a structured error payload, never a dropped socket.
const opTimeout = 15 * time.Second

// Handlers implements the browser-facing operation set over the hub's
// dispatcher.
type Handlers struct {
	store    store.Store
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	managers *sandboxmgr.Handle
	window   *authoritative.Window
	hub      *Hub
	logger   *logger.Logger

	// Listener attachment is tracked per manager generation; a replaced
	// manager invalidates every attachment at once.
	mu          sync.Mutex
	attachedGen uint64
	attached    map[string]bool
}

// NewHandlers creates the gateway handler set.
func NewHandlers(st store.Store, reg *registry.Registry, orch *orchestrator.Orchestrator, managers *sandboxmgr.Handle, hub *Hub, log *logger.Logger) *Handlers {
	return &Handlers{
		store:    st,
		registry: reg,
		orch:     orch,
		managers: managers,
		window:   authoritative.NewWindow(0),
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "ws_handlers")),
		attached: make(map[string]bool),
	}
}

// Register wires every browser-facing action onto the dispatcher.
func (h *Handlers) Register(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionSubscribeProject, h.handleSubscribeProject)

	d.RegisterFunc(ws.ActionSendPrompt, h.handleSendPrompt)
	d.RegisterFunc(ws.ActionExecuteChat, h.handleExecuteChat)
	d.RegisterFunc(ws.ActionUserAnswer, h.handleUserAnswer)

	d.RegisterFunc(ws.ActionTerminalCreate, h.handleTerminalCreate)
	d.RegisterFunc(ws.ActionTerminalInput, h.handleTerminalInput)
	d.RegisterFunc(ws.ActionTerminalResize, h.handleTerminalResize)
	d.RegisterFunc(ws.ActionTerminalClose, h.handleTerminalClose)
	d.RegisterFunc(ws.ActionTerminalList, h.handleTerminalList)

	d.RegisterFunc(ws.ActionPortPreviewURL, h.handlePortPreviewURL)
	d.RegisterFunc(ws.ActionProjectInfo, h.handleProjectInfo)

	d.RegisterFunc(ws.ActionFileList, h.fileForward(ws.ActionFileList, ws.ActionFileListResult, false))
	d.RegisterFunc(ws.ActionFileRead, h.fileForward(ws.ActionFileRead, ws.ActionFileReadResult, false))
	d.RegisterFunc(ws.ActionFileWrite, h.fileForward(ws.ActionFileWrite, ws.ActionFileWriteResult, true))
	d.RegisterFunc(ws.ActionFileCreate, h.fileForward(ws.ActionFileCreate, ws.ActionFileOpResult, true))
	d.RegisterFunc(ws.ActionFileRename, h.fileForward(ws.ActionFileRename, ws.ActionFileOpResult, true))
	d.RegisterFunc(ws.ActionFileDelete, h.fileForward(ws.ActionFileDelete, ws.ActionFileOpResult, true))
	d.RegisterFunc(ws.ActionFileMove, h.fileForward(ws.ActionFileMove, ws.ActionFileOpResult, true))
	d.RegisterFunc(ws.ActionFileSearch, h.fileForward(ws.ActionFileSearch, ws.ActionFileSearchResult, false))

	d.RegisterFunc(ws.ActionGitStatus, h.gitForward(ws.ActionGitStatus, ws.ActionGitStatusResult, false))
	d.RegisterFunc(ws.ActionGitStage, h.gitForward(ws.ActionGitStage, ws.ActionGitOpResult, true))
	d.RegisterFunc(ws.ActionGitUnstage, h.gitForward(ws.ActionGitUnstage, ws.ActionGitOpResult, true))
	d.RegisterFunc(ws.ActionGitDiscard, h.gitForward(ws.ActionGitDiscard, ws.ActionGitOpResult, true))
	d.RegisterFunc(ws.ActionGitCommit, h.gitForward(ws.ActionGitCommit, ws.ActionGitOpResult, true))
	d.RegisterFunc(ws.ActionGitPush, h.gitForward(ws.ActionGitPush, ws.ActionGitOpResult, false))
	d.RegisterFunc(ws.ActionGitPull, h.gitForward(ws.ActionGitPull, ws.ActionGitOpResult, false))
	d.RegisterFunc(ws.ActionGitBranches, h.gitForward(ws.ActionGitBranches, ws.ActionGitBranchesResult, false))
	d.RegisterFunc(ws.ActionGitCreateBranch, h.gitForward(ws.ActionGitCreateBranch, ws.ActionGitOpResult, true))
	d.RegisterFunc(ws.ActionGitCheckout, h.gitForward(ws.ActionGitCheckout, ws.ActionGitOpResult, true))

	d.RegisterFunc(ws.ActionLayoutSave, h.handleLayoutSave)
	d.RegisterFunc(ws.ActionLayoutLoad, h.handleLayoutLoad)
}

// projectScoped is the shared payload prefix of project-addressed
// operations.
type projectScoped struct {
	ProjectID string `json:"projectId"`
}

// resolveSandbox loads the project and returns the live manager plus the
// bound sandbox id. Any project-scoped operation also subscribes the
// calling client to the sandbox.
func (h *Handlers) resolveSandbox(ctx context.Context, projectID string) (*sandboxmgr.Manager, string, *store.Project, *ws.ErrorPayload) {
	project, err := h.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, "", nil, &ws.ErrorPayload{Code: ws.ErrorCodeNotFound, Message: "Project not found"}
	}
	mgr := h.managers.Get()
	if mgr == nil {
		return nil, "", nil, &ws.ErrorPayload{Code: ws.ErrorCodeManagerUnavailable, Message: "Sandbox manager not available"}
	}
	if project.SandboxID == nil {
		return nil, "", nil, &ws.ErrorPayload{Code: ws.ErrorCodeNotReady, Message: "Sandbox not ready"}
	}

	sandboxID := *project.SandboxID
	if client := clientFrom(ctx); client != nil {
		h.hub.Subscribe(sandboxID, client.ID)
	}
	h.ensureSandboxListeners(sandboxID)
	return mgr, sandboxID, project, nil
}

func errReply(msg *ws.Message, payload *ws.ErrorPayload) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, payload.Code, payload.Message, nil)
}

// --- subscribe_project ---

func (h *Handlers) handleSubscribeProject(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req projectScoped
	if err := msg.ParsePayload(&req); err != nil || req.ProjectID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "projectId is required", nil)
	}

	client := clientFrom(ctx)
	project, err := h.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Project not found", nil)
	}

	if project.SandboxID != nil && client != nil {
		h.hub.Subscribe(*project.SandboxID, client.ID)
		h.ensureSandboxListeners(*project.SandboxID)
	}

	// Subscription drives background reconciliation, but provisioning owns
	// the creating state: a project mid-provision is left alone.
	switch {
	case project.Status == store.ProjectStatusCreating:

	case project.SandboxID != nil &&
		(project.Status == store.ProjectStatusStopped || project.Status == store.ProjectStatusError):
		go h.reconcileAndStart(project.ID)

	case project.SandboxID == nil &&
		(project.Status == store.ProjectStatusStopped || project.Status == store.ProjectStatusError):
		if client != nil {
			if note, err := ws.NewNotification(ws.ActionProjectUpdated, map[string]string{
				"projectId": project.ID,
				"status":    "provisioning",
			}); err == nil {
				client.Send(note)
			}
		}
		go h.startInBackground(project.ID)

	case project.Status == store.ProjectStatusRunning && project.SandboxID != nil:
		// Pre-warm the bridge connection so the first terminal_list or
		// layout_load doesn't pay the dial latency. Deliberately not
		// awaited.
		go h.prewarm(project)
	}

	return ws.NewResponse(msg.ID, ws.ActionSubscribed, map[string]interface{}{
		"projectId": project.ID,
		"sandboxId": project.SandboxID,
	})
}

func (h *Handlers) reconcileAndStart(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := h.registry.ReconcileSandboxStatus(ctx, projectID); err != nil {
		h.logger.Warn("background reconcile failed", zap.String("project_id", projectID), zap.Error(err))
	}
	if err := h.registry.StartOrProvisionSandbox(ctx, projectID); err != nil {
		h.logger.Warn("background start failed", zap.String("project_id", projectID), zap.Error(err))
	}
}

func (h *Handlers) startInBackground(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := h.registry.StartOrProvisionSandbox(ctx, projectID); err != nil {
		h.logger.Warn("background provisioning failed", zap.String("project_id", projectID), zap.Error(err))
	}
}

func (h *Handlers) prewarm(project *store.Project) {
	mgr := h.managers.Get()
	if mgr == nil || project.SandboxID == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := mgr.ReconnectSandbox(ctx, *project.SandboxID, h.registry.DirName(ctx, project)); err != nil {
		h.logger.Debug("bridge pre-warm failed", zap.String("sandbox_id", *project.SandboxID), zap.Error(err))
	}
}

// --- chat operations ---

func (h *Handlers) handleSendPrompt(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		ChatID string `json:"chatId"`
		Prompt string `json:"prompt"`
		Mode   string `json:"mode,omitempty"`
		Model  string `json:"model,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil || req.ChatID == "" || req.Prompt == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "chatId and prompt are required", nil)
	}

	clientID := ""
	if client := clientFrom(ctx); client != nil {
		clientID = client.ID
	}
	if err := h.orch.HandleSendPrompt(ctx, orchestrator.PromptInput{
		ChatID:   req.ChatID,
		ClientID: clientID,
		Prompt:   req.Prompt,
		Mode:     req.Mode,
		Model:    req.Model,
	}); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, ws.ActionPromptAccepted, map[string]string{"chatId": req.ChatID})
}

func (h *Handlers) handleExecuteChat(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		ChatID string `json:"chatId"`
		Mode   string `json:"mode,omitempty"`
		Model  string `json:"model,omitempty"`
	}
	if err := msg.ParsePayload(&req); err != nil || req.ChatID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "chatId is required", nil)
	}

	clientID := ""
	if client := clientFrom(ctx); client != nil {
		clientID = client.ID
	}
	if err := h.orch.HandleExecuteChat(ctx, orchestrator.PromptInput{
		ChatID:   req.ChatID,
		ClientID: clientID,
		Mode:     req.Mode,
		Model:    req.Model,
	}); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, ws.ActionPromptAccepted, map[string]string{"chatId": req.ChatID})
}

func (h *Handlers) handleUserAnswer(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		ChatID    string `json:"chatId"`
		ToolUseID string `json:"toolUseId"`
		Answer    string `json:"answer"`
	}
	if err := msg.ParsePayload(&req); err != nil || req.ChatID == "" || req.ToolUseID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "chatId and toolUseId are required", nil)
	}
	if err := h.orch.HandleUserAnswer(ctx, req.ChatID, req.ToolUseID, req.Answer); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"delivered": true})
}

// --- terminal operations ---

func (h *Handlers) handleTerminalCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		projectScoped
		bridge.TerminalCreateRequest
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	mgr, sandboxID, _, errPayload := h.resolveSandbox(ctx, req.ProjectID)
	if errPayload != nil {
		return errReply(msg, errPayload)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	result, err := mgr.TerminalCreate(opCtx, sandboxID, req.TerminalCreateRequest)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotReady, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, ws.ActionTerminalCreated, result)
}

func (h *Handlers) handleTerminalInput(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		projectScoped
		bridge.TerminalInputRequest
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	mgr, sandboxID, _, errPayload := h.resolveSandbox(ctx, req.ProjectID)
	if errPayload != nil {
		return errReply(msg, errPayload)
	}
	if err := mgr.TerminalInput(ctx, sandboxID, req.TerminalInputRequest); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotReady, err.Error(), nil)
	}
	return nil, nil
}

func (h *Handlers) handleTerminalResize(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		projectScoped
		bridge.TerminalResizeRequest
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	mgr, sandboxID, _, errPayload := h.resolveSandbox(ctx, req.ProjectID)
	if errPayload != nil {
		return errReply(msg, errPayload)
	}
	if err := mgr.TerminalResize(ctx, sandboxID, req.TerminalResizeRequest); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotReady, err.Error(), nil)
	}
	return nil, nil
}

func (h *Handlers) handleTerminalClose(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		projectScoped
		bridge.TerminalCloseRequest
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	mgr, sandboxID, _, errPayload := h.resolveSandbox(ctx, req.ProjectID)
	if errPayload != nil {
		return errReply(msg, errPayload)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	result, err := mgr.TerminalClose(opCtx, sandboxID, req.TerminalCloseRequest)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotReady, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, result)
}

func (h *Handlers) handleTerminalList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req projectScoped
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	mgr, sandboxID, _, errPayload := h.resolveSandbox(ctx, req.ProjectID)
	if errPayload != nil {
		return errReply(msg, errPayload)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	result, err := mgr.TerminalList(opCtx, sandboxID)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotReady, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, ws.ActionTerminalList, result)
}

// --- ports / project info ---

func (h *Handlers) handlePortPreviewURL(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		projectScoped
		Port int `json:"port"`
	}
	if err := msg.ParsePayload(&req); err != nil || req.Port == 0 {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "projectId and port are required", nil)
	}
	mgr, sandboxID, _, errPayload := h.resolveSandbox(ctx, req.ProjectID)
	if errPayload != nil {
		return errReply(msg, errPayload)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	preview, err := mgr.GetPortPreviewURL(opCtx, sandboxID, req.Port)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, ws.ActionPortPreviewURLResult, preview)
}

func (h *Handlers) handleProjectInfo(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req projectScoped
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	mgr, sandboxID, project, errPayload := h.resolveSandbox(ctx, req.ProjectID)
	if errPayload != nil {
		return errReply(msg, errPayload)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	info := map[string]interface{}{
		"project": project,
	}
	if state, err := mgr.GetSandboxState(opCtx, sandboxID); err == nil {
		info["sandboxStatus"] = provider.MapState(state)
	}
	if branch, err := mgr.GetGitBranch(opCtx, sandboxID); err == nil {
		info["branch"] = branch
	}
	if dir, err := mgr.GetProjectDir(opCtx, sandboxID, h.registry.DirName(ctx, project)); err == nil {
		info["projectDir"] = dir
	}
	return ws.NewResponse(msg.ID, ws.ActionProjectInfo, info)
}

// --- file and git forwards ---

// fileForward builds a handler forwarding one file operation. Mutating
// operations open the optimistic suppression window so the bridge's
// file_changed echo doesn't clobber the client's local state.
func (h *Handlers) fileForward(action, resultAction string, mutating bool) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			projectScoped
			bridge.FileRequest
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		mgr, sandboxID, _, errPayload := h.resolveSandbox(ctx, req.ProjectID)
		if errPayload != nil {
			return errReply(msg, errPayload)
		}

		if mutating {
			h.window.MarkOptimistic(sandboxID + "/files")
		}

		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		result, err := h.forwardFile(opCtx, mgr, sandboxID, action, req.FileRequest)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotReady, err.Error(), nil)
		}
		if mutating {
			h.window.Expire(sandboxID + "/files")
		}
		return ws.NewResponse(msg.ID, resultAction, result)
	}
}

func (h *Handlers) forwardFile(ctx context.Context, mgr *sandboxmgr.Manager, sandboxID, action string, req bridge.FileRequest) (json.RawMessage, error) {
	switch action {
	case ws.ActionFileList:
		return mgr.FileList(ctx, sandboxID, req)
	case ws.ActionFileRead:
		return mgr.FileRead(ctx, sandboxID, req)
	case ws.ActionFileWrite:
		return mgr.FileWrite(ctx, sandboxID, req)
	case ws.ActionFileCreate:
		return mgr.FileCreate(ctx, sandboxID, req)
	case ws.ActionFileRename:
		return mgr.FileRename(ctx, sandboxID, req)
	case ws.ActionFileDelete:
		return mgr.FileDelete(ctx, sandboxID, req)
	case ws.ActionFileMove:
		return mgr.FileMove(ctx, sandboxID, req)
	default:
		return mgr.FileSearch(ctx, sandboxID, req)
	}
}

// gitForward builds a handler forwarding one git operation, with the same
// optimistic-window bookkeeping for mutating source-control actions.
func (h *Handlers) gitForward(action, resultAction string, mutating bool) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			projectScoped
			bridge.GitRequest
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		mgr, sandboxID, _, errPayload := h.resolveSandbox(ctx, req.ProjectID)
		if errPayload != nil {
			return errReply(msg, errPayload)
		}

		if mutating {
			h.window.MarkOptimistic(sandboxID + "/git")
		}

		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		result, err := h.forwardGit(opCtx, mgr, sandboxID, action, req.GitRequest)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotReady, err.Error(), nil)
		}
		if mutating {
			h.window.Expire(sandboxID + "/git")
		}
		return ws.NewResponse(msg.ID, resultAction, result)
	}
}

func (h *Handlers) forwardGit(ctx context.Context, mgr *sandboxmgr.Manager, sandboxID, action string, req bridge.GitRequest) (json.RawMessage, error) {
	switch action {
	case ws.ActionGitStatus:
		return mgr.GitStatus(ctx, sandboxID)
	case ws.ActionGitStage:
		return mgr.GitStage(ctx, sandboxID, req)
	case ws.ActionGitUnstage:
		return mgr.GitUnstage(ctx, sandboxID, req)
	case ws.ActionGitDiscard:
		return mgr.GitDiscard(ctx, sandboxID, req)
	case ws.ActionGitCommit:
		return mgr.GitCommit(ctx, sandboxID, req)
	case ws.ActionGitPush:
		return mgr.GitPush(ctx, sandboxID)
	case ws.ActionGitPull:
		return mgr.GitPull(ctx, sandboxID)
	case ws.ActionGitBranches:
		return mgr.GitBranches(ctx, sandboxID)
	case ws.ActionGitCreateBranch:
		return mgr.GitCreateBranch(ctx, sandboxID, req)
	default:
		return mgr.GitCheckout(ctx, sandboxID, req)
	}
}

// --- layout ---

func (h *Handlers) handleLayoutSave(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		projectScoped
		Data json.RawMessage `json:"data"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	mgr, sandboxID, _, errPayload := h.resolveSandbox(ctx, req.ProjectID)
	if errPayload != nil {
		return errReply(msg, errPayload)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	result, err := mgr.LayoutSave(opCtx, sandboxID, bridge.LayoutSaveRequest{Data: req.Data})
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotReady, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, result)
}

func (h *Handlers) handleLayoutLoad(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req projectScoped
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	mgr, sandboxID, _, errPayload := h.resolveSandbox(ctx, req.ProjectID)
	if errPayload != nil {
		return errReply(msg, errPayload)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	result, err := mgr.LayoutLoad(opCtx, sandboxID)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotReady, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, ws.ActionLayoutData, result)
}
