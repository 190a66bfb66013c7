// Package httpapi exposes the REST collaborator endpoints: CRUD over
// users, projects, chats, messages, and settings, plus the provider-backed
// project actions (vscode-url, ssh-access, fork). No core logic lives
// here; handlers are thin views over the stores, the registry, and the
// provider adapter.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/registry"
	"github.com/sandboxctl/backend/internal/sandboxmgr"
	"github.com/sandboxctl/backend/internal/store"
)

const providerOpTimeout = 30 * time.Second

// ReconfigureFunc re-applies provider settings: it rebuilds the sandbox
// manager from the current Setting rows. Invoked after settings writes.
type ReconfigureFunc func(ctx context.Context) error

// Server carries the handler dependencies.
type Server struct {
	store           store.Store
	registry        *registry.Registry
	managers        *sandboxmgr.Handle
	reconfigure     ReconfigureFunc
	settingsVisible bool
	defaultUserID   string
	logger          *logger.Logger
}

// New creates the REST handler set.
func New(st store.Store, reg *registry.Registry, managers *sandboxmgr.Handle, reconfigure ReconfigureFunc, settingsVisible bool, defaultUserID string, log *logger.Logger) *Server {
	return &Server{
		store:           st,
		registry:        reg,
		managers:        managers,
		reconfigure:     reconfigure,
		settingsVisible: settingsVisible,
		defaultUserID:   defaultUserID,
		logger:          log.WithFields(zap.String("component", "httpapi")),
	}
}

// RegisterRoutes mounts all REST endpoints.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	api.GET("/users/me", s.getMe)

	api.GET("/projects", s.listProjects)
	api.POST("/projects", s.createProject)
	api.GET("/projects/:id", s.getProject)
	api.DELETE("/projects/:id", s.deleteProject)
	api.GET("/projects/:id/vscode-url", s.getVscodeURL)
	api.POST("/projects/:id/ssh-access", s.createSSHAccess)
	api.POST("/projects/:id/fork", s.forkProject)
	api.GET("/projects/:id/forks", s.listForks)

	api.GET("/projects/:id/chats", s.listChats)
	api.POST("/projects/:id/chats", s.createChat)
	api.GET("/chats/:id", s.getChat)
	api.GET("/chats/:id/messages", s.listMessages)
	api.GET("/chats/:id/usage", s.getChatUsage)

	api.GET("/settings", s.listSettings)
	api.PUT("/settings/:key", s.putSetting)
}

func abortStoreErr(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// --- users ---

func (s *Server) getMe(c *gin.Context) {
	user, err := s.store.GetUser(c.Request.Context(), s.defaultUserID)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// --- projects ---

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.registry.List(c.Request.Context(), s.defaultUserID, c.Query("q"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) createProject(c *gin.Context) {
	var req struct {
		Name      string  `json:"name" binding:"required"`
		AgentType string  `json:"agentType"`
		GitRepo   *string `json:"gitRepo"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AgentType == "" {
		req.AgentType = "claude"
	}

	project, err := s.registry.Create(c.Request.Context(), s.defaultUserID, req.Name, req.AgentType, req.GitRepo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) getProject(c *gin.Context) {
	project, err := s.registry.ReconcileSandboxStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.registry.Remove(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, registry.ErrManagerUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) withSandbox(c *gin.Context) (*sandboxmgr.Manager, string, bool) {
	project, err := s.store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return nil, "", false
	}
	mgr := s.managers.Get()
	if mgr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Sandbox manager not available"})
		return nil, "", false
	}
	if project.SandboxID == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Sandbox not ready"})
		return nil, "", false
	}
	return mgr, *project.SandboxID, true
}

func (s *Server) getVscodeURL(c *gin.Context) {
	mgr, sandboxID, ok := s.withSandbox(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), providerOpTimeout)
	defer cancel()
	url, err := mgr.GetVscodeURL(ctx, sandboxID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) createSSHAccess(c *gin.Context) {
	mgr, sandboxID, ok := s.withSandbox(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), providerOpTimeout)
	defer cancel()
	access, err := mgr.CreateSSHAccess(ctx, sandboxID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, access)
}

func (s *Server) forkProject(c *gin.Context) {
	var req struct {
		BranchName string `json:"branchName" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fork, err := s.registry.ForkProject(c.Request.Context(), c.Param("id"), req.BranchName)
	if err != nil {
		if errors.Is(err, registry.ErrManagerUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if fork != nil {
			// The project row exists in error state; report both.
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "project": fork})
			return
		}
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, fork)
}

func (s *Server) listForks(c *gin.Context) {
	family, err := s.registry.FindForkFamily(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, family)
}

// --- chats and messages ---

func (s *Server) listChats(c *gin.Context) {
	chats, err := s.store.ListChatsByProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

func (s *Server) createChat(c *gin.Context) {
	var req struct {
		Title string          `json:"title"`
		Mode  *store.ChatMode `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat := &store.Chat{
		ID:        uuid.New().String(),
		ProjectID: c.Param("id"),
		Title:     req.Title,
		Mode:      req.Mode,
	}
	if err := s.store.CreateChat(c.Request.Context(), chat); err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (s *Server) getChat(c *gin.Context) {
	chat, err := s.store.GetChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (s *Server) listMessages(c *gin.Context) {
	messages, err := s.store.ListMessagesByChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (s *Server) getChatUsage(c *gin.Context) {
	cost, turns, err := s.store.ChatUsageTotals(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"costUsd": cost, "numTurns": turns})
}

// --- settings ---

func (s *Server) listSettings(c *gin.Context) {
	settings, err := s.store.ListSettings(c.Request.Context())
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	if !s.settingsVisible {
		for _, setting := range settings {
			if setting.Value != "" {
				setting.Value = "********"
			}
		}
	}
	c.JSON(http.StatusOK, settings)
}

// putSetting writes one allow-listed setting and re-applies process
// configuration; provider credential changes rebuild the sandbox manager.
func (s *Server) putSetting(c *gin.Context) {
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := store.SettingKey(c.Param("key"))
	if err := s.store.SetSetting(c.Request.Context(), key, req.Value); err != nil {
		if errors.Is(err, store.ErrInvalidSettingKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		abortStoreErr(c, err)
		return
	}

	if s.reconfigure != nil {
		if err := s.reconfigure(c.Request.Context()); err != nil {
			s.logger.Error("failed to re-apply settings", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"saved": true, "applied": false, "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"saved": true, "applied": true})
}
