// Package registry is the durable catalog of projects: their bound
// sandboxes, lifecycle status, and fork lineage. It owns provisioning,
// status reconciliation, fork-root collapsing, and the orphaned-sandbox
// cleanup walk.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/config"
	"github.com/sandboxctl/backend/internal/events"
	"github.com/sandboxctl/backend/internal/events/bus"
	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/provider"
	"github.com/sandboxctl/backend/internal/sandboxmgr"
	"github.com/sandboxctl/backend/internal/store"
)

const provisionTimeout = 5 * time.Minute

// ErrManagerUnavailable is returned when no sandbox manager is configured
// (missing provider credentials).
var ErrManagerUnavailable = errors.New("Sandbox manager not available")

// Registry implements the project/fork catalog over the durable store.
type Registry struct {
	store    store.Store
	managers *sandboxmgr.Handle
	bus      bus.EventBus
	cfg      config.ProviderConfig
	logger   *logger.Logger
}

// New creates a registry.
func New(st store.Store, managers *sandboxmgr.Handle, eventBus bus.EventBus, cfg config.ProviderConfig, log *logger.Logger) *Registry {
	return &Registry{
		store:    st,
		managers: managers,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "registry")),
	}
}

// broadcast publishes a project change on the projects namespace.
func (r *Registry) broadcast(ctx context.Context, subject string, p *store.Project) {
	evt := bus.NewEvent(subject, "registry", map[string]interface{}{"project": p})
	if err := r.bus.Publish(ctx, subject, evt); err != nil {
		r.logger.Warn("failed to broadcast project change",
			zap.String("subject", subject), zap.Error(err))
	}
}

// Get fetches one project.
func (r *Registry) Get(ctx context.Context, projectID string) (*store.Project, error) {
	return r.store.GetProject(ctx, projectID)
}

// List returns the user's live projects, optionally filtered by name.
func (r *Registry) List(ctx context.Context, userID, query string) ([]*store.Project, error) {
	if query != "" {
		return r.store.SearchProjectsByName(ctx, userID, query)
	}
	return r.store.ListProjectsByUser(ctx, userID)
}

// Create inserts a project with status=creating and provisions its sandbox
// asynchronously. The returned project reflects the pre-provisioning state.
func (r *Registry) Create(ctx context.Context, userID, name, agentType string, gitRepo *string) (*store.Project, error) {
	p := &store.Project{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		Status:    store.ProjectStatusCreating,
		AgentType: agentType,
		GitRepo:   gitRepo,
	}
	if err := r.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	r.broadcast(ctx, events.ProjectCreated, p)

	go r.provision(p.ID)
	return p, nil
}

// provision creates the sandbox for a freshly inserted project and moves it
// to running, or records the failure. Provisioning is the sole owner of the
// creating state; reconciliation never transitions out of it.
func (r *Registry) provision(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()

	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		r.logger.Error("provisioning lost its project", zap.String("project_id", projectID), zap.Error(err))
		return
	}

	mgr := r.managers.Get()
	if mgr == nil {
		r.failProvisioning(ctx, p, store.ProjectStatusStopped, ErrManagerUnavailable.Error())
		return
	}

	gitRepo := ""
	if p.GitRepo != nil {
		gitRepo = *p.GitRepo
	}
	sandboxID, err := mgr.CreateSandbox(ctx, provider.CreateRequest{
		Snapshot:    r.cfg.SnapshotName,
		ProjectName: p.Name,
		GitRepo:     gitRepo,
	})
	if err != nil {
		r.failProvisioning(ctx, p, store.ProjectStatusError, err.Error())
		return
	}

	p.SandboxID = &sandboxID
	p.Status = store.ProjectStatusRunning
	p.StatusError = nil
	if err := r.store.UpdateProject(ctx, p); err != nil {
		r.logger.Error("failed to persist provisioned sandbox",
			zap.String("project_id", p.ID), zap.Error(err))
		return
	}
	mgr.RegisterProjectName(sandboxID, p.Name)
	r.broadcast(ctx, events.ProjectUpdated, p)
	r.logger.Info("project provisioned",
		zap.String("project_id", p.ID), zap.String("sandbox_id", sandboxID))
}

func (r *Registry) failProvisioning(ctx context.Context, p *store.Project, status store.ProjectStatus, msg string) {
	p.Status = status
	p.StatusError = &msg
	if err := r.store.UpdateProject(ctx, p); err != nil {
		r.logger.Error("failed to record provisioning failure",
			zap.String("project_id", p.ID), zap.Error(err))
		return
	}
	r.broadcast(ctx, events.ProjectUpdated, p)
}

// ReconcileSandboxStatus queries the provider, maps its state through the
// adapter table, and updates the stored status when they drifted apart.
// The creating state is exempt: provisioning owns it.
func (r *Registry) ReconcileSandboxStatus(ctx context.Context, projectID string) (*store.Project, error) {
	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.SandboxID == nil || p.Status == store.ProjectStatusCreating {
		return p, nil
	}

	mgr := r.managers.Get()
	if mgr == nil {
		return p, nil
	}

	state, err := mgr.GetSandboxState(ctx, *p.SandboxID)
	if err != nil {
		return p, fmt.Errorf("failed to query sandbox state: %w", err)
	}
	mapped := provider.MapState(state)
	if mapped == p.Status {
		return p, nil
	}

	p.Status = mapped
	if mapped != store.ProjectStatusError {
		p.StatusError = nil
	}
	if err := r.store.UpdateProject(ctx, p); err != nil {
		return nil, err
	}
	r.broadcast(ctx, events.ProjectUpdated, p)
	return p, nil
}

// StartOrProvisionSandbox restarts a stopped project's sandbox, or
// re-provisions one when the sandbox is gone. It only acts from stopped or
// error.
func (r *Registry) StartOrProvisionSandbox(ctx context.Context, projectID string) error {
	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Status != store.ProjectStatusStopped && p.Status != store.ProjectStatusError {
		return nil
	}

	mgr := r.managers.Get()
	if mgr == nil {
		return ErrManagerUnavailable
	}

	if p.SandboxID == nil {
		p.Status = store.ProjectStatusCreating
		p.StatusError = nil
		if err := r.store.UpdateProject(ctx, p); err != nil {
			return err
		}
		r.broadcast(ctx, events.ProjectUpdated, p)
		go r.provision(p.ID)
		return nil
	}

	p.Status = store.ProjectStatusStarting
	p.StatusError = nil
	if err := r.store.UpdateProject(ctx, p); err != nil {
		return err
	}
	r.broadcast(ctx, events.ProjectUpdated, p)

	dirName := r.DirName(ctx, p)
	if err := mgr.ReconnectSandbox(ctx, *p.SandboxID, dirName); err != nil {
		msg := err.Error()
		p.Status = store.ProjectStatusError
		p.StatusError = &msg
		if uerr := r.store.UpdateProject(ctx, p); uerr != nil {
			return uerr
		}
		r.broadcast(ctx, events.ProjectUpdated, p)
		return err
	}

	p.Status = store.ProjectStatusRunning
	if err := r.store.UpdateProject(ctx, p); err != nil {
		return err
	}
	mgr.RegisterProjectName(*p.SandboxID, r.DirName(ctx, p))
	r.broadcast(ctx, events.ProjectUpdated, p)
	return nil
}

// DirName returns the name whose slug addresses the project directory: a
// fork mirrors its root's filesystem, so the root's name wins.
func (r *Registry) DirName(ctx context.Context, p *store.Project) string {
	if p.ForkedFromID == nil {
		return p.Name
	}
	root, err := r.store.GetProject(ctx, *p.ForkedFromID)
	if err != nil {
		r.logger.Warn("fork root lookup failed, using fork's own name",
			zap.String("project_id", p.ID), zap.Error(err))
		return p.Name
	}
	return root.Name
}

// ForkProject creates a new project whose sandbox is a filesystem fork of
// the source's, on the given branch. Root resolution collapses chains: a
// fork of a fork references the family root, never the intermediate fork.
func (r *Registry) ForkProject(ctx context.Context, sourceID, branchName string) (*store.Project, error) {
	src, err := r.store.GetProject(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.SandboxID == nil {
		return nil, fmt.Errorf("source project has no sandbox to fork")
	}

	mgr := r.managers.Get()
	if mgr == nil {
		return nil, ErrManagerUnavailable
	}

	rootID := src.ID
	rootName := src.Name
	if src.ForkedFromID != nil {
		rootID = *src.ForkedFromID
		root, err := r.store.GetProject(ctx, rootID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve fork root: %w", err)
		}
		rootName = root.Name
	}

	p := &store.Project{
		ID:           uuid.New().String(),
		UserID:       src.UserID,
		Name:         fmt.Sprintf("%s (%s)", rootName, branchName),
		Status:       store.ProjectStatusCreating,
		AgentType:    src.AgentType,
		GitRepo:      src.GitRepo,
		ForkedFromID: &rootID,
		BranchName:   &branchName,
	}
	if err := r.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	r.broadcast(ctx, events.ProjectCreated, p)

	// The forked sandbox mirrors the root's filesystem layout, so directory
	// resolution uses the root's slug regardless of the fork's own name.
	sandboxID, err := mgr.ForkSandbox(ctx, *src.SandboxID, branchName, rootName)
	if err != nil {
		msg := err.Error()
		p.Status = store.ProjectStatusError
		p.StatusError = &msg
		if uerr := r.store.UpdateProject(ctx, p); uerr != nil {
			return nil, uerr
		}
		r.broadcast(ctx, events.ProjectUpdated, p)
		return p, err
	}

	p.SandboxID = &sandboxID
	p.Status = store.ProjectStatusRunning
	if err := r.store.UpdateProject(ctx, p); err != nil {
		return nil, err
	}
	mgr.RegisterProjectName(sandboxID, rootName)
	r.broadcast(ctx, events.ProjectUpdated, p)
	return p, nil
}

// FindForkFamily returns the root plus all members referencing it,
// tombstones included, ordered by creation time.
func (r *Registry) FindForkFamily(ctx context.Context, projectID string) ([]*store.Project, error) {
	return r.store.FindForkFamily(ctx, projectID)
}

// Remove deletes a project and its sandbox. When the sandbox cannot be
// deleted (dependent forks), the sandbox is stopped and the project kept as
// a tombstone so the orphan sweep can finish the job later. On successful
// deletion the previously captured family sandbox list is swept: any
// sandbox no longer referenced by a live project is deleted and its
// tombstone rows cleared, so removing a leaf fork can unblock its
// ancestors.
func (r *Registry) Remove(ctx context.Context, projectID string) error {
	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	// Capture the family's other sandboxes before anything is mutated; the
	// sweep below runs over this snapshot.
	familySandboxes, err := r.familySandboxesExcluding(ctx, p)
	if err != nil {
		return err
	}

	if p.SandboxID != nil {
		mgr := r.managers.Get()
		if mgr == nil {
			return ErrManagerUnavailable
		}
		if err := mgr.DeleteSandbox(ctx, *p.SandboxID); err != nil {
			r.logger.Info("sandbox delete failed, stopping and tombstoning",
				zap.String("project_id", p.ID),
				zap.String("sandbox_id", *p.SandboxID),
				zap.Error(err))
			if stopErr := mgr.StopSandbox(ctx, *p.SandboxID); stopErr != nil {
				r.logger.Warn("failed to stop undeletable sandbox", zap.Error(stopErr))
			}
			if err := r.store.SoftDeleteProject(ctx, p.ID); err != nil {
				return err
			}
			r.broadcast(ctx, events.ProjectDeleted, p)
			return nil
		}
	}

	if err := r.store.HardDeleteProject(ctx, p.ID); err != nil {
		return err
	}
	r.broadcast(ctx, events.ProjectDeleted, p)

	r.sweepOrphans(ctx, familySandboxes)
	return nil
}

// familySandboxesExcluding collects the sandbox ids of the other family
// members that are already tombstoned. Only a sandbox held solely by
// tombstones can become an orphan, so live members' sandboxes are never
// candidates.
func (r *Registry) familySandboxesExcluding(ctx context.Context, p *store.Project) ([]string, error) {
	family, err := r.store.FindForkFamily(ctx, p.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, member := range family {
		if member.ID == p.ID || member.SandboxID == nil || !member.IsTombstone() {
			continue
		}
		ids = append(ids, *member.SandboxID)
	}
	return ids, nil
}

// sweepOrphans attempts to delete each captured sandbox that no live
// project references anymore, hard-deleting matching tombstones on success.
func (r *Registry) sweepOrphans(ctx context.Context, sandboxIDs []string) {
	if len(sandboxIDs) == 0 {
		return
	}
	mgr := r.managers.Get()
	if mgr == nil {
		return
	}

	for _, sandboxID := range sandboxIDs {
		live, err := r.store.CountLiveProjectsBySandbox(ctx, sandboxID)
		if err != nil {
			r.logger.Warn("orphan sweep reference count failed",
				zap.String("sandbox_id", sandboxID), zap.Error(err))
			continue
		}
		if live > 0 {
			continue
		}

		if err := mgr.DeleteSandbox(ctx, sandboxID); err != nil {
			r.logger.Debug("orphan sweep delete attempt failed",
				zap.String("sandbox_id", sandboxID), zap.Error(err))
			continue
		}

		tombstones, err := r.store.FindTombstonesBySandbox(ctx, sandboxID)
		if err != nil {
			r.logger.Warn("orphan sweep tombstone lookup failed",
				zap.String("sandbox_id", sandboxID), zap.Error(err))
			continue
		}
		for _, tomb := range tombstones {
			if err := r.store.HardDeleteProject(ctx, tomb.ID); err != nil {
				r.logger.Warn("failed to clear tombstone",
					zap.String("project_id", tomb.ID), zap.Error(err))
				continue
			}
			r.broadcast(ctx, events.ProjectDeleted, tomb)
		}
		r.logger.Info("orphaned sandbox removed", zap.String("sandbox_id", sandboxID))
	}
}
