// Package sandboxmgr owns the process-wide mapping from sandbox id to
// bridge transport. It forwards lifecycle calls to the provider adapter,
// exposes typed command forwards for every bridge operation, and fans the
// inbound bridge event stream out to attached listeners.
//
// The manager is replaced wholesale when provider credentials change; every
// manager carries a generation number so consumers holding a stale handle
// can detect the swap instead of silently talking to a dead registry.
package sandboxmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/bridge"
	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/provider"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

// generationCounter is monotonic across manager replacements.
var generationCounter atomic.Uint64

// ListenerFunc receives inbound bridge events for one sandbox, in arrival
// order. It runs on the transport read loop and must not block.
type ListenerFunc func(sandboxID string, msg *ws.Message)

// ListenerHandle identifies an attached listener for removal.
type ListenerHandle struct {
	sandboxID string
	id        uint64
}

// Manager is the process-wide sandbox registry.
type Manager struct {
	provider   provider.Provider
	generation uint64
	logger     *logger.Logger

	mu           sync.RWMutex
	transports   map[string]*bridge.Transport
	projectNames map[string]string // sandboxID → registered human-readable name
	listeners    map[string]map[uint64]ListenerFunc
	nextListener atomic.Uint64
	closed       bool
}

// New creates a manager over the given provider backend.
func New(p provider.Provider, log *logger.Logger) *Manager {
	gen := generationCounter.Add(1)
	return &Manager{
		provider:     p,
		generation:   gen,
		logger:       log.WithFields(zap.Uint64("manager_generation", gen)),
		transports:   make(map[string]*bridge.Transport),
		projectNames: make(map[string]string),
		listeners:    make(map[string]map[uint64]ListenerFunc),
	}
}

// Generation returns this manager's monotonic generation number. Consumers
// cache it alongside the handle and re-attach listeners when it changes.
func (m *Manager) Generation() uint64 { return m.generation }

// Provider exposes the underlying provider for lifecycle forwards that need
// no transport (state queries, URL minting).
func (m *Manager) Provider() provider.Provider { return m.provider }

// Close tears down every transport. The manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	transports := m.transports
	m.transports = make(map[string]*bridge.Transport)
	m.listeners = make(map[string]map[uint64]ListenerFunc)
	m.closed = true
	m.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
}

// RegisterProjectName caches the human-readable name the bridge uses to
// resolve the project directory for a sandbox.
func (m *Manager) RegisterProjectName(sandboxID, name string) {
	m.mu.Lock()
	m.projectNames[sandboxID] = name
	m.mu.Unlock()
}

// ProjectDirName returns the canonical directory slug registered for a
// sandbox, falling back to slugging the passed name.
func (m *Manager) ProjectDirName(sandboxID, fallbackName string) string {
	m.mu.RLock()
	name, ok := m.projectNames[sandboxID]
	m.mu.RUnlock()
	if !ok {
		name = fallbackName
	}
	return Slug(name)
}

// AddListener attaches a listener to one sandbox's inbound event stream.
// The manager does not track consumer identity; the handle is the only way
// to detach.
func (m *Manager) AddListener(sandboxID string, fn ListenerFunc) ListenerHandle {
	id := m.nextListener.Add(1)
	m.mu.Lock()
	if m.listeners[sandboxID] == nil {
		m.listeners[sandboxID] = make(map[uint64]ListenerFunc)
	}
	m.listeners[sandboxID][id] = fn
	m.mu.Unlock()
	return ListenerHandle{sandboxID: sandboxID, id: id}
}

// RemoveListener detaches a previously attached listener. Idempotent.
func (m *Manager) RemoveListener(h ListenerHandle) {
	m.mu.Lock()
	if set, ok := m.listeners[h.sandboxID]; ok {
		delete(set, h.id)
		if len(set) == 0 {
			delete(m.listeners, h.sandboxID)
		}
	}
	m.mu.Unlock()
}

// dispatchEvent delivers one inbound bridge event to every listener of its
// sandbox, preserving arrival order per sandbox.
func (m *Manager) dispatchEvent(sandboxID string, msg *ws.Message) {
	m.mu.RLock()
	set := m.listeners[sandboxID]
	fns := make([]ListenerFunc, 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(sandboxID, msg)
	}
}

// transport returns the live transport for a sandbox, creating and
// connecting one on first use.
func (m *Manager) transport(ctx context.Context, sandboxID string) (*bridge.Transport, error) {
	m.mu.RLock()
	t, ok := m.transports[sandboxID]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("sandbox manager is closed")
	}
	if ok {
		return t, nil
	}

	m.mu.Lock()
	if t, ok = m.transports[sandboxID]; ok {
		m.mu.Unlock()
		return t, nil
	}
	t = bridge.NewTransport(sandboxID, m.provider, m.dispatchEvent, m.logger)
	m.transports[sandboxID] = t
	m.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		m.dropTransport(sandboxID, t)
		return nil, err
	}
	return t, nil
}

func (m *Manager) dropTransport(sandboxID string, t *bridge.Transport) {
	m.mu.Lock()
	if m.transports[sandboxID] == t {
		delete(m.transports, sandboxID)
	}
	m.mu.Unlock()
	_ = t.Close()
}

// --- lifecycle forwards ---

// CreateSandbox provisions a sandbox and registers its project name.
func (m *Manager) CreateSandbox(ctx context.Context, req provider.CreateRequest) (string, error) {
	req.ProjectName = Slug(req.ProjectName)
	sandboxID, err := m.provider.CreateSandbox(ctx, req)
	if err != nil {
		return "", err
	}
	m.RegisterProjectName(sandboxID, req.ProjectName)
	return sandboxID, nil
}

// ReconnectSandbox wakes the sandbox and (re)establishes its bridge
// transport. Safe to call eagerly as a pre-warm; repeated calls while a
// transport is live are cheap.
func (m *Manager) ReconnectSandbox(ctx context.Context, sandboxID, dirName string) error {
	if err := m.provider.ReconnectSandbox(ctx, sandboxID, Slug(dirName)); err != nil {
		return err
	}
	_, err := m.transport(ctx, sandboxID)
	return err
}

// StopSandbox closes the transport and stops the sandbox.
func (m *Manager) StopSandbox(ctx context.Context, sandboxID string) error {
	m.closeTransport(sandboxID)
	return m.provider.StopSandbox(ctx, sandboxID)
}

// DeleteSandbox closes the transport and deletes the sandbox. The
// provider's ErrHasDependents passes through untouched so the registry can
// fall back to stop + tombstone.
func (m *Manager) DeleteSandbox(ctx context.Context, sandboxID string) error {
	m.closeTransport(sandboxID)
	return m.provider.DeleteSandbox(ctx, sandboxID)
}

func (m *Manager) closeTransport(sandboxID string) {
	m.mu.Lock()
	t, ok := m.transports[sandboxID]
	if ok {
		delete(m.transports, sandboxID)
	}
	m.mu.Unlock()
	if ok {
		_ = t.Close()
	}
}

// GetSandboxState queries the provider's raw state for a sandbox.
func (m *Manager) GetSandboxState(ctx context.Context, sandboxID string) (provider.State, error) {
	return m.provider.GetSandboxState(ctx, sandboxID)
}

// ForkSandbox forks the source sandbox onto a branch. dirName must be the
// fork family root's slug, because the forked filesystem mirrors the root.
func (m *Manager) ForkSandbox(ctx context.Context, srcID, branch, dirName string) (string, error) {
	sandboxID, err := m.provider.ForkSandbox(ctx, srcID, branch, Slug(dirName))
	if err != nil {
		return "", err
	}
	m.RegisterProjectName(sandboxID, dirName)
	return sandboxID, nil
}

// GetPortPreviewURL mints a signed preview URL for one sandbox port.
func (m *Manager) GetPortPreviewURL(ctx context.Context, sandboxID string, port int) (*provider.PreviewURL, error) {
	return m.provider.GetPortPreviewURL(ctx, sandboxID, port)
}

// GetVscodeURL mints the sandbox's hosted-editor URL.
func (m *Manager) GetVscodeURL(ctx context.Context, sandboxID string) (string, error) {
	return m.provider.GetVscodeURL(ctx, sandboxID)
}

// CreateSSHAccess mints time-boxed SSH credentials for the sandbox.
func (m *Manager) CreateSSHAccess(ctx context.Context, sandboxID string) (*provider.SSHAccess, error) {
	return m.provider.CreateSSHAccess(ctx, sandboxID)
}
