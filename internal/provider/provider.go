// Package provider defines the Sandbox Provider Adapter contract: a thin
// driver over the remote sandbox host that creates, stops, deletes, and
// reconnects sandboxes, queries their state, and mints signed preview URLs
// and SSH access. Implementations live in provider/sprites (remote) and
// provider/docker (local daemon).
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sandboxctl/backend/internal/store"
)

// State is the raw lifecycle state reported by a sandbox host.
type State string

const (
	StateStarted  State = "started"
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateStopping State = "stopping"
	StateArchived State = "archived"
	StateError    State = "error"
)

// ErrHasDependents is returned by DeleteSandbox when the sandbox still has
// dependent forks. Callers treat this as "stop instead of delete" and
// tombstone the owning project.
var ErrHasDependents = errors.New("sandbox has dependent forks")

// PreviewURL is a signed URL exposing one sandbox port to the browser.
type PreviewURL struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// SSHAccess is a time-boxed SSH credential minted per request. It is never
// cached past ExpiresAt.
type SSHAccess struct {
	SSHUser   string    `json:"sshUser"`
	SSHHost   string    `json:"sshHost"`
	SSHPort   int       `json:"sshPort"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateRequest carries everything a backend needs to provision a sandbox.
type CreateRequest struct {
	Snapshot    string
	ProjectName string
	GitRepo     string // optional; cloned into the project directory when set
}

// Provider is the sandbox host driver. All operations may fail; errors are
// propagated verbatim and reported by callers.
type Provider interface {
	// CreateSandbox provisions a sandbox from a snapshot and returns its
	// opaque id.
	CreateSandbox(ctx context.Context, req CreateRequest) (sandboxID string, err error)
	// ReconnectSandbox wakes a stopped sandbox and restarts its bridge for
	// the given project directory name.
	ReconnectSandbox(ctx context.Context, sandboxID, dirName string) error
	StopSandbox(ctx context.Context, sandboxID string) error
	// DeleteSandbox removes the sandbox. Returns ErrHasDependents while
	// forked children still share its filesystem lineage.
	DeleteSandbox(ctx context.Context, sandboxID string) error
	GetSandboxState(ctx context.Context, sandboxID string) (State, error)
	// ForkSandbox clones srcID's filesystem into a new sandbox on the given
	// branch and returns the new sandbox id.
	ForkSandbox(ctx context.Context, srcID, branch, projectName string) (sandboxID string, err error)
	GetPortPreviewURL(ctx context.Context, sandboxID string, port int) (*PreviewURL, error)
	GetVscodeURL(ctx context.Context, sandboxID string) (string, error)
	CreateSSHAccess(ctx context.Context, sandboxID string) (*SSHAccess, error)
	// DialBridge opens the authenticated duplex stream to the sandbox's
	// internal bridge port. The caller owns the returned connection.
	DialBridge(ctx context.Context, sandboxID string) (BridgeConn, error)
}

// BridgeConn is one duplex message stream to an in-sandbox bridge. The
// concrete transport (websocket over a provider proxy, docker port map) is a
// backend detail.
type BridgeConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// MapState maps a raw provider state to the Project status set via the fixed
// table of the adapter contract.
func MapState(s State) store.ProjectStatus {
	switch s {
	case StateStarted:
		return store.ProjectStatusRunning
	case StateStopped, StateStopping, StateArchived:
		return store.ProjectStatusStopped
	case StateStarting:
		return store.ProjectStatusStarting
	case StateError:
		return store.ProjectStatusError
	default:
		return store.ProjectStatusError
	}
}
