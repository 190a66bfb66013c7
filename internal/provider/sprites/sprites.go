// Package sprites implements the Sandbox Provider Adapter against the
// Sprites.dev remote sandbox host. Sprite creation, in-sprite commands and
// the bridge port-forward go through the official SDK; stop, delete, state
// queries, fork, preview URLs, and SSH minting use the REST API directly.
package sprites

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/config"
	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/provider"
)

const (
	defaultAPIBase   = "https://api.sprites.dev/v1"
	spriteNamePrefix = "sandboxctl-"
	stepTimeout      = 120 * time.Second
	requestTimeout   = 30 * time.Second
	bridgeBinaryPath = "/usr/local/bin/sandbox-bridge"
	vscodePort       = 8443
)

// Backend drives sprites as sandboxes. The sandbox id is the sprite name.
type Backend struct {
	token      string
	apiBase    string
	snapshot   string
	bridgePort int
	httpClient *http.Client
	client     *sprites.Client
	logger     *logger.Logger
}

// New creates a sprites backend from the provider configuration.
func New(cfg config.ProviderConfig, bridge config.BridgeConfig, log *logger.Logger) (*Backend, error) {
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("sprites API token not configured")
	}
	apiBase := cfg.BaseURL
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Backend{
		token:      cfg.APIToken,
		apiBase:    strings.TrimSuffix(apiBase, "/"),
		snapshot:   cfg.SnapshotName,
		bridgePort: bridge.Port,
		httpClient: &http.Client{Timeout: requestTimeout},
		client:     sprites.New(cfg.APIToken, sprites.WithDisableControl()),
		logger:     log.WithFields(zap.String("provider", "sprites")),
	}, nil
}

// CreateSandbox provisions a sprite, clones the git repo when given, and
// launches the bridge process. The requested snapshot is only logged; it is
// not passed to the sprite API.
func (b *Backend) CreateSandbox(ctx context.Context, req provider.CreateRequest) (string, error) {
	name := spriteNamePrefix + uuid.New().String()[:12]

	createCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	b.logger.Info("creating sprite",
		zap.String("sprite", name),
		zap.String("snapshot", req.Snapshot))

	sprite, err := b.client.CreateSprite(createCtx, name, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create sprite: %w", err)
	}

	if req.GitRepo != "" {
		cloneCtx, cancelClone := context.WithTimeout(ctx, stepTimeout)
		defer cancelClone()
		cloneCmd := fmt.Sprintf("git clone %q \"$HOME/%s\"", req.GitRepo, req.ProjectName)
		if out, err := sprite.CommandContext(cloneCtx, "sh", "-c", cloneCmd).Output(); err != nil {
			_ = sprite.Destroy()
			return "", fmt.Errorf("failed to clone repo: %w (output: %s)", err, string(out))
		}
	}

	if err := b.startBridge(ctx, sprite, req.ProjectName); err != nil {
		_ = sprite.Destroy()
		return "", err
	}
	return name, nil
}

// ReconnectSandbox wakes a suspended sprite (any command restarts it) and
// relaunches the bridge if it is not running.
func (b *Backend) ReconnectSandbox(ctx context.Context, sandboxID, dirName string) error {
	sprite := b.client.Sprite(sandboxID)

	wakeCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	if _, err := sprite.CommandContext(wakeCtx, "true").Output(); err != nil {
		return fmt.Errorf("failed to wake sprite: %w", err)
	}
	return b.startBridge(ctx, sprite, dirName)
}

// startBridge launches the in-sandbox bridge process unless one already
// listens on the bridge port.
func (b *Backend) startBridge(ctx context.Context, sprite *sprites.Sprite, dirName string) error {
	startCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	script := fmt.Sprintf(
		`pgrep -f sandbox-bridge >/dev/null || nohup %s --port %d --project-dir "$HOME/%s" >/tmp/sandbox-bridge.log 2>&1 &`,
		bridgeBinaryPath, b.bridgePort, dirName)
	if out, err := sprite.CommandContext(startCtx, "sh", "-c", script).Output(); err != nil {
		return fmt.Errorf("failed to start bridge: %w (output: %s)", err, string(out))
	}
	return nil
}

func (b *Backend) StopSandbox(ctx context.Context, sandboxID string) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := b.apiDo(ctx, http.MethodPost, "/sprites/"+sandboxID+"/stop", nil, &resp); err != nil {
		return fmt.Errorf("failed to stop sprite: %w", err)
	}
	return nil
}

// DeleteSandbox destroys the sprite. A 409 from the API means forked
// children still pin its filesystem lineage; that maps to ErrHasDependents
// so callers fall back to stop + tombstone.
func (b *Backend) DeleteSandbox(ctx context.Context, sandboxID string) error {
	err := b.apiDo(ctx, http.MethodDelete, "/sprites/"+sandboxID, nil, nil)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusConflict {
			return provider.ErrHasDependents
		}
		return fmt.Errorf("failed to destroy sprite: %w", err)
	}
	return nil
}

func (b *Backend) GetSandboxState(ctx context.Context, sandboxID string) (provider.State, error) {
	var resp struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := b.apiDo(ctx, http.MethodGet, "/sprites/"+sandboxID, nil, &resp); err != nil {
		return provider.StateError, fmt.Errorf("failed to query sprite state: %w", err)
	}
	switch resp.Status {
	case "running", "started":
		return provider.StateStarted, nil
	case "suspended", "stopped":
		return provider.StateStopped, nil
	case "starting", "resuming":
		return provider.StateStarting, nil
	case "stopping", "suspending":
		return provider.StateStopping, nil
	case "archived":
		return provider.StateArchived, nil
	default:
		return provider.StateError, nil
	}
}

// ForkSandbox clones the source sprite's filesystem into a new sprite and
// checks out the working branch there.
func (b *Backend) ForkSandbox(ctx context.Context, srcID, branch, projectName string) (string, error) {
	name := spriteNamePrefix + uuid.New().String()[:12]

	body := map[string]string{"name": name}
	if err := b.apiDo(ctx, http.MethodPost, "/sprites/"+srcID+"/fork", body, nil); err != nil {
		return "", fmt.Errorf("failed to fork sprite: %w", err)
	}

	sprite := b.client.Sprite(name)
	checkoutCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	// The fork mirrors the root's filesystem, so the directory carries the
	// root project's slug, not the fork's own name.
	checkout := fmt.Sprintf(`cd "$HOME/%s" && git checkout -B %q`, projectName, branch)
	if out, err := sprite.CommandContext(checkoutCtx, "sh", "-c", checkout).Output(); err != nil {
		_ = sprite.Destroy()
		return "", fmt.Errorf("failed to check out fork branch: %w (output: %s)", err, string(out))
	}

	if err := b.startBridge(ctx, sprite, projectName); err != nil {
		_ = sprite.Destroy()
		return "", err
	}
	return name, nil
}

func (b *Backend) GetPortPreviewURL(ctx context.Context, sandboxID string, port int) (*provider.PreviewURL, error) {
	var resp struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/sprites/%s/ports/%d/url", sandboxID, port)
	if err := b.apiDo(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to mint preview url: %w", err)
	}
	return &provider.PreviewURL{URL: resp.URL, Token: resp.Token}, nil
}

func (b *Backend) GetVscodeURL(ctx context.Context, sandboxID string) (string, error) {
	preview, err := b.GetPortPreviewURL(ctx, sandboxID, vscodePort)
	if err != nil {
		return "", err
	}
	return preview.URL, nil
}

func (b *Backend) CreateSSHAccess(ctx context.Context, sandboxID string) (*provider.SSHAccess, error) {
	var resp struct {
		SSHUser   string    `json:"ssh_user"`
		SSHHost   string    `json:"ssh_host"`
		SSHPort   int       `json:"ssh_port"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := b.apiDo(ctx, http.MethodPost, "/sprites/"+sandboxID+"/ssh", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to mint ssh access: %w", err)
	}
	return &provider.SSHAccess{
		SSHUser:   resp.SSHUser,
		SSHHost:   resp.SSHHost,
		SSHPort:   resp.SSHPort,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}

// DialBridge forwards a local port to the sprite's bridge port and opens the
// websocket over the forwarded listener.
func (b *Backend) DialBridge(ctx context.Context, sandboxID string) (provider.BridgeConn, error) {
	sprite := b.client.Sprite(sandboxID)

	localPort, err := getFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to get free port: %w", err)
	}
	session, err := sprite.ProxyPort(ctx, localPort, b.bridgePort)
	if err != nil {
		return nil, fmt.Errorf("port forwarding failed: %w", err)
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", localPort)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to dial bridge: %w", err)
	}
	return &proxiedConn{conn: conn, session: session}, nil
}

// proxiedConn ties the websocket's lifetime to its proxy session.
type proxiedConn struct {
	conn    *websocket.Conn
	session *sprites.ProxySession
}

func (c *proxiedConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *proxiedConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *proxiedConn) Close() error {
	err := c.conn.Close()
	if serr := c.session.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// --- REST helpers ---

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("sprites API returned %d: %s", e.status, e.body)
}

func (b *Backend) apiDo(ctx context.Context, method, path string, body, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, b.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &apiError{status: resp.StatusCode, body: string(data)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
