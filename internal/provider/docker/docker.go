// Package docker implements the Sandbox Provider Adapter against a local
// Docker daemon. Each sandbox is a container running the bridge image;
// forks are committed images of the source container. This backend exists
// for development without remote sandbox credentials.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/config"
	"github.com/sandboxctl/backend/internal/logger"
	"github.com/sandboxctl/backend/internal/provider"
)

const (
	labelManaged    = "sandboxctl.managed"
	labelProject    = "sandboxctl.project"
	labelForkedFrom = "sandboxctl.forked-from"

	containerPrefix = "sandboxctl-"
	stopTimeout     = 10 * time.Second
)

// Backend drives containers as sandboxes. The sandbox id is the container
// name.
type Backend struct {
	cli        *client.Client
	network    string
	bridgePort int
	logger     *logger.Logger
}

// New creates a docker backend from the daemon configuration.
func New(cfg config.DockerConfig, bridge config.BridgeConfig, log *logger.Logger) (*Backend, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Backend{
		cli:        cli,
		network:    cfg.DefaultNetwork,
		bridgePort: bridge.Port,
		logger:     log.WithFields(zap.String("provider", "docker")),
	}, nil
}

// Close releases the daemon connection.
func (b *Backend) Close() error { return b.cli.Close() }

// CreateSandbox pulls the snapshot image if needed and starts a container
// whose entrypoint is the bridge process.
func (b *Backend) CreateSandbox(ctx context.Context, req provider.CreateRequest) (string, error) {
	name := containerPrefix + uuid.New().String()[:12]

	if err := b.ensureImage(ctx, req.Snapshot); err != nil {
		return "", err
	}

	env := []string{
		"SANDBOX_PROJECT_DIR=" + req.ProjectName,
		fmt.Sprintf("SANDBOX_BRIDGE_PORT=%d", b.bridgePort),
	}
	if req.GitRepo != "" {
		env = append(env, "SANDBOX_GIT_REPO="+req.GitRepo)
	}

	containerCfg := &container.Config{
		Image:  req.Snapshot,
		Env:    env,
		Labels: map[string]string{labelManaged: "true", labelProject: req.ProjectName},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(b.network),
	}

	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	b.logger.Info("container sandbox created",
		zap.String("sandbox_id", name),
		zap.String("image", req.Snapshot))
	return name, nil
}

func (b *Backend) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := b.cli.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}
	reader, err := b.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()
	// Drain so the pull completes before ContainerCreate races it.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// ReconnectSandbox restarts a stopped container. The bridge is the
// container entrypoint, so a start is a bridge relaunch; dirName is encoded
// in the container's environment at create time.
func (b *Backend) ReconnectSandbox(ctx context.Context, sandboxID, dirName string) error {
	if err := b.cli.ContainerStart(ctx, sandboxID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (b *Backend) StopSandbox(ctx context.Context, sandboxID string) error {
	seconds := int(stopTimeout.Seconds())
	err := b.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// DeleteSandbox removes the container. Containers forked from this sandbox
// pin it; deleting while any exist returns ErrHasDependents so the caller
// can stop + tombstone instead.
func (b *Backend) DeleteSandbox(ctx context.Context, sandboxID string) error {
	dependents, err := b.listByLabel(ctx, labelForkedFrom+"="+sandboxID)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return provider.ErrHasDependents
	}
	err = b.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (b *Backend) GetSandboxState(ctx context.Context, sandboxID string) (provider.State, error) {
	info, err := b.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return provider.StateError, fmt.Errorf("failed to inspect container: %w", err)
	}
	switch info.State.Status {
	case "running":
		return provider.StateStarted, nil
	case "created", "restarting":
		return provider.StateStarting, nil
	case "paused", "exited":
		return provider.StateStopped, nil
	case "removing":
		return provider.StateStopping, nil
	case "dead":
		return provider.StateError, nil
	default:
		return provider.StateError, nil
	}
}

// ForkSandbox commits the source container's filesystem to an image and
// starts a new container from it on the requested branch.
func (b *Backend) ForkSandbox(ctx context.Context, srcID, branch, projectName string) (string, error) {
	name := containerPrefix + uuid.New().String()[:12]
	imageRef := "sandboxctl/fork:" + name

	if _, err := b.cli.ContainerCommit(ctx, srcID, container.CommitOptions{Reference: imageRef}); err != nil {
		return "", fmt.Errorf("failed to commit source container: %w", err)
	}

	containerCfg := &container.Config{
		Image: imageRef,
		Env: []string{
			"SANDBOX_PROJECT_DIR=" + projectName,
			"SANDBOX_GIT_BRANCH=" + branch,
			fmt.Sprintf("SANDBOX_BRIDGE_PORT=%d", b.bridgePort),
		},
		Labels: map[string]string{
			labelManaged:    "true",
			labelProject:    projectName,
			labelForkedFrom: srcID,
		},
	}
	hostCfg := &container.HostConfig{NetworkMode: container.NetworkMode(b.network)}

	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create fork container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start fork container: %w", err)
	}
	return name, nil
}

// GetPortPreviewURL returns a direct URL to the container's IP. Local
// containers need no signed token.
func (b *Backend) GetPortPreviewURL(ctx context.Context, sandboxID string, port int) (*provider.PreviewURL, error) {
	ip, err := b.containerIP(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return &provider.PreviewURL{URL: fmt.Sprintf("http://%s:%d", ip, port)}, nil
}

func (b *Backend) GetVscodeURL(ctx context.Context, sandboxID string) (string, error) {
	preview, err := b.GetPortPreviewURL(ctx, sandboxID, 8443)
	if err != nil {
		return "", err
	}
	return preview.URL, nil
}

// CreateSSHAccess is not supported for local containers; use docker exec.
func (b *Backend) CreateSSHAccess(ctx context.Context, sandboxID string) (*provider.SSHAccess, error) {
	return nil, fmt.Errorf("ssh access is not supported by the docker backend")
}

// DialBridge opens the websocket straight to the container's bridge port.
func (b *Backend) DialBridge(ctx context.Context, sandboxID string) (provider.BridgeConn, error) {
	ip, err := b.containerIP(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("ws://%s:%d/ws", ip, b.bridgePort)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }

func (b *Backend) containerIP(ctx context.Context, sandboxID string) (string, error) {
	info, err := b.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if b.network != "" {
		if net, ok := info.NetworkSettings.Networks[b.network]; ok && net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	for _, net := range info.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no network address", sandboxID)
}

func (b *Backend) listByLabel(ctx context.Context, label string) ([]string, error) {
	f := filters.NewArgs()
	f.Add("label", label)
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
	}
	return names, nil
}
