package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

const (
	devtoolsPort  = "3000/tcp"
	readyInterval = 500 * time.Millisecond
	readyRetries  = 40
)

// Container is a running browserless container bound to one session.
type Container struct {
	ContainerID string
	SessionID   string
	ConnectURL  string
	Port        string
}

// DockerLauncher starts one browser container per session.
type DockerLauncher struct {
	client *client.Client
	image  string
	logger *zap.Logger
}

// NewDockerLauncher creates a launcher that runs imageName through the local Docker daemon.
func NewDockerLauncher(imageName string, logger *zap.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if imageName == "" {
		imageName = "browserless/chrome:latest"
	}
	return &DockerLauncher{
		client: cli,
		image:  imageName,
		logger: logger.Named("docker"),
	}, nil
}

// Launch starts a browser container for sessionID and waits until its DevTools endpoint answers.
func (l *DockerLauncher) Launch(ctx context.Context, sessionID string) (*Container, error) {
	containerConfig := &container.Config{
		Image: l.image,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "browserpool",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			devtoolsPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
	}

	name := sessionID
	if len(name) > 8 {
		name = name[:8]
	}
	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "browserpool-"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	inst, err := l.start(ctx, resp.ID, sessionID)
	if err != nil {
		// the container exists but is unusable
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = l.Stop(stopCtx, resp.ID)
		return nil, err
	}

	l.logger.Debug("Browser container ready.",
		zap.String("session_id", sessionID),
		zap.String("container_id", resp.ID[:12]),
		zap.String("port", inst.Port))
	return inst, nil
}

func (l *DockerLauncher) start(ctx context.Context, containerID, sessionID string) (*Container, error) {
	if err := l.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[devtoolsPort]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("container %s has no binding for %s", containerID[:12], devtoolsPort)
	}
	port := bindings[0].HostPort

	if err := l.waitForBrowserReady(ctx, port); err != nil {
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	return &Container{
		ContainerID: containerID,
		SessionID:   sessionID,
		ConnectURL:  fmt.Sprintf("ws://127.0.0.1:%s", port),
		Port:        port,
	}, nil
}

func (l *DockerLauncher) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := l.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		l.logger.Warn("Failed to stop container.", zap.String("container_id", containerID), zap.Error(err))
	}
	if err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// IsHealthy reports whether the container is still running.
func (l *DockerLauncher) IsHealthy(ctx context.Context, containerID string) bool {
	inspect, err := l.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// EnsureImage pulls the browser image unless it is already present locally.
func (l *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.image {
				return nil
			}
		}
	}

	l.logger.Info("Pulling browser image...", zap.String("image", l.image))
	reader, err := l.client.ImagePull(ctx, l.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

// waitForBrowserReady polls /json/version until the DevTools endpoint answers.
func (l *DockerLauncher) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)
	ticker := time.NewTicker(readyInterval)
	defer ticker.Stop()

	for i := 0; i < readyRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", readyRetries)
}
