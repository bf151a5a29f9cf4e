package ar

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/taskforge/taskforge/internal/logging"
	"go.uber.org/zap"
)

// DockerLauncher runs the AR inside a container instead of as a local
// subprocess, for environments where the AR image is the distribution
// unit. It satisfies the same Launcher interface as SubprocessLauncher
// so Runtime does not care which one it holds.
type DockerLauncher struct {
	cli         *client.Client
	image       string
	hostname    string
	port        int
	network     string
	logger      *logging.Logger
	containerID string
}

// NewDockerLauncher builds a launcher that runs image as the AR,
// publishing its HTTP port to the host.
func NewDockerLauncher(dockerHost, apiVersion, image, hostname string, port int, defaultNetwork string, logger *logging.Logger) (*DockerLauncher, error) {
	opts := []client.Opt{client.FromEnv}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("ar docker launcher: %w", err)
	}
	return &DockerLauncher{
		cli:      cli,
		image:    image,
		hostname: hostname,
		port:     port,
		network:  defaultNetwork,
		logger:   logger,
	}, nil
}

// Start creates and runs the AR container, then waits for its published
// health endpoint to answer. The image is not pulled; it must already be
// present on the Docker host.
func (d *DockerLauncher) Start(ctx context.Context) error {
	containerPort, err := nat.NewPort("tcp", "8080")
	if err != nil {
		return fmt.Errorf("ar docker launcher: %w", err)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: d.hostname, HostPort: fmt.Sprintf("%d", d.port)}},
		},
		NetworkMode: container.NetworkMode(d.network),
	}, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return fmt.Errorf("ar docker launcher: create: %w", err)
	}
	d.containerID = resp.ID

	if err := d.cli.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("ar docker launcher: start: %w", err)
	}

	go d.streamLogs(ctx)

	if err := pollHealthy(ctx, d.hostname, d.port); err != nil {
		_ = d.Stop(ctx)
		return fmt.Errorf("ar docker launcher: %w", err)
	}
	return nil
}

// Stop removes the AR container, stopping it first if still running.
func (d *DockerLauncher) Stop(ctx context.Context) error {
	if d.containerID == "" {
		return nil
	}
	timeout := 5
	_ = d.cli.ContainerStop(ctx, d.containerID, container.StopOptions{Timeout: &timeout})
	err := d.cli.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
	d.containerID = ""
	if err != nil {
		return fmt.Errorf("ar docker launcher: remove: %w", err)
	}
	return nil
}

// Running reports whether the AR container is currently running.
func (d *DockerLauncher) Running() bool {
	if d.containerID == "" {
		return false
	}
	info, err := d.cli.ContainerInspect(context.Background(), d.containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func (d *DockerLauncher) streamLogs(ctx context.Context) {
	rc, err := d.cli.ContainerLogs(ctx, d.containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return
	}
	defer rc.Close()
	buf := make([]byte, 4096)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			d.logger.WithFields(zap.String("source", "ar"), zap.String("stream", "docker")).Info(string(buf[:n]))
		}
		if err != nil {
			if err != io.EOF {
				d.logger.WithError(err).Warn("ar docker log stream ended")
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		time.Sleep(10 * time.Millisecond)
	}
}
