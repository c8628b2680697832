// Package docker provides a Docker-based implementation of the
// container.Runtime interface.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/OpenElevo/ElevoSandbox/internal/container"
	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
)

// Provider implements container.Runtime using the Docker Engine API.
type Provider struct {
	client *client.Client
	log    *logger.Logger
}

// NewProvider creates a new Docker runtime provider and verifies the
// daemon is reachable.
func NewProvider(host string, log *logger.Logger) (*Provider, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errdefs.DockerError(err, "failed to create docker client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, errdefs.DockerError(err, "failed to connect to docker daemon")
	}

	return &Provider{client: cli, log: log}, nil
}

// EnsureImage pulls the image if it is not present locally.
func (p *Provider) EnsureImage(ctx context.Context, ref string) error {
	if !strings.Contains(ref, ":") {
		ref += ":latest"
	}

	if _, err := p.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	p.log.Info("pulling image", "image", ref)
	reader, err := p.client.ImagePull(ctx, ref, imageTypes.PullOptions{})
	if err != nil {
		return errdefs.DockerError(err, "failed to pull image "+ref)
	}
	defer reader.Close()

	// The pull stream must be drained for the pull to complete; a mid-pull
	// failure surfaces as a read error.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return errdefs.DockerError(err, "failed to pull image "+ref)
	}
	return nil
}

// Create creates a container and returns its engine ID. The image is
// pulled first if absent.
func (p *Provider) Create(ctx context.Context, opts container.CreateOptions) (string, error) {
	if err := p.EnsureImage(ctx, opts.Image); err != nil {
		return "", err
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	binds := make([]string, 0, len(opts.Binds))
	for host, dst := range opts.Binds {
		binds = append(binds, fmt.Sprintf("%s:%s", host, dst))
	}

	containerConfig := &containerTypes.Config{
		Image:      opts.Image,
		Cmd:        opts.Cmd,
		Env:        env,
		Labels:     opts.Labels,
		WorkingDir: opts.WorkingDir,
	}

	hostConfig := &containerTypes.HostConfig{
		Binds: binds,
	}
	if opts.NetworkMode != "" {
		hostConfig.NetworkMode = containerTypes.NetworkMode(opts.NetworkMode)
	}
	if opts.MemoryLimit > 0 {
		hostConfig.Memory = opts.MemoryLimit
	}
	if opts.NanoCPUs > 0 {
		hostConfig.NanoCPUs = opts.NanoCPUs
	}
	if len(opts.ExtraHosts) > 0 {
		hostConfig.ExtraHosts = opts.ExtraHosts
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", errdefs.DockerError(err, "failed to create container")
	}

	p.log.Info("container created", "name", opts.Name, "id", resp.ID)
	return resp.ID, nil
}

// Start starts a previously created container.
func (p *Provider) Start(ctx context.Context, id string) error {
	if err := p.client.ContainerStart(ctx, id, containerTypes.StartOptions{}); err != nil {
		return errdefs.DockerError(err, "failed to start container")
	}
	return nil
}

// Stop stops a running container, waiting up to grace before killing.
func (p *Provider) Stop(ctx context.Context, id string, grace time.Duration) error {
	graceSeconds := int(grace.Seconds())
	if err := p.client.ContainerStop(ctx, id, containerTypes.StopOptions{Timeout: &graceSeconds}); err != nil {
		return errdefs.DockerError(err, "failed to stop container")
	}
	return nil
}

// Remove removes a container and its anonymous volumes.
func (p *Provider) Remove(ctx context.Context, id string, force bool) error {
	err := p.client.ContainerRemove(ctx, id, containerTypes.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return errdefs.DockerError(err, "failed to remove container")
	}
	return nil
}

// IsRunning reports whether the container is currently running.
func (p *Provider) IsRunning(ctx context.Context, id string) (bool, error) {
	info, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		return false, errdefs.DockerError(err, "failed to inspect container")
	}
	return info.State != nil && info.State.Running, nil
}

// Stats returns a point-in-time resource snapshot. The engine provides two
// CPU samples in one response, so no second round trip is needed.
func (p *Provider) Stats(ctx context.Context, id string) (*container.Stats, error) {
	resp, err := p.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, errdefs.DockerError(err, "failed to read container stats")
	}
	defer resp.Body.Close()

	var stats containerTypes.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, errdefs.DockerError(err, "failed to decode container stats")
	}

	var rx, tx uint64
	for _, net := range stats.Networks {
		rx += net.RxBytes
		tx += net.TxBytes
	}

	return &container.Stats{
		CPUPercent:     cpuPercent(&stats),
		MemoryUsage:    stats.MemoryStats.Usage,
		MemoryLimit:    stats.MemoryStats.Limit,
		NetworkRxBytes: rx,
		NetworkTxBytes: tx,
	}, nil
}

// Logs streams container output. The caller must close the reader.
func (p *Provider) Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error) {
	tailStr := "all"
	if tail > 0 {
		tailStr = strconv.Itoa(tail)
	}

	reader, err := p.client.ContainerLogs(ctx, id, containerTypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
		Follow:     follow,
	})
	if err != nil {
		return nil, errdefs.DockerError(err, "failed to read container logs")
	}
	return reader, nil
}

// ListByLabel returns IDs of containers carrying label key=value.
func (p *Provider) ListByLabel(ctx context.Context, key, value string) ([]string, error) {
	containers, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", key, value)),
		),
	})
	if err != nil {
		return nil, errdefs.DockerError(err, "failed to list containers")
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// cpuPercent computes CPU usage from the two samples in a stats response.
// Pinned to 0 when either delta is non-positive (first sample, or a
// counter reset).
func cpuPercent(stats *containerTypes.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)

	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}

	numCPUs := float64(stats.CPUStats.OnlineCPUs)
	if numCPUs == 0 {
		numCPUs = 1
	}
	return (cpuDelta / systemDelta) * numCPUs * 100
}
