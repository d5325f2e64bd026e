package kampe

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const bridgeNameOption = "com.docker.network.bridge.name"

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime connects to the daemon named by DOCKER_HOST, or to host
// when it is set. A bare path is taken as a unix socket.
func NewDockerRuntime(ctx context.Context, host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		if !strings.Contains(host, "://") {
			host = "unix://" + host
		}
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	return &DockerRuntime{client: cli}, nil
}

func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

func notFound(err error, what string) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string, pull bool) error {
	_, err := d.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}
	if !pull {
		return fmt.Errorf("image %s: %w", ref, ErrNotFound)
	}

	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull completes when the progress stream ends.
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *DockerRuntime) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	opts := network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{
				Subnet:  spec.Subnet.String(),
				Gateway: spec.Gateway.String(),
			}},
		},
		Labels: spec.Labels,
	}
	if spec.Bridge != "" {
		opts.Options = map[string]string{bridgeNameOption: spec.Bridge}
	}

	resp, err := d.client.NetworkCreate(ctx, spec.Name, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.client.NetworkRemove(ctx, name); err != nil {
		return notFound(err, "network "+name)
	}
	return nil
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Entrypoint: spec.Entrypoint,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		Labels:     spec.Labels,
		WorkingDir: spec.WorkingDir,
	}
	if len(spec.ExposedPorts) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		for _, p := range spec.ExposedPorts {
			cfg.ExposedPorts[nat.Port(strconv.Itoa(int(p))+"/tcp")] = struct{}{}
		}
	}
	if spec.Health != nil {
		cfg.Healthcheck = &container.HealthConfig{
			Test:     spec.Health.Test,
			Interval: spec.Health.Interval,
			Timeout:  spec.Health.Timeout,
			Retries:  spec.Health.Retries,
		}
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Network),
		Binds:       spec.Binds,
		CapAdd:      spec.CapAdd,
		CapDrop:     spec.CapDrop,
		DNS:         spec.DNS,
		ExtraHosts:  spec.ExtraHosts,
		Sysctls:     spec.Sysctls,
		AutoRemove:  false,
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		endpoint := &network.EndpointSettings{}
		if spec.IPv4.IsValid() {
			endpoint.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: spec.IPv4.String()}
		}
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: endpoint},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", notFound(err, id))
	}
	return nil
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, id string) (ContainerStatus, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerStatus{}, notFound(err, "container "+id)
	}

	st := ContainerStatus{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}
	if info.Config != nil {
		st.Labels = info.Config.Labels
	}
	if info.State != nil {
		st.Running = info.State.Running
		st.Status = string(info.State.Status)
		st.ExitCode = info.State.ExitCode
		if info.State.Health != nil {
			st.Health = string(info.State.Health.Status)
		}
	}
	return st, nil
}

func (d *DockerRuntime) StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	reader, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	// Without a TTY the stream is multiplexed with an 8-byte frame header.
	_, err = stdcopy.StdCopy(stdout, stderr, reader)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *DockerRuntime) WaitContainer(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, notFound(err, "container "+id)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), fmt.Errorf("wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerRuntime) SignalContainer(ctx context.Context, id, signal string) error {
	if err := d.client.ContainerKill(ctx, id, signal); err != nil {
		return notFound(err, "container "+id)
	}
	return nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return notFound(err, "container "+id)
	}
	return nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return notFound(err, "container "+id)
	}
	return nil
}

func (d *DockerRuntime) ListContainers(ctx context.Context, label string) ([]ContainerStatus, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerStatus, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerStatus{
			ID:      c.ID,
			Name:    name,
			Running: c.State == "running",
			Status:  c.Status,
			Labels:  c.Labels,
		})
	}
	return out, nil
}

var _ Runtime = (*DockerRuntime)(nil)
