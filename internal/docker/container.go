package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/go-connections/nat"
)

// RunSpec describes a long-running service container.
type RunSpec struct {
	Name     string
	Image    string
	Env      []string
	Labels   map[string]string
	MemoryMB int
	Port     int
}

// ContainerInfo captures minimal runtime details about a container.
type ContainerInfo struct {
	ID          string
	Name        string
	Labels      map[string]string
	Running     bool
	PortBinding nat.PortMap
}

// HostPort returns the first host port bound to the container port.
func (i ContainerInfo) HostPort(port int) (string, bool) {
	bindings := i.PortBinding[nat.Port(fmt.Sprintf("%d/tcp", port))]
	for _, b := range bindings {
		if strings.TrimSpace(b.HostPort) != "" {
			return b.HostPort, true
		}
	}
	return "", false
}

// RunContainer creates and starts a container publishing spec.Port on an
// ephemeral loopback port.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (ContainerInfo, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}
	if spec.Port <= 0 {
		return ContainerInfo{}, fmt.Errorf("container port must be positive")
	}
	port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))

	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}},
		RestartPolicy: container.RestartPolicy{
			Name: "unless-stopped",
		},
	}
	if spec.MemoryMB > 0 {
		hostCfg.Resources.Memory = int64(spec.MemoryMB) << 20
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	var info ContainerInfo
	for attempt := 0; attempt < 10; attempt++ {
		info, err = c.InspectContainer(ctx, r.ID)
		if err != nil {
			return ContainerInfo{}, err
		}
		if _, ok := info.HostPort(spec.Port); ok {
			break
		}
		select {
		case <-ctx.Done():
			return ContainerInfo{}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return info, nil
}

// InspectContainer returns details for the named container, or ErrNotFound.
func (c *Client) InspectContainer(ctx context.Context, name string) (ContainerInfo, error) {
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		return ContainerInfo{}, containerError("inspect", name, err)
	}
	return containerInfo(inspect), nil
}

// ListContainers returns all containers carrying the given label.
func (c *Client) ListContainers(ctx context.Context, label string) ([]ContainerInfo, error) {
	opts := container.ListOptions{All: true}
	if label != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", label))
	}
	list, err := c.inner.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]ContainerInfo, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		bindings := nat.PortMap{}
		for _, p := range item.Ports {
			if p.PublicPort == 0 {
				continue
			}
			key := nat.Port(fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
			bindings[key] = append(bindings[key], nat.PortBinding{HostIP: p.IP, HostPort: fmt.Sprintf("%d", p.PublicPort)})
		}
		out = append(out, ContainerInfo{
			ID:          item.ID,
			Name:        name,
			Labels:      item.Labels,
			Running:     item.State == "running",
			PortBinding: bindings,
		})
	}
	return out, nil
}

// RemoveContainer force-removes a container, returning ErrNotFound when absent.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return containerError("remove", name, err)
	}
	return nil
}

func containerInfo(inspect types.ContainerJSON) ContainerInfo {
	info := ContainerInfo{PortBinding: nat.PortMap{}}
	if inspect.ContainerJSONBase != nil {
		info.ID = inspect.ID
		info.Name = strings.TrimPrefix(inspect.Name, "/")
		if inspect.State != nil {
			info.Running = inspect.State.Running
		}
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		info.PortBinding = inspect.NetworkSettings.Ports
	}
	return info
}
