// Package local runs runtime services as containers on the local Docker
// daemon. It backs development and integration runs without a cloud account.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/tomwhite/lithops/internal/docker"
	"github.com/tomwhite/lithops/internal/platform"
	"github.com/tomwhite/lithops/internal/protocol"
)

const (
	containerPort = 8080
	serviceLabel  = "lithops.dev/service"
)

// containerRuntime is satisfied by *docker.Client.
type containerRuntime interface {
	RunContainer(ctx context.Context, spec docker.RunSpec) (docker.ContainerInfo, error)
	InspectContainer(ctx context.Context, name string) (docker.ContainerInfo, error)
	ListContainers(ctx context.Context, label string) ([]docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, name string) error
}

// Platform deploys services as local containers.
type Platform struct {
	docker           containerRuntime
	httpClient       *http.Client
	logger           *slog.Logger
	readinessTimeout time.Duration
	pollInterval     time.Duration
}

// New returns a local platform over the Docker client.
func New(client containerRuntime, readinessTimeout time.Duration, log *slog.Logger) *Platform {
	if readinessTimeout <= 0 {
		readinessTimeout = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Platform{
		docker:           client,
		httpClient:       &http.Client{Timeout: 5 * time.Second},
		logger:           log,
		readinessTimeout: readinessTimeout,
		pollInterval:     250 * time.Millisecond,
	}
}

// Deploy replaces any existing container for the service and waits until the
// dispatcher answers its metadata route.
func (p *Platform) Deploy(ctx context.Context, req platform.DeployRequest) (platform.Service, error) {
	if err := p.docker.RemoveContainer(ctx, req.Name); err != nil && !errors.Is(err, docker.ErrNotFound) {
		return platform.Service{}, fmt.Errorf("replace container: %w", err)
	}

	env := []string{
		"PORT=" + strconv.Itoa(containerPort),
		"LITHOPS_TARGET=local",
	}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}

	info, err := p.docker.RunContainer(ctx, docker.RunSpec{
		Name:     req.Name,
		Image:    req.Image,
		Env:      env,
		MemoryMB: req.MemoryMB,
		Port:     containerPort,
		Labels: map[string]string{
			platform.ManagedByLabel: platform.ManagedByValue,
			serviceLabel:            req.Name,
		},
	})
	if err != nil {
		return platform.Service{}, err
	}
	svc, err := toService(req.Name, info)
	if err != nil {
		return platform.Service{}, err
	}
	if err := p.waitReady(ctx, svc.URL); err != nil {
		return platform.Service{}, fmt.Errorf("wait for %s: %w", req.Name, err)
	}
	svc.State = platform.StateReady
	p.logger.Debug("local runtime ready", "service_name", req.Name, "url", svc.URL)
	return svc, nil
}

// Describe inspects the service container.
func (p *Platform) Describe(ctx context.Context, name string) (platform.Service, error) {
	info, err := p.docker.InspectContainer(ctx, name)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return platform.Service{}, fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
		}
		return platform.Service{}, err
	}
	return toService(name, info)
}

// List returns every container this backend started.
func (p *Platform) List(ctx context.Context) ([]platform.Service, error) {
	infos, err := p.docker.ListContainers(ctx, platform.ManagedByLabel+"="+platform.ManagedByValue)
	if err != nil {
		return nil, err
	}
	out := make([]platform.Service, 0, len(infos))
	for _, info := range infos {
		name := info.Labels[serviceLabel]
		if name == "" {
			name = info.Name
		}
		svc, err := toService(name, info)
		if err != nil {
			// Stopped containers have no published port.
			svc = platform.Service{Name: name, State: platform.StateDeploying}
		}
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete force-removes the service container.
func (p *Platform) Delete(ctx context.Context, name string) error {
	if err := p.docker.RemoveContainer(ctx, name); err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
		}
		return err
	}
	return nil
}

func toService(name string, info docker.ContainerInfo) (platform.Service, error) {
	port, ok := info.HostPort(containerPort)
	if !ok {
		return platform.Service{}, fmt.Errorf("container %s has no published port", name)
	}
	state := platform.StateDeploying
	if info.Running {
		state = platform.StateReady
	}
	return platform.Service{
		Name:  name,
		URL:   "http://127.0.0.1:" + port,
		State: state,
	}, nil
}

func (p *Platform) waitReady(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.readinessTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+protocol.RouteHealth, nil)
		if err != nil {
			return err
		}
		resp, err := p.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
