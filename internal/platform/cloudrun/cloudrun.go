// Package cloudrun manages runtime services through the Cloud Run Admin API v2.
package cloudrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"cloud.google.com/go/iam/apiv1/iampb"
	run "cloud.google.com/go/run/apiv2"
	"cloud.google.com/go/run/apiv2/runpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tomwhite/lithops/internal/platform"
)

const containerPort = 8080

// servicesAPI is the subset of the Admin API the platform needs, with
// long-running operations already awaited.
type servicesAPI interface {
	Get(ctx context.Context, name string) (*runpb.Service, error)
	Create(ctx context.Context, parent, id string, svc *runpb.Service) (*runpb.Service, error)
	Update(ctx context.Context, svc *runpb.Service) (*runpb.Service, error)
	List(ctx context.Context, parent string) ([]*runpb.Service, error)
	Delete(ctx context.Context, name string) error
	AllowUnauthenticated(ctx context.Context, name string) error
	Close() error
}

// Platform deploys runtimes as Cloud Run services.
type Platform struct {
	api     servicesAPI
	project string
	region  string
	logger  *slog.Logger
}

// New dials the Admin API for project and region.
func New(ctx context.Context, project, region string, log *slog.Logger, opts ...option.ClientOption) (*Platform, error) {
	if project == "" || region == "" {
		return nil, errors.New("cloud run requires project and region")
	}
	client, err := run.NewServicesClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create cloud run client: %w", err)
	}
	return newWithAPI(&adminClient{client: client}, project, region, log), nil
}

func newWithAPI(api servicesAPI, project, region string, log *slog.Logger) *Platform {
	if log == nil {
		log = slog.Default()
	}
	return &Platform{api: api, project: project, region: region, logger: log}
}

// Close releases the underlying connection.
func (p *Platform) Close() error {
	return p.api.Close()
}

func (p *Platform) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", p.project, p.region)
}

func (p *Platform) fullName(name string) string {
	return fmt.Sprintf("%s/services/%s", p.parent(), name)
}

// Deploy creates the service, or updates it in place when it already exists,
// and opens it to unauthenticated invocations.
func (p *Platform) Deploy(ctx context.Context, req platform.DeployRequest) (platform.Service, error) {
	desired := p.serviceSpec(req)

	var (
		deployed *runpb.Service
		err      error
	)
	_, getErr := p.api.Get(ctx, p.fullName(req.Name))
	switch {
	case getErr == nil:
		deployed, err = p.api.Update(ctx, desired)
	case isNotFound(getErr):
		// Create takes the id separately and rejects a populated name.
		desired.Name = ""
		deployed, err = p.api.Create(ctx, p.parent(), req.Name, desired)
	default:
		return platform.Service{}, fmt.Errorf("get service %s: %w", req.Name, getErr)
	}
	if err != nil {
		return platform.Service{}, fmt.Errorf("deploy service %s: %w", req.Name, err)
	}
	if err := p.api.AllowUnauthenticated(ctx, p.fullName(req.Name)); err != nil {
		return platform.Service{}, fmt.Errorf("set invoker policy for %s: %w", req.Name, err)
	}
	p.logger.Debug("cloud run service deployed", "service_name", req.Name, "url", deployed.GetUri())
	return toService(deployed), nil
}

// Describe fetches one service.
func (p *Platform) Describe(ctx context.Context, name string) (platform.Service, error) {
	svc, err := p.api.Get(ctx, p.fullName(name))
	if err != nil {
		if isNotFound(err) {
			return platform.Service{}, fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
		}
		return platform.Service{}, fmt.Errorf("get service %s: %w", name, err)
	}
	return toService(svc), nil
}

// List returns every service in the region.
func (p *Platform) List(ctx context.Context) ([]platform.Service, error) {
	svcs, err := p.api.List(ctx, p.parent())
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	out := make([]platform.Service, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, toService(svc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the service.
func (p *Platform) Delete(ctx context.Context, name string) error {
	if err := p.api.Delete(ctx, p.fullName(name)); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
		}
		return fmt.Errorf("delete service %s: %w", name, err)
	}
	return nil
}

func (p *Platform) serviceSpec(req platform.DeployRequest) *runpb.Service {
	env := make([]*runpb.EnvVar, 0, len(req.Env))
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, &runpb.EnvVar{Name: k, Values: &runpb.EnvVar_Value{Value: req.Env[k]}})
	}

	template := &runpb.RevisionTemplate{
		Scaling: &runpb.RevisionScaling{MaxInstanceCount: int32(req.MaxInstances)},
		// The dispatcher runs one activation at a time.
		MaxInstanceRequestConcurrency: 1,
		Containers: []*runpb.Container{{
			Image: req.Image,
			Env:   env,
			Ports: []*runpb.ContainerPort{{ContainerPort: containerPort}},
			Resources: &runpb.ResourceRequirements{
				Limits: map[string]string{"memory": fmt.Sprintf("%dMi", req.MemoryMB)},
			},
		}},
	}
	if req.Timeout > 0 {
		template.Timeout = durationpb.New(req.Timeout.Truncate(time.Second))
	}
	return &runpb.Service{
		Name:     p.fullName(req.Name),
		Labels:   map[string]string{"managed-by": platform.ManagedByValue},
		Ingress:  runpb.IngressTraffic_INGRESS_TRAFFIC_ALL,
		Template: template,
	}
}

func toService(svc *runpb.Service) platform.Service {
	state := platform.StateDeploying
	switch {
	case svc.GetDeleteTime() != nil:
		state = platform.StateDeleting
	case !svc.GetReconciling() && svc.GetTerminalCondition().GetState() == runpb.Condition_CONDITION_SUCCEEDED:
		state = platform.StateReady
	}
	return platform.Service{Name: path.Base(svc.GetName()), URL: svc.GetUri(), State: state}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

type adminClient struct {
	client *run.ServicesClient
}

func (a *adminClient) Get(ctx context.Context, name string) (*runpb.Service, error) {
	return a.client.GetService(ctx, &runpb.GetServiceRequest{Name: name})
}

func (a *adminClient) Create(ctx context.Context, parent, id string, svc *runpb.Service) (*runpb.Service, error) {
	op, err := a.client.CreateService(ctx, &runpb.CreateServiceRequest{Parent: parent, ServiceId: id, Service: svc})
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (a *adminClient) Update(ctx context.Context, svc *runpb.Service) (*runpb.Service, error) {
	op, err := a.client.UpdateService(ctx, &runpb.UpdateServiceRequest{Service: svc})
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (a *adminClient) List(ctx context.Context, parent string) ([]*runpb.Service, error) {
	it := a.client.ListServices(ctx, &runpb.ListServicesRequest{Parent: parent})
	var out []*runpb.Service
	for {
		svc, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
}

func (a *adminClient) Delete(ctx context.Context, name string) error {
	op, err := a.client.DeleteService(ctx, &runpb.DeleteServiceRequest{Name: name})
	if err != nil {
		return err
	}
	_, err = op.Wait(ctx)
	return err
}

func (a *adminClient) AllowUnauthenticated(ctx context.Context, name string) error {
	policy, err := a.client.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{Resource: name})
	if err != nil {
		return err
	}
	for _, b := range policy.GetBindings() {
		if b.GetRole() == invokerRole {
			for _, m := range b.GetMembers() {
				if m == "allUsers" {
					return nil
				}
			}
		}
	}
	policy.Bindings = append(policy.Bindings, &iampb.Binding{Role: invokerRole, Members: []string{"allUsers"}})
	_, err = a.client.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{Resource: name, Policy: policy})
	return err
}

func (a *adminClient) Close() error {
	return a.client.Close()
}

const invokerRole = "roles/run.invoker"
