package cloudrun

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"testing"
	"time"

	"cloud.google.com/go/run/apiv2/runpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tomwhite/lithops/internal/platform"
)

type fakeAPI struct {
	services map[string]*runpb.Service
	public   map[string]bool
	created  int
	updated  int
	failList error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{services: map[string]*runpb.Service{}, public: map[string]bool{}}
}

func (f *fakeAPI) Get(_ context.Context, name string) (*runpb.Service, error) {
	svc, ok := f.services[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "service not found")
	}
	return svc, nil
}

func (f *fakeAPI) ready(svc *runpb.Service) *runpb.Service {
	svc.Uri = "https://" + path.Base(svc.Name) + "-xyz.a.run.app"
	svc.TerminalCondition = &runpb.Condition{State: runpb.Condition_CONDITION_SUCCEEDED}
	return svc
}

func (f *fakeAPI) Create(_ context.Context, parent, id string, svc *runpb.Service) (*runpb.Service, error) {
	if svc.Name != "" {
		return nil, status.Error(codes.InvalidArgument, "name must be empty")
	}
	f.created++
	svc.Name = parent + "/services/" + id
	f.services[svc.Name] = f.ready(svc)
	return svc, nil
}

func (f *fakeAPI) Update(_ context.Context, svc *runpb.Service) (*runpb.Service, error) {
	f.updated++
	f.services[svc.Name] = f.ready(svc)
	return svc, nil
}

func (f *fakeAPI) List(context.Context, string) ([]*runpb.Service, error) {
	if f.failList != nil {
		return nil, f.failList
	}
	out := make([]*runpb.Service, 0, len(f.services))
	for _, svc := range f.services {
		out = append(out, svc)
	}
	return out, nil
}

func (f *fakeAPI) Delete(_ context.Context, name string) error {
	if _, ok := f.services[name]; !ok {
		return status.Error(codes.NotFound, "service not found")
	}
	delete(f.services, name)
	return nil
}

func (f *fakeAPI) AllowUnauthenticated(_ context.Context, name string) error {
	f.public[name] = true
	return nil
}

func (f *fakeAPI) Close() error { return nil }

func newTestPlatform(api *fakeAPI) *Platform {
	return newWithAPI(api, "proj", "us-east1", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDeployCreatesThenUpdates(t *testing.T) {
	api := newFakeAPI()
	p := newTestPlatform(api)
	ctx := context.Background()
	req := platform.DeployRequest{
		Name:         "proj--fn--v1-512mb",
		Image:        "gcr.io/proj/fn:v1",
		MemoryMB:     512,
		MaxInstances: 20,
		Timeout:      600 * time.Second,
		Env:          map[string]string{"LITHOPS_TARGET": "cloudrun"},
	}

	svc, err := p.Deploy(ctx, req)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if svc.Name != req.Name || svc.State != platform.StateReady || svc.URL != "https://proj--fn--v1-512mb-xyz.a.run.app" {
		t.Fatalf("unexpected service %+v", svc)
	}
	full := "projects/proj/locations/us-east1/services/" + req.Name
	stored := api.services[full]
	tmpl := stored.GetTemplate()
	if tmpl.GetScaling().GetMaxInstanceCount() != 20 {
		t.Fatalf("unexpected max instances %d", tmpl.GetScaling().GetMaxInstanceCount())
	}
	if tmpl.GetTimeout().AsDuration() != 10*time.Minute {
		t.Fatalf("unexpected timeout %v", tmpl.GetTimeout().AsDuration())
	}
	if got := tmpl.GetContainers()[0].GetResources().GetLimits()["memory"]; got != "512Mi" {
		t.Fatalf("unexpected memory limit %s", got)
	}
	if !api.public[full] {
		t.Fatalf("expected service opened to unauthenticated callers")
	}

	if _, err := p.Deploy(ctx, req); err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if api.created != 1 || api.updated != 1 {
		t.Fatalf("expected one create and one update, got %d/%d", api.created, api.updated)
	}
}

func TestDescribeAndDeleteNotFound(t *testing.T) {
	p := newTestPlatform(newFakeAPI())
	ctx := context.Background()

	if _, err := p.Describe(ctx, "missing"); !errors.Is(err, platform.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
	if err := p.Delete(ctx, "missing"); !errors.Is(err, platform.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestListSortsAndReportsState(t *testing.T) {
	api := newFakeAPI()
	api.services["projects/proj/locations/us-east1/services/b"] = &runpb.Service{
		Name:        "projects/proj/locations/us-east1/services/b",
		Reconciling: true,
	}
	api.services["projects/proj/locations/us-east1/services/a"] = &runpb.Service{
		Name:       "projects/proj/locations/us-east1/services/a",
		DeleteTime: timestamppb.Now(),
	}
	p := newTestPlatform(api)

	services, err := p.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(services) != 2 || services[0].Name != "a" || services[1].Name != "b" {
		t.Fatalf("unexpected services %+v", services)
	}
	if services[0].State != platform.StateDeleting || services[1].State != platform.StateDeploying {
		t.Fatalf("unexpected states %+v", services)
	}

	api.failList = status.Error(codes.PermissionDenied, "denied")
	if _, err := p.List(context.Background()); err == nil {
		t.Fatalf("expected list error")
	}
}
