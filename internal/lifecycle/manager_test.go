package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/tomwhite/lithops/internal/build"
	"github.com/tomwhite/lithops/internal/invoke"
	"github.com/tomwhite/lithops/internal/platform"
	"github.com/tomwhite/lithops/internal/protocol"
	"github.com/tomwhite/lithops/internal/runtimekey"
)

type memoryPlatform struct {
	services   map[string]platform.Service
	requests   []platform.DeployRequest
	failDeploy error
	failDelete map[string]error
}

func newMemoryPlatform() *memoryPlatform {
	return &memoryPlatform{services: map[string]platform.Service{}, failDelete: map[string]error{}}
}

func (p *memoryPlatform) Deploy(_ context.Context, req platform.DeployRequest) (platform.Service, error) {
	if p.failDeploy != nil {
		return platform.Service{}, p.failDeploy
	}
	p.requests = append(p.requests, req)
	svc := platform.Service{Name: req.Name, URL: "https://" + req.Name + ".run.app", State: platform.StateReady}
	p.services[req.Name] = svc
	return svc, nil
}

func (p *memoryPlatform) Describe(_ context.Context, name string) (platform.Service, error) {
	svc, ok := p.services[name]
	if !ok {
		return platform.Service{}, fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
	}
	return svc, nil
}

func (p *memoryPlatform) List(context.Context) ([]platform.Service, error) {
	out := make([]platform.Service, 0, len(p.services))
	for _, svc := range p.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *memoryPlatform) Delete(_ context.Context, name string) error {
	if err := p.failDelete[name]; err != nil {
		return err
	}
	if _, ok := p.services[name]; !ok {
		return fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
	}
	delete(p.services, name)
	return nil
}

type recordingBuilder struct {
	builds []string
	err    error
}

func (b *recordingBuilder) Build(_ context.Context, image, source string) error {
	b.builds = append(b.builds, image+"@"+source)
	return b.err
}

func (b *recordingBuilder) Target(image string) string {
	return "gcr.io/" + image
}

type stubCaller struct {
	body      map[string]any
	err       error
	endpoints []string
}

func (c *stubCaller) Call(_ context.Context, endpoint string, payload protocol.Payload, sync bool) (invoke.Result, error) {
	c.endpoints = append(c.endpoints, endpoint+payload.Route())
	if !sync {
		return invoke.Result{}, errors.New("probe must be synchronous")
	}
	if c.err != nil {
		return invoke.Result{}, c.err
	}
	return invoke.Result{Status: 200, Body: c.body}, nil
}

type mapStore struct {
	entries map[string]protocol.Metadata
}

func (s *mapStore) Get(_ context.Context, key string) (protocol.Metadata, bool, error) {
	meta, ok := s.entries[key]
	return meta, ok, nil
}

func (s *mapStore) Put(_ context.Context, key string, meta protocol.Metadata) error {
	s.entries[key] = meta
	return nil
}

func (s *mapStore) Delete(_ context.Context, key string) error {
	delete(s.entries, key)
	return nil
}

func metadataBody() map[string]any {
	return map[string]any{
		"preinstalls": []any{[]any{"json", false}, []any{"lithops", true}},
		"python_ver":  "3.12",
	}
}

type harness struct {
	platform *memoryPlatform
	builder  *recordingBuilder
	caller   *stubCaller
	store    *mapStore
	manager  *Manager
}

func newHarness() *harness {
	h := &harness{
		platform: newMemoryPlatform(),
		builder:  &recordingBuilder{},
		caller:   &stubCaller{body: metadataBody()},
		store:    &mapStore{entries: map[string]protocol.Metadata{}},
	}
	h.manager = New(h.platform, h.builder, h.caller, Options{
		ProjectID: "myproj",
		Workers:   100,
		Cluster:   "c1",
		Namespace: "ns",
		Store:     h.store,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func key(t *testing.T, ref string, mem int) runtimekey.Key {
	t.Helper()
	img, err := runtimekey.ParseImage(ref)
	if err != nil {
		t.Fatalf("parse %s: %v", ref, err)
	}
	k, err := runtimekey.NewKey(img, mem)
	if err != nil {
		t.Fatalf("key %s: %v", ref, err)
	}
	return k
}

func TestCreateRuntimeDeploysAndProbes(t *testing.T) {
	h := newHarness()
	k := key(t, "myproj/myfunc:v1", 256)

	meta, err := h.manager.CreateRuntime(context.Background(), k, 300*time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(meta.Preinstalls) != 2 || meta.LanguageVersion != "3.12" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	req := h.platform.requests[0]
	if req.Name != "myproj--myfunc--v1-256mb" || req.Image != "gcr.io/myproj/myfunc:v1" {
		t.Fatalf("unexpected deploy request %+v", req)
	}
	if req.MaxInstances != 100 || req.MemoryMB != 256 || req.Timeout != 300*time.Second {
		t.Fatalf("unexpected deploy sizing %+v", req)
	}
	if h.caller.endpoints[0] != "https://myproj--myfunc--v1-256mb.run.app/preinstalls" {
		t.Fatalf("unexpected probe %v", h.caller.endpoints)
	}
	if len(h.builder.builds) != 0 {
		t.Fatalf("custom images must not be built: %v", h.builder.builds)
	}
	if _, ok := h.store.entries["c1/ns/myproj--myfunc--v1-256mb"]; !ok {
		t.Fatalf("expected metadata cached, got %v", h.store.entries)
	}
}

func TestCreateRuntimeBuildsDefaultImage(t *testing.T) {
	h := newHarness()
	def, err := h.manager.DefaultImage()
	if err != nil {
		t.Fatalf("default image: %v", err)
	}
	if def.Tag != runtimekey.DefaultTag {
		t.Fatalf("development builds should tag latest, got %s", def.Tag)
	}
	k, err := runtimekey.NewKey(def, 512)
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	if _, err := h.manager.CreateRuntime(context.Background(), k, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(h.builder.builds) != 1 || h.builder.builds[0] != def.String()+"@"+build.DefaultSource {
		t.Fatalf("expected default build, got %v", h.builder.builds)
	}
}

func TestCreateRuntimeErrors(t *testing.T) {
	t.Run("deployment", func(t *testing.T) {
		h := newHarness()
		h.platform.failDeploy = errors.New("quota exceeded")
		_, err := h.manager.CreateRuntime(context.Background(), key(t, "myproj/fn", 256), time.Minute)
		if !errors.Is(err, ErrDeployment) {
			t.Fatalf("expected ErrDeployment, got %v", err)
		}
	})
	t.Run("probe failure", func(t *testing.T) {
		h := newHarness()
		h.caller.err = &invoke.RetryableError{Status: 503, Body: "unavailable"}
		_, err := h.manager.CreateRuntime(context.Background(), key(t, "myproj/fn", 256), time.Minute)
		if !errors.Is(err, ErrMetadataProbe) || !errors.Is(err, invoke.ErrRetryable) {
			t.Fatalf("expected ErrMetadataProbe wrapping the cause, got %v", err)
		}
	})
	t.Run("missing preinstalls", func(t *testing.T) {
		h := newHarness()
		h.caller.body = map[string]any{"python_ver": "3.12"}
		_, err := h.manager.CreateRuntime(context.Background(), key(t, "myproj/fn", 256), time.Minute)
		if !errors.Is(err, ErrMetadataProbe) {
			t.Fatalf("expected ErrMetadataProbe, got %v", err)
		}
	})
	t.Run("default build", func(t *testing.T) {
		h := newHarness()
		h.builder.err = build.ErrBuild
		def, _ := h.manager.DefaultImage()
		k, _ := runtimekey.NewKey(def, 256)
		_, err := h.manager.CreateRuntime(context.Background(), k, time.Minute)
		if !errors.Is(err, build.ErrBuild) {
			t.Fatalf("expected ErrBuild, got %v", err)
		}
		if len(h.platform.requests) != 0 {
			t.Fatalf("deploy must not run after a failed build")
		}
	})
}

func TestListRuntimesSkipsForeignServices(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	for _, k := range []runtimekey.Key{
		key(t, "myproj/a:v1", 256),
		key(t, "myproj/a:v1", 512),
		key(t, "myproj/b", 256),
	} {
		if _, err := h.manager.CreateRuntime(ctx, k, time.Minute); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	h.platform.services["hello-world"] = platform.Service{Name: "hello-world"}
	h.platform.services["myproj--a--v1-0256mb"] = platform.Service{Name: "myproj--a--v1-0256mb"}

	all, err := h.manager.ListRuntimes(ctx, AllRuntimes)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runtimes, got %v", all)
	}

	filtered, err := h.manager.ListRuntimes(ctx, "myproj/a:v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 runtimes for myproj/a:v1, got %v", filtered)
	}

	untagged, err := h.manager.ListRuntimes(ctx, "myproj/b")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(untagged) != 1 || untagged[0].Image.Tag != runtimekey.DefaultTag {
		t.Fatalf("expected the untagged filter to match latest, got %v", untagged)
	}
}

func TestListThenDeleteEmptiesPlatform(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	for _, mem := range []int{128, 256, 1024} {
		if _, err := h.manager.CreateRuntime(ctx, key(t, "myproj/fn:v2", mem), time.Minute); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	keys, err := h.manager.ListRuntimes(ctx, AllRuntimes)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, k := range keys {
		if err := h.manager.DeleteRuntime(ctx, k); err != nil {
			t.Fatalf("delete %s: %v", k, err)
		}
	}
	left, err := h.manager.ListRuntimes(ctx, AllRuntimes)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected no runtimes left, got %v", left)
	}
	if len(h.store.entries) != 0 {
		t.Fatalf("expected cached metadata removed, got %v", h.store.entries)
	}
}

func TestDeleteRuntimeNotFound(t *testing.T) {
	h := newHarness()
	err := h.manager.DeleteRuntime(context.Background(), key(t, "myproj/gone", 256))
	if !errors.Is(err, ErrDeletion) || !errors.Is(err, platform.ErrServiceNotFound) {
		t.Fatalf("expected ErrDeletion wrapping not found, got %v", err)
	}
}

func TestDeleteAllRuntimesContinuesPastFailures(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	for _, ref := range []string{"myproj/a", "myproj/b", "myproj/c"} {
		if _, err := h.manager.CreateRuntime(ctx, key(t, ref, 256), time.Minute); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	h.platform.failDelete["myproj--b--latest-256mb"] = errors.New("permission denied")

	err := h.manager.DeleteAllRuntimes(ctx)
	if !errors.Is(err, ErrDeletion) {
		t.Fatalf("expected ErrDeletion, got %v", err)
	}
	if len(h.platform.services) != 1 {
		t.Fatalf("expected only the failing service left, got %v", h.platform.services)
	}
	if _, ok := h.platform.services["myproj--b--latest-256mb"]; !ok {
		t.Fatalf("expected myproj/b to survive, got %v", h.platform.services)
	}
}

func TestResolveHost(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	k := key(t, "myproj/fn:v1", 256)

	if _, err := h.manager.ResolveHost(ctx, k); !errors.Is(err, platform.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
	if _, err := h.manager.CreateRuntime(ctx, k, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	host, err := h.manager.ResolveHost(ctx, k)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if host != "https://myproj--fn--v1-256mb.run.app" {
		t.Fatalf("unexpected host %s", host)
	}
}

func TestRuntimeMetadataUsesCache(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	k := key(t, "myproj/fn:v1", 256)
	if _, err := h.manager.CreateRuntime(ctx, k, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	probes := len(h.caller.endpoints)

	meta, err := h.manager.RuntimeMetadata(ctx, k)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if len(meta.Preinstalls) != 2 || len(h.caller.endpoints) != probes {
		t.Fatalf("expected a cache hit without probing")
	}

	delete(h.store.entries, "c1/ns/myproj--fn--v1-256mb")
	if _, err := h.manager.RuntimeMetadata(ctx, k); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if len(h.caller.endpoints) != probes+1 {
		t.Fatalf("expected a probe on cache miss")
	}
}

func TestRuntimeStorageKey(t *testing.T) {
	h := newHarness()
	got, err := h.manager.RuntimeStorageKey(key(t, "myproj/fn:v1", 256))
	if err != nil {
		t.Fatalf("storage key: %v", err)
	}
	if got != "c1/ns/myproj--fn--v1-256mb" {
		t.Fatalf("unexpected storage key %s", got)
	}
}

func TestRevision(t *testing.T) {
	cases := map[string]string{
		"dev":            "latest",
		"2.1.0-SNAPSHOT": "latest",
		"v2.1.0":         "210",
		"1.7.3":          "173",
	}
	for in, want := range cases {
		if got := revision(in); got != want {
			t.Fatalf("revision(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveImage(t *testing.T) {
	h := newHarness()
	img, err := h.manager.ResolveImage("default")
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	def, _ := h.manager.DefaultImage()
	if img != def {
		t.Fatalf("expected default image, got %v", img)
	}
	if _, err := h.manager.ResolveImage("not/valid_ref"); !errors.Is(err, runtimekey.ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestBuildRuntimePassesThrough(t *testing.T) {
	h := newHarness()
	if err := h.manager.BuildRuntime(context.Background(), "myproj/custom:v2", "/tmp/Dockerfile"); err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(h.builder.builds) != 1 || h.builder.builds[0] != "myproj/custom:v2@/tmp/Dockerfile" {
		t.Fatalf("unexpected builds %v", h.builder.builds)
	}
	services, _ := h.platform.List(context.Background())
	if len(services) != 0 {
		t.Fatalf("building must not deploy, got %v", services)
	}
}
