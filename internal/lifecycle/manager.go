// Package lifecycle builds, deploys, enumerates and tears down runtimes.
//
// A runtime moves through absent, deploying, ready and deleting. Operations
// on one key are not synchronised here; callers serialise them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tomwhite/lithops/internal/build"
	"github.com/tomwhite/lithops/internal/invoke"
	"github.com/tomwhite/lithops/internal/platform"
	"github.com/tomwhite/lithops/internal/protocol"
	"github.com/tomwhite/lithops/internal/runtimekey"
)

var (
	// ErrDeployment indicates the platform failed to create the service.
	ErrDeployment = errors.New("there was an error creating the service")
	// ErrMetadataProbe indicates the deployed runtime did not report its metadata.
	ErrMetadataProbe = errors.New("failed getting runtime metadata")
	// ErrDeletion indicates the platform failed to delete the service.
	ErrDeletion = errors.New("there was an error deleting the runtime")
)

// AllRuntimes is the ListRuntimes filter matching every image.
const AllRuntimes = "all"

// DefaultRuntimeName is the repository of the default runtime image.
const DefaultRuntimeName = "lithops-cloudrun-default"

// Version is the release of this backend, set at link time. Development
// builds tag the default runtime "latest".
var Version = "dev"

// ImageBuilder builds runtime images and names their registry location.
type ImageBuilder interface {
	Build(ctx context.Context, image, source string) error
	Target(image string) string
}

// Caller performs one invocation against an endpoint. *invoke.Transport
// satisfies it.
type Caller interface {
	Call(ctx context.Context, endpoint string, payload protocol.Payload, sync bool) (invoke.Result, error)
}

// MetadataStore caches runtime metadata by storage key.
type MetadataStore interface {
	Get(ctx context.Context, key string) (protocol.Metadata, bool, error)
	Put(ctx context.Context, key string, meta protocol.Metadata) error
	Delete(ctx context.Context, key string) error
}

// Options configures a Manager.
type Options struct {
	ProjectID string
	// Workers caps the instances of every deployed service.
	Workers   int
	Cluster   string
	Namespace string
	// Env is passed to every deployed service.
	Env map[string]string
	// Store caches probed metadata. Nil disables caching.
	Store MetadataStore
}

// Manager drives runtimes through the platform.
type Manager struct {
	platform platform.Platform
	builder  ImageBuilder
	caller   Caller
	opts     Options
	logger   *slog.Logger
}

// New returns a Manager.
func New(p platform.Platform, builder ImageBuilder, caller Caller, opts Options, log *slog.Logger) *Manager {
	if opts.Cluster == "" {
		opts.Cluster = "default"
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{platform: p, builder: builder, caller: caller, opts: opts, logger: log}
}

// DefaultImage names the default runtime:
// <project>/lithops-cloudrun-default-v<langver>:<revision>.
func (m *Manager) DefaultImage() (runtimekey.Image, error) {
	img := runtimekey.Image{
		Project: m.opts.ProjectID,
		Path:    DefaultRuntimeName + "-v" + build.CompactVersion(protocol.LanguageVersion()),
		Tag:     revision(Version),
	}
	if err := img.Validate(); err != nil {
		return runtimekey.Image{}, fmt.Errorf("default runtime image: %w", err)
	}
	return img, nil
}

func revision(version string) string {
	v := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(version)), "v")
	if v == "" || strings.Contains(v, "dev") || strings.Contains(v, "snapshot") {
		return runtimekey.DefaultTag
	}
	return strings.NewReplacer(".", "", "+", "-").Replace(v)
}

// ResolveImage turns "default" into the default runtime image and parses
// anything else.
func (m *Manager) ResolveImage(ref string) (runtimekey.Image, error) {
	if ref == build.DefaultSource {
		return m.DefaultImage()
	}
	return runtimekey.ParseImage(ref)
}

// BuildRuntime builds image from source, a Dockerfile path or "default".
func (m *Manager) BuildRuntime(ctx context.Context, image, source string) error {
	return m.builder.Build(ctx, image, source)
}

// CreateRuntime deploys the service for key and probes its metadata. The
// default runtime image is built first.
func (m *Manager) CreateRuntime(ctx context.Context, key runtimekey.Key, timeout time.Duration) (protocol.Metadata, error) {
	name, err := runtimekey.Encode(key)
	if err != nil {
		return protocol.Metadata{}, err
	}
	if def, err := m.DefaultImage(); err == nil && def == key.Image {
		m.logger.Info("building default runtime", "image", def.String())
		if err := m.builder.Build(ctx, def.String(), build.DefaultSource); err != nil {
			return protocol.Metadata{}, err
		}
	}

	m.logger.Info("creating runtime service", "service_name", name, "memory_mb", key.MemoryMB, "timeout", timeout)
	svc, err := m.platform.Deploy(ctx, platform.DeployRequest{
		Name:         name,
		Image:        m.builder.Target(key.Image.String()),
		MemoryMB:     key.MemoryMB,
		MaxInstances: m.opts.Workers,
		Timeout:      timeout,
		Env:          m.opts.Env,
	})
	if err != nil {
		m.logger.Error("runtime deployment failed", "service_name", name, "error", err)
		return protocol.Metadata{}, fmt.Errorf("%w: %s: %w", ErrDeployment, name, err)
	}

	endpoint := svc.URL
	if endpoint == "" {
		if endpoint, err = m.ResolveHost(ctx, key); err != nil {
			return protocol.Metadata{}, fmt.Errorf("%w: %w", ErrMetadataProbe, err)
		}
	}
	meta, err := m.probe(ctx, endpoint)
	if err != nil {
		return protocol.Metadata{}, err
	}
	m.cache(ctx, key, meta)
	return meta, nil
}

// RuntimeMetadata returns cached metadata for key, probing the deployed
// service on a miss.
func (m *Manager) RuntimeMetadata(ctx context.Context, key runtimekey.Key) (protocol.Metadata, error) {
	storageKey, err := m.RuntimeStorageKey(key)
	if err != nil {
		return protocol.Metadata{}, err
	}
	if m.opts.Store != nil {
		meta, ok, err := m.opts.Store.Get(ctx, storageKey)
		if err != nil {
			m.logger.Warn("metadata cache read failed", "runtime_key", storageKey, "error", err)
		} else if ok {
			return meta, nil
		}
	}
	endpoint, err := m.ResolveHost(ctx, key)
	if err != nil {
		return protocol.Metadata{}, err
	}
	meta, err := m.probe(ctx, endpoint)
	if err != nil {
		return protocol.Metadata{}, err
	}
	m.cache(ctx, key, meta)
	return meta, nil
}

func (m *Manager) probe(ctx context.Context, endpoint string) (protocol.Metadata, error) {
	m.logger.Debug("extracting runtime metadata", "endpoint", endpoint)
	payload := protocol.Payload{protocol.KeyServiceRoute: protocol.RoutePreinstalls}
	res, err := m.caller.Call(ctx, endpoint, payload, true)
	if err != nil {
		return protocol.Metadata{}, fmt.Errorf("%w: unable to invoke 'modules' action: %w", ErrMetadataProbe, err)
	}
	meta, ok, err := protocol.DecodeMetadata(res.Body)
	if err != nil {
		return protocol.Metadata{}, fmt.Errorf("%w: %w", ErrMetadataProbe, err)
	}
	if !ok {
		return protocol.Metadata{}, fmt.Errorf("%w: response has no preinstalls: %v", ErrMetadataProbe, res.Body)
	}
	return meta, nil
}

func (m *Manager) cache(ctx context.Context, key runtimekey.Key, meta protocol.Metadata) {
	if m.opts.Store == nil {
		return
	}
	storageKey, err := m.RuntimeStorageKey(key)
	if err != nil {
		return
	}
	if err := m.opts.Store.Put(ctx, storageKey, meta); err != nil {
		m.logger.Warn("metadata cache write failed", "runtime_key", storageKey, "error", err)
	}
}

// ListRuntimes returns the keys of deployed runtimes whose image matches
// filter, or every runtime for AllRuntimes. Services whose names were not
// produced by the codec are skipped.
func (m *Manager) ListRuntimes(ctx context.Context, filter string) ([]runtimekey.Key, error) {
	services, err := m.platform.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runtimes: %w", err)
	}
	if filter != AllRuntimes {
		if img, err := runtimekey.ParseImage(filter); err == nil {
			filter = img.String()
		}
	}
	keys := make([]runtimekey.Key, 0, len(services))
	for _, svc := range services {
		key, err := runtimekey.Decode(svc.Name)
		if err != nil {
			m.logger.Debug("skipping foreign service", "service_name", svc.Name)
			continue
		}
		if filter == AllRuntimes || key.Image.String() == filter {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// DeleteRuntime deletes the service for key.
func (m *Manager) DeleteRuntime(ctx context.Context, key runtimekey.Key) error {
	name, err := runtimekey.Encode(key)
	if err != nil {
		return err
	}
	m.logger.Info("deleting runtime", "service_name", name)
	if err := m.platform.Delete(ctx, name); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeletion, name, err)
	}
	if m.opts.Store != nil {
		if storageKey, err := m.RuntimeStorageKey(key); err == nil {
			if err := m.opts.Store.Delete(ctx, storageKey); err != nil {
				m.logger.Warn("metadata cache delete failed", "runtime_key", storageKey, "error", err)
			}
		}
	}
	return nil
}

// DeleteAllRuntimes deletes every listed runtime, continuing past failures.
// The returned error joins every failure.
func (m *Manager) DeleteAllRuntimes(ctx context.Context) error {
	keys, err := m.ListRuntimes(ctx, AllRuntimes)
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if err := m.DeleteRuntime(ctx, key); err != nil {
			m.logger.Error("runtime deletion failed", "runtime", key.String(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResolveHost returns the endpoint URL of the service for key, scheme
// included.
func (m *Manager) ResolveHost(ctx context.Context, key runtimekey.Key) (string, error) {
	name, err := runtimekey.Encode(key)
	if err != nil {
		return "", err
	}
	m.logger.Debug("getting service host", "service_name", name)
	svc, err := m.platform.Describe(ctx, name)
	if err != nil {
		return "", err
	}
	if svc.URL == "" {
		return "", fmt.Errorf("%w: %s has no endpoint yet", platform.ErrServiceNotFound, name)
	}
	return svc.URL, nil
}

// RuntimeStorageKey scopes key to the configured cluster and namespace.
func (m *Manager) RuntimeStorageKey(key runtimekey.Key) (string, error) {
	return runtimekey.StorageKey(m.opts.Cluster, m.opts.Namespace, key)
}
