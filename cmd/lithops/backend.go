package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tomwhite/lithops/internal/build"
	"github.com/tomwhite/lithops/internal/docker"
	"github.com/tomwhite/lithops/internal/invoke"
	"github.com/tomwhite/lithops/internal/lifecycle"
	"github.com/tomwhite/lithops/internal/metacache"
	"github.com/tomwhite/lithops/internal/platform"
	"github.com/tomwhite/lithops/internal/platform/cloudrun"
	"github.com/tomwhite/lithops/internal/platform/gcloud"
	"github.com/tomwhite/lithops/internal/platform/kubernetes"
	"github.com/tomwhite/lithops/internal/platform/local"
	"github.com/tomwhite/lithops/internal/workspace"
	"github.com/tomwhite/lithops/pkg/config"
	"github.com/tomwhite/lithops/pkg/logger"
)

// backend holds the wired components for one command invocation.
type backend struct {
	manager *lifecycle.Manager
	client  *invoke.Client
	logger  *slog.Logger
	closers []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.logger.Warn("close failed", "error", err)
		}
	}
}

func newBackend(ctx context.Context, cfg config.BackendConfig) (*backend, error) {
	log := logger.NewTo(os.Stderr, "lithops", logger.ParseLevel(cfg.LogLevel, slog.LevelWarn))
	b := &backend{logger: log}
	if cfg.ProjectID == "" && cfg.Platform != "local" {
		return nil, errors.New("project id required: set LITHOPS_PROJECT_ID or --project")
	}

	var (
		dockerClient *docker.Client
		gcloudCLI    *gcloud.CLI
	)
	dockerFor := func() (*docker.Client, error) {
		if dockerClient != nil {
			return dockerClient, nil
		}
		c, err := docker.New(cfg.DockerHost)
		if err != nil {
			return nil, fmt.Errorf("create docker client: %w", err)
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("docker ping: %w", err)
		}
		if v, err := c.ServerVersion(ctx); err == nil {
			log.Debug("connected to docker", "engine_version", v)
		}
		b.closers = append(b.closers, c.Close)
		dockerClient = c
		return c, nil
	}
	gcloudFor := func() *gcloud.CLI {
		if gcloudCLI == nil {
			gcloudCLI = gcloud.New(cfg.Region, cfg.ProjectID, cfg.Verbose(), log)
		}
		return gcloudCLI
	}

	var p platform.Platform
	switch cfg.Platform {
	case "cloudrun":
		cr, err := cloudrun.New(ctx, cfg.ProjectID, cfg.Region, log)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, cr.Close)
		p = cr
	case "gcloud":
		p = gcloudFor()
	case "kubernetes":
		k, err := kubernetes.New(cfg.Namespace, cfg.KubeServiceDomain, cfg.ServicePort, cfg.ReadinessTimeout, log)
		if err != nil {
			return nil, err
		}
		p = k
	case "local":
		c, err := dockerFor()
		if err != nil {
			b.Close()
			return nil, err
		}
		p = local.New(c, cfg.ReadinessTimeout, log)
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
	}

	var submitter build.Submitter
	switch cfg.Builder {
	case "docker":
		c, err := dockerFor()
		if err != nil {
			b.Close()
			return nil, err
		}
		submitter = build.NewDockerSubmitter(c, cfg.RegistryAuth, cfg.Verbose(), log)
	case "cloudbuild":
		submitter = build.NewCloudBuildSubmitter(gcloudFor())
	default:
		b.Close()
		return nil, fmt.Errorf("unknown builder %q", cfg.Builder)
	}

	ws, err := workspace.New(cfg.Workdir)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("workspace init: %w", err)
	}
	builder := build.New(submitter, ws, build.Options{
		Registry:          cfg.Registry,
		EntryPoint:        cfg.EntryPoint,
		LibraryRoot:       cfg.LibraryRoot,
		DefaultRuntimeURL: cfg.DefaultRuntimeURL,
		FetchTimeout:      cfg.FetchTimeout,
		BuildTimeout:      cfg.BuildTimeout,
	}, log)

	transport := invoke.NewTransport(invoke.TransportOptions{
		Timeout:  cfg.InvokeTimeout,
		Secret:   cfg.InvokeSecret,
		TokenTTL: cfg.InvokeTokenTTL,
	}, log)

	opts := lifecycle.Options{
		ProjectID: cfg.ProjectID,
		Workers:   cfg.Workers,
		Cluster:   cfg.Cluster,
		Namespace: cfg.Namespace,
		Env:       serviceEnv(cfg),
	}
	if cfg.RedisAddr != "" {
		store, err := metacache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.MetadataTTL, log)
		if err != nil {
			log.Warn("metadata cache unavailable", "error", err)
		} else {
			b.closers = append(b.closers, store.Close)
			opts.Store = store
		}
	}

	b.manager = lifecycle.New(p, builder, transport, opts, log)
	b.client = invoke.NewClient(b.manager, transport, log)
	return b, nil
}

// serviceEnv is the environment forwarded to every deployed runtime.
func serviceEnv(cfg config.BackendConfig) map[string]string {
	env := map[string]string{}
	if cfg.LogLevel != "" {
		env[config.LogLevelEnv] = cfg.LogLevel
	}
	if cfg.InvokeSecret != "" {
		env["LITHOPS_INVOKE_SECRET"] = cfg.InvokeSecret
	}
	return env
}
