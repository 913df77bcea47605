package build

import (
	"context"
	"log/slog"

	"github.com/tomwhite/lithops/internal/docker"
)

// ImageClient is satisfied by *docker.Client.
type ImageClient interface {
	BuildImage(ctx context.Context, dir, tag string, onOutput docker.OutputCallback) error
	PushImage(ctx context.Context, ref, registryAuth string, onOutput docker.OutputCallback) error
}

// DockerSubmitter builds with the Docker Engine API and pushes the result.
type DockerSubmitter struct {
	client       ImageClient
	registryAuth string
	verbose      bool
	logger       *slog.Logger
}

// NewDockerSubmitter returns a submitter over client. Engine output is logged
// only when verbose.
func NewDockerSubmitter(client ImageClient, registryAuth string, verbose bool, log *slog.Logger) *DockerSubmitter {
	if log == nil {
		log = slog.Default()
	}
	return &DockerSubmitter{client: client, registryAuth: registryAuth, verbose: verbose, logger: log}
}

// Submit satisfies Submitter.
func (s *DockerSubmitter) Submit(ctx context.Context, dir, tag string) error {
	if err := s.client.BuildImage(ctx, dir, tag, s.output); err != nil {
		return err
	}
	return s.client.PushImage(ctx, tag, s.registryAuth, s.output)
}

func (s *DockerSubmitter) output(line string) {
	if s.verbose {
		s.logger.Info("docker", "output", line)
	}
}

// BuildSubmitter is satisfied by *gcloud.CLI.
type BuildSubmitter interface {
	SubmitBuild(ctx context.Context, dir, tag string) error
}

// CloudBuildSubmitter hands the context to Cloud Build through gcloud.
type CloudBuildSubmitter struct {
	cli BuildSubmitter
}

// NewCloudBuildSubmitter returns a submitter over cli.
func NewCloudBuildSubmitter(cli BuildSubmitter) *CloudBuildSubmitter {
	return &CloudBuildSubmitter{cli: cli}
}

// Submit satisfies Submitter.
func (s *CloudBuildSubmitter) Submit(ctx context.Context, dir, tag string) error {
	return s.cli.SubmitBuild(ctx, dir, tag)
}
