// Package gcloud drives Cloud Run through the gcloud command line tool. It is
// the fallback for environments where the Admin API client cannot
// authenticate but an operator has a configured gcloud installation.
package gcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/tomwhite/lithops/internal/platform"
)

// ExecCommandFunc creates the command for a gcloud invocation. Tests replace
// it to avoid shelling out.
type ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

// ErrCommand is returned when gcloud exits unsuccessfully.
var ErrCommand = errors.New("gcloud command failed")

// CLI implements platform.Platform with gcloud.
type CLI struct {
	binary      string
	region      string
	project     string
	verbose     bool
	output      io.Writer
	execCommand ExecCommandFunc
	logger      *slog.Logger
}

// Option configures a CLI.
type Option func(*CLI)

// WithExecCommand overrides how commands are created.
func WithExecCommand(fn ExecCommandFunc) Option {
	return func(c *CLI) { c.execCommand = fn }
}

// WithBinary overrides the gcloud executable.
func WithBinary(path string) Option {
	return func(c *CLI) { c.binary = path }
}

// WithOutput sets where command output is copied when verbose.
func WithOutput(w io.Writer) Option {
	return func(c *CLI) { c.output = w }
}

// New returns a gcloud-backed platform for the region. Command output is
// copied to stderr only when verbose is set.
func New(region, project string, verbose bool, log *slog.Logger, opts ...Option) *CLI {
	if log == nil {
		log = slog.Default()
	}
	c := &CLI{
		binary:      "gcloud",
		region:      region,
		project:     project,
		verbose:     verbose,
		output:      os.Stderr,
		execCommand: exec.CommandContext,
		logger:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type serviceDoc struct {
	Metadata struct {
		Name              string `json:"name"`
		DeletionTimestamp string `json:"deletionTimestamp"`
	} `json:"metadata"`
	Status struct {
		URL        string `json:"url"`
		Conditions []struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"conditions"`
	} `json:"status"`
}

func (d serviceDoc) service() platform.Service {
	state := platform.StateDeploying
	for _, cond := range d.Status.Conditions {
		if cond.Type == "Ready" && cond.Status == "True" {
			state = platform.StateReady
		}
	}
	if d.Metadata.DeletionTimestamp != "" {
		state = platform.StateDeleting
	}
	return platform.Service{Name: d.Metadata.Name, URL: d.Status.URL, State: state}
}

// Deploy runs `gcloud run deploy` and then describes the service for its URL.
func (c *CLI) Deploy(ctx context.Context, req platform.DeployRequest) (platform.Service, error) {
	args := []string{
		"run", "deploy", req.Name,
		"--image=" + req.Image,
		"--allow-unauthenticated",
		"--max-instances=" + strconv.Itoa(req.MaxInstances),
		fmt.Sprintf("--memory=%dMi", req.MemoryMB),
	}
	if secs := int(req.Timeout.Seconds()); secs > 0 {
		args = append(args, "--timeout="+strconv.Itoa(secs))
	}
	if len(req.Env) > 0 {
		envArg, err := envVarsFlag(req.Env)
		if err != nil {
			return platform.Service{}, err
		}
		args = append(args, "--set-env-vars="+envArg)
	}
	if _, err := c.run(ctx, "", c.withLocation(args)...); err != nil {
		return platform.Service{}, err
	}
	return c.Describe(ctx, req.Name)
}

// Describe runs `gcloud run services describe`.
func (c *CLI) Describe(ctx context.Context, name string) (platform.Service, error) {
	out, err := c.run(ctx, "", c.withLocation([]string{"run", "services", "describe", name, "--format=json"})...)
	if err != nil {
		return platform.Service{}, c.notFound(name, err)
	}
	var doc serviceDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return platform.Service{}, fmt.Errorf("decode service %s: %w", name, err)
	}
	if doc.Metadata.Name == "" {
		doc.Metadata.Name = name
	}
	return doc.service(), nil
}

// List runs `gcloud run services list`.
func (c *CLI) List(ctx context.Context) ([]platform.Service, error) {
	out, err := c.run(ctx, "", c.withLocation([]string{"run", "services", "list", "--format=json"})...)
	if err != nil {
		return nil, err
	}
	var docs []serviceDoc
	if err := json.Unmarshal(out, &docs); err != nil {
		return nil, fmt.Errorf("decode service list: %w", err)
	}
	services := make([]platform.Service, 0, len(docs))
	for _, doc := range docs {
		services = append(services, doc.service())
	}
	return services, nil
}

// Delete runs `gcloud run services delete --quiet`.
func (c *CLI) Delete(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "", c.withLocation([]string{"run", "services", "delete", name, "--quiet"})...); err != nil {
		return c.notFound(name, err)
	}
	return nil
}

// SubmitBuild runs `gcloud builds submit -t <tag>` in dir, which must hold a
// file named Dockerfile.
func (c *CLI) SubmitBuild(ctx context.Context, dir, tag string) error {
	args := []string{"builds", "submit", "-t", tag}
	if c.project != "" {
		args = append(args, "--project="+c.project)
	}
	_, err := c.run(ctx, dir, args...)
	return err
}

// envDelimiters are tried in order. Anything but a comma is announced with
// gcloud's ^DELIM^ escaping syntax.
var envDelimiters = []string{",", "@", "#", "|", ";", "~"}

// envVarsFlag renders env as a --set-env-vars value with sorted keys,
// switching delimiter when a value contains a comma.
func envVarsFlag(env map[string]string) (string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	for _, d := range envDelimiters {
		clash := false
		for _, p := range pairs {
			if strings.Contains(p, d) {
				clash = true
				break
			}
		}
		if clash {
			continue
		}
		if d == "," {
			return strings.Join(pairs, d), nil
		}
		return "^" + d + "^" + strings.Join(pairs, d), nil
	}
	return "", errors.New("environment values contain every supported delimiter")
}

func (c *CLI) withLocation(args []string) []string {
	args = append(args, "--platform=managed")
	if c.region != "" {
		args = append(args, "--region="+c.region)
	}
	if c.project != "" {
		args = append(args, "--project="+c.project)
	}
	return args
}

type commandError struct {
	args   []string
	stderr string
	err    error
}

func (e *commandError) Error() string {
	msg := strings.TrimSpace(e.stderr)
	if msg == "" {
		msg = e.err.Error()
	}
	return fmt.Sprintf("%s: %s: %s", ErrCommand, strings.Join(e.args, " "), msg)
}

func (e *commandError) Unwrap() []error { return []error{ErrCommand, e.err} }

func (c *CLI) notFound(name string, err error) error {
	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		msg := strings.ToLower(cmdErr.stderr)
		if strings.Contains(msg, "cannot find service") || strings.Contains(msg, "could not be found") || strings.Contains(msg, "not_found") {
			return fmt.Errorf("%w: %s", platform.ErrServiceNotFound, name)
		}
	}
	return err
}

func (c *CLI) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := c.execCommand(ctx, c.binary, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.verbose && c.output != nil {
		cmd.Stderr = io.MultiWriter(&stderr, c.output)
	}

	c.logger.Debug("running gcloud", "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return nil, &commandError{args: args, stderr: stderr.String(), err: err}
	}
	return stdout.Bytes(), nil
}
