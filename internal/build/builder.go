// Package build assembles runtime build contexts and submits them to an image
// builder.
package build

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomwhite/lithops/internal/protocol"
	"github.com/tomwhite/lithops/internal/workspace"
)

var (
	// ErrBuild indicates the image builder reported a failure.
	ErrBuild = errors.New("runtime build failed")
	// ErrInvalidImageName indicates the target image reference is malformed.
	ErrInvalidImageName = errors.New("invalid docker image name: '.' or '_' characters are not allowed")
	// ErrDefaultRuntimeFetch indicates the default Dockerfile could not be fetched.
	ErrDefaultRuntimeFetch = errors.New("fetch default runtime dockerfile")
)

// DefaultSource selects the default runtime Dockerfile.
const DefaultSource = "default"

// Names inside the build context.
const (
	DockerfileName = "Dockerfile"
	ArchiveName    = "lithops_cloudrun.zip"
	EntryPointName = "lithopsproxy"
	LibraryDir     = "lithops"
)

var imageNamePattern = regexp.MustCompile(`^[a-z0-9-]+(/[a-z0-9-]+)+(:[a-z0-9-]+)?$`)

//go:embed templates/Dockerfile.default
var defaultDockerfile []byte

// Submitter turns a prepared build context into a pushed image.
type Submitter interface {
	Submit(ctx context.Context, dir, tag string) error
}

// Options configures a Builder.
type Options struct {
	// Registry prefixes every image when submitted, e.g. gcr.io.
	Registry string
	// EntryPoint is the dispatcher binary packaged as lithopsproxy.
	EntryPoint string
	// LibraryRoot is the framework library tree packaged under lithops/.
	LibraryRoot string
	// DefaultRuntimeURL hosts Dockerfile.go<version>. Empty uses the embedded template.
	DefaultRuntimeURL string
	FetchTimeout      time.Duration
	BuildTimeout      time.Duration
}

// Builder builds runtime images.
type Builder struct {
	submitter  Submitter
	workspace  *workspace.Manager
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// New returns a Builder that stages contexts in ws and hands them to submitter.
func New(submitter Submitter, ws *workspace.Manager, opts Options, log *slog.Logger) *Builder {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		submitter:  submitter,
		workspace:  ws,
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.FetchTimeout},
		logger:     log,
	}
}

// ValidateImageName reports ErrInvalidImageName for references the registry
// path scheme cannot carry.
func ValidateImageName(image string) error {
	if !imageNamePattern.MatchString(image) {
		return fmt.Errorf("%w: %q", ErrInvalidImageName, image)
	}
	return nil
}

// Target returns the registry-qualified reference for image.
func (b *Builder) Target(image string) string {
	if b.opts.Registry == "" {
		return image
	}
	return strings.TrimSuffix(b.opts.Registry, "/") + "/" + image
}

// Build stages a context for image from source, a Dockerfile path or
// DefaultSource, and submits it. The staging directory is removed whether or
// not the build succeeds.
func (b *Builder) Build(ctx context.Context, image, source string) error {
	if err := ValidateImageName(image); err != nil {
		return err
	}
	if b.opts.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.BuildTimeout)
		defer cancel()
	}

	b.logger.Info("building runtime image", "image", image, "source", source)
	id := "build-" + strings.NewReplacer("/", "-", ":", "-").Replace(image) + "-" + uuid.NewString()[:8]
	return b.workspace.With(id, func(dir string) error {
		if err := b.writeDockerfile(ctx, dir, source); err != nil {
			return err
		}
		if err := PackageContext(filepath.Join(dir, ArchiveName), b.opts.EntryPoint, b.opts.LibraryRoot); err != nil {
			return err
		}
		target := b.Target(image)
		if err := b.submitter.Submit(ctx, dir, target); err != nil {
			b.logger.Error("runtime build failed", "image", target, "error", err)
			return fmt.Errorf("%w: %s: %w", ErrBuild, target, err)
		}
		b.logger.Info("runtime image built", "image", target)
		return nil
	})
}

func (b *Builder) writeDockerfile(ctx context.Context, dir, source string) error {
	dest := filepath.Join(dir, DockerfileName)
	if source == DefaultSource || source == "" {
		content, err := b.defaultDockerfile(ctx)
		if err != nil {
			return err
		}
		return os.WriteFile(dest, content, 0o644)
	}
	content, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("read dockerfile: %w", err)
	}
	return os.WriteFile(dest, content, 0o644)
}

func (b *Builder) defaultDockerfile(ctx context.Context) ([]byte, error) {
	if b.opts.DefaultRuntimeURL == "" {
		return defaultDockerfile, nil
	}
	url := fmt.Sprintf("%s/Dockerfile.go%s", strings.TrimSuffix(b.opts.DefaultRuntimeURL, "/"), CompactVersion(protocol.LanguageVersion()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDefaultRuntimeFetch, err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDefaultRuntimeFetch, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrDefaultRuntimeFetch, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrDefaultRuntimeFetch, url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// CompactVersion strips the dots from a version, "1.24" becoming "124".
func CompactVersion(v string) string {
	return strings.ReplaceAll(v, ".", "")
}
