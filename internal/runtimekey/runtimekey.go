// Package runtimekey maps a (container image, memory) pair to the platform
// service name that hosts it, and back.
package runtimekey

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultTag is assumed when an image reference carries no tag.
	DefaultTag = "latest"

	delimiter    = "--"
	memorySuffix = "mb"
	maxNameLen   = 63
)

var (
	// ErrInvalidReference indicates an image reference or key that cannot be encoded.
	ErrInvalidReference = errors.New("invalid image reference")

	// ErrMalformedServiceName indicates a service name that was not produced by Encode.
	ErrMalformedServiceName = errors.New("malformed service name")
)

var (
	componentPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	referenceChars   = regexp.MustCompile(`^[a-z0-9/:-]+$`)
	suffixPattern    = regexp.MustCompile(`^(.+)-([1-9][0-9]*)` + memorySuffix + `$`)
)

// Image identifies a container image inside a registry project.
type Image struct {
	Project string
	Path    string
	Tag     string
}

// ParseImage parses "project/path[/more]:tag". The tag is optional.
func ParseImage(ref string) (Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Image{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	if !referenceChars.MatchString(ref) {
		return Image{}, fmt.Errorf("%w: %q contains characters outside [a-z0-9-/:]", ErrInvalidReference, ref)
	}
	name, tag := ref, ""
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		name, tag = ref[:i], ref[i+1:]
		if tag == "" {
			return Image{}, fmt.Errorf("%w: %q has an empty tag", ErrInvalidReference, ref)
		}
	}
	project, repo, ok := strings.Cut(name, "/")
	if !ok {
		return Image{}, fmt.Errorf("%w: %q must be project/repository", ErrInvalidReference, ref)
	}
	img := Image{Project: project, Path: repo, Tag: tag}.normalize()
	if err := img.Validate(); err != nil {
		return Image{}, err
	}
	return img, nil
}

// Validate reports whether every component is encodable.
func (i Image) Validate() error {
	i = i.normalize()
	if !componentPattern.MatchString(i.Project) {
		return fmt.Errorf("%w: project %q", ErrInvalidReference, i.Project)
	}
	if i.Path == "" {
		return fmt.Errorf("%w: empty repository path", ErrInvalidReference)
	}
	for _, seg := range strings.Split(i.Path, "/") {
		if !componentPattern.MatchString(seg) {
			return fmt.Errorf("%w: repository segment %q", ErrInvalidReference, seg)
		}
	}
	if !componentPattern.MatchString(i.Tag) {
		return fmt.Errorf("%w: tag %q", ErrInvalidReference, i.Tag)
	}
	return nil
}

// Name returns the reference without its tag.
func (i Image) Name() string {
	return path.Join(i.Project, i.Path)
}

// String returns the canonical "project/path:tag" form.
func (i Image) String() string {
	i = i.normalize()
	return i.Name() + ":" + i.Tag
}

func (i Image) normalize() Image {
	if i.Tag == "" {
		i.Tag = DefaultTag
	}
	return i
}

// Key is the identity of a deployable runtime.
type Key struct {
	Image    Image
	MemoryMB int
}

// NewKey validates and normalizes a runtime key.
func NewKey(image Image, memoryMB int) (Key, error) {
	if err := image.Validate(); err != nil {
		return Key{}, err
	}
	if memoryMB <= 0 {
		return Key{}, fmt.Errorf("%w: memory must be positive, got %d", ErrInvalidReference, memoryMB)
	}
	return Key{Image: image.normalize(), MemoryMB: memoryMB}, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s (%dMB)", k.Image, k.MemoryMB)
}

// Encode returns the platform service name for k.
func Encode(k Key) (string, error) {
	k, err := NewKey(k.Image, k.MemoryMB)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, 4)
	parts = append(parts, k.Image.Project)
	parts = append(parts, strings.Split(k.Image.Path, "/")...)
	parts = append(parts, k.Image.Tag)
	name := strings.Join(parts, delimiter) + "-" + strconv.Itoa(k.MemoryMB) + memorySuffix
	if len(name) > maxNameLen {
		return "", fmt.Errorf("%w: service name %q exceeds %d characters", ErrInvalidReference, name, maxNameLen)
	}
	if name[0] < 'a' || name[0] > 'z' {
		return "", fmt.Errorf("%w: service name %q must start with a letter", ErrInvalidReference, name)
	}
	return name, nil
}

// Decode reverses Encode.
func Decode(name string) (Key, error) {
	m := suffixPattern.FindStringSubmatch(name)
	if m == nil {
		return Key{}, fmt.Errorf("%w: %q has no memory suffix", ErrMalformedServiceName, name)
	}
	memory, err := strconv.Atoi(m[2])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: %v", ErrMalformedServiceName, name, err)
	}
	parts := strings.Split(m[1], delimiter)
	if len(parts) < 3 {
		return Key{}, fmt.Errorf("%w: %q needs project, repository and tag", ErrMalformedServiceName, name)
	}
	img := Image{
		Project: parts[0],
		Path:    strings.Join(parts[1:len(parts)-1], "/"),
		Tag:     parts[len(parts)-1],
	}
	key, err := NewKey(img, memory)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: %v", ErrMalformedServiceName, name, err)
	}
	if encoded, err := Encode(key); err != nil || encoded != name {
		return Key{}, fmt.Errorf("%w: %q", ErrMalformedServiceName, name)
	}
	return key, nil
}

// StorageKey scopes a runtime to the cluster and namespace it was deployed in.
// It identifies installed runtimes in external metadata stores.
func StorageKey(cluster, namespace string, k Key) (string, error) {
	name, err := Encode(k)
	if err != nil {
		return "", err
	}
	return path.Join(cluster, namespace, name), nil
}
