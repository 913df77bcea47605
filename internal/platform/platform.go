// Package platform abstracts the serverless container platform that hosts
// runtimes. Adapters live in sub-packages.
package platform

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrServiceNotFound indicates the platform has no service with the requested name.
var ErrServiceNotFound = errors.New("service not found")

// ManagedByLabel marks platform resources created by this backend.
const (
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "lithops"
)

// State is the lifecycle state of a deployed service.
type State string

const (
	StateAbsent    State = "absent"
	StateDeploying State = "deploying"
	StateReady     State = "ready"
	StateDeleting  State = "deleting"
)

// DeployRequest describes a service deployment.
type DeployRequest struct {
	Name         string
	Image        string
	MemoryMB     int
	MaxInstances int
	Timeout      time.Duration
	Env          map[string]string
}

// Service is a deployed service as reported by the platform.
type Service struct {
	Name  string
	URL   string
	State State
}

// Host returns the host portion of the service URL.
func (s Service) Host() string {
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(strings.TrimPrefix(s.URL, "https://"), "http://")
	}
	return u.Host
}

// Platform provisions and enumerates services.
type Platform interface {
	// Deploy creates or updates the service and returns once it can receive traffic.
	Deploy(ctx context.Context, req DeployRequest) (Service, error)
	// Describe returns ErrServiceNotFound when the service does not exist.
	Describe(ctx context.Context, name string) (Service, error)
	List(ctx context.Context) ([]Service, error)
	Delete(ctx context.Context, name string) error
}
