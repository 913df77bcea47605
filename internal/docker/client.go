// Package docker wraps the Docker Engine SDK for the operations the backend
// needs: building and pushing runtime images and running them locally.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a new Docker client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// ServerVersion reports the engine version.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	if c == nil || c.inner == nil {
		return "", ErrNotInitialized
	}
	v, err := c.inner.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("docker version: %w", err)
	}
	return v.Version, nil
}

// Close releases resources held by the Docker client. Later calls report
// ErrNotInitialized.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	err := c.inner.Close()
	c.inner = nil
	return err
}
