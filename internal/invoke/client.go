package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tomwhite/lithops/internal/platform"
	"github.com/tomwhite/lithops/internal/protocol"
	"github.com/tomwhite/lithops/internal/runtimekey"
)

// Resolver maps a runtime key to the endpoint of its service.
type Resolver interface {
	ResolveHost(ctx context.Context, key runtimekey.Key) (string, error)
}

// Client invokes runtimes by key. It holds no per-runtime state: the host is
// resolved on every call.
type Client struct {
	resolver  Resolver
	transport *Transport
	logger    *slog.Logger
}

// NewClient returns a Client resolving hosts through resolver.
func NewClient(resolver Resolver, transport *Transport, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{resolver: resolver, transport: transport, logger: log}
}

// Invoke sends payload to the runtime identified by key. It does not retry;
// callers decide what to do with ErrRetryable.
func (c *Client) Invoke(ctx context.Context, key runtimekey.Key, payload protocol.Payload, sync bool) (Result, error) {
	endpoint, err := c.resolver.ResolveHost(ctx, key)
	if err != nil {
		if errors.Is(err, platform.ErrServiceNotFound) {
			return Result{}, fmt.Errorf("%w: %w", ErrRuntimeNotDeployed, err)
		}
		return Result{}, fmt.Errorf("resolve runtime host: %w", err)
	}
	c.logger.Debug("invoking runtime", "runtime", key.String(), "endpoint", endpoint, "route", payload.Route())
	return c.transport.Call(ctx, endpoint, payload, sync)
}
