package docker

import (
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

var (
	// ErrNotFound indicates the requested container or image does not exist.
	ErrNotFound = errors.New("docker: resource not found")
	// ErrNotInitialized is returned by methods called on a nil or closed Client.
	ErrNotInitialized = errors.New("docker: client not initialized")
	// ErrDaemon carries an error the engine reported inside a build or push stream.
	ErrDaemon = errors.New("docker: daemon reported an error")
)

// containerError maps engine not-found responses for a named container to
// ErrNotFound and annotates everything else with op.
func containerError(op, name string, err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: container %s", ErrNotFound, name)
	}
	return fmt.Errorf("%s container %s: %w", op, name, err)
}
