package docker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/docker/docker/errdefs"
)

func TestContainerError(t *testing.T) {
	err := containerError("inspect", "myproj--fn--v1-256mb", errdefs.NotFound(errors.New("No such container")))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cause := errors.New("connection refused")
	err = containerError("remove", "myproj--fn--v1-256mb", cause)
	if errors.Is(err, ErrNotFound) || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "remove container myproj--fn--v1-256mb") {
		t.Fatalf("unexpected message %q", err)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from Ping, got %v", err)
	}
	if err := c.BuildImage(context.Background(), "dir", "tag", nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from BuildImage, got %v", err)
	}
	if _, err := c.ServerVersion(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from ServerVersion, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close of nil client: %v", err)
	}
}
