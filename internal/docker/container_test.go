package docker

import (
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

func TestContainerInfoFromInspect(t *testing.T) {
	inspect := types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    "c1",
			Name:  "/proj--fn--v1-256mb",
			State: &types.ContainerState{Running: true},
		},
		Config: &container.Config{Labels: map[string]string{"app": "lithops"}},
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{
				Ports: nat.PortMap{"8080/tcp": {{HostIP: "127.0.0.1", HostPort: "49153"}}},
			},
		},
	}
	info := containerInfo(inspect)
	if info.Name != "proj--fn--v1-256mb" || !info.Running {
		t.Fatalf("unexpected info %+v", info)
	}
	port, ok := info.HostPort(8080)
	if !ok || port != "49153" {
		t.Fatalf("expected host port 49153, got %q (%v)", port, ok)
	}
	if _, ok := info.HostPort(9000); ok {
		t.Fatalf("unexpected binding for unpublished port")
	}
}
