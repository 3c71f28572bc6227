package testutils

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const nginxRoot = "/usr/share/nginx/html"

// StaticHost is an nginx container that serves files published into its document root.
type StaticHost struct {
	container testcontainers.Container
	// URL is the base URL of the document root, without trailing slash.
	URL string
}

// LaunchNginx sets up a testcontainer based on the `nginx` image.
func LaunchNginx(ctx context.Context) (*StaticHost, error) {
	req := testcontainers.ContainerRequest{
		Image:        "nginx:1.27-alpine",
		ExposedPorts: []string{"80/tcp"},
		WaitingFor:   wait.ForHTTP("/").WithPort("80/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, err
	}

	// Create a mapping to the server's http interface.
	mappedPort, err := container.MappedPort(ctx, "80")
	if err != nil {
		return nil, err
	}
	hostIP, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	return &StaticHost{
		container: container,
		URL:       fmt.Sprintf("http://%s:%s", hostIP, mappedPort.Port()),
	}, nil
}

// Publish copies the tree below dir to prefix inside the document root.
func (h *StaticHost) Publish(ctx context.Context, dir, prefix string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return h.container.CopyToContainer(ctx, data, path.Join(nginxRoot, prefix, filepath.ToSlash(rel)), 0o644)
	})
}

// Terminate stops and removes the container.
func (h *StaticHost) Terminate(ctx context.Context) error {
	return h.container.Terminate(ctx)
}
