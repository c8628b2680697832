// Package container provides a narrow abstraction over the container
// engine used to back sandboxes.
package container

import (
	"context"
	"io"
	"time"
)

// Runtime abstracts the container engine. Methods are not retried here;
// retry policy belongs to the orchestrator.
type Runtime interface {
	// EnsureImage pulls the image if it is not present locally.
	EnsureImage(ctx context.Context, ref string) error

	// Create creates a container and returns its engine ID. The image is
	// pulled first if absent.
	Create(ctx context.Context, opts CreateOptions) (string, error)

	// Start starts a previously created container.
	Start(ctx context.Context, id string) error

	// Stop stops a running container, waiting up to grace before killing.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Remove removes a container and its anonymous volumes.
	Remove(ctx context.Context, id string, force bool) error

	// IsRunning reports whether the container is currently running.
	IsRunning(ctx context.Context, id string) (bool, error)

	// Stats returns a point-in-time resource snapshot.
	Stats(ctx context.Context, id string) (*Stats, error)

	// Logs streams container output. The caller must close the reader.
	Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error)

	// ListByLabel returns IDs of containers carrying label key=value,
	// including stopped ones.
	ListByLabel(ctx context.Context, key, value string) ([]string, error)
}

// CreateOptions configures container creation.
type CreateOptions struct {
	Name        string            // Container name
	Image       string            // Image reference
	Env         map[string]string // Environment variables
	Binds       map[string]string // Host path -> container path bind mounts
	WorkingDir  string            // Working directory inside the container
	Cmd         []string          // Command override (nil = image default)
	Labels      map[string]string // Must include the sandbox ID label
	NetworkMode string            // Docker network mode (empty = engine default)
	MemoryLimit int64             // Memory limit in bytes (0 = none)
	NanoCPUs    int64             // CPU limit in units of 1e-9 CPUs (0 = none)
	ExtraHosts  []string          // Extra /etc/hosts entries
}

// Stats is a point-in-time resource snapshot for a container.
type Stats struct {
	CPUPercent     float64
	MemoryUsage    uint64
	MemoryLimit    uint64
	NetworkRxBytes uint64
	NetworkTxBytes uint64
}
