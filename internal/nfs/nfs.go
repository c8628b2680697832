// Package nfs defines the export registry contract used by the workspace
// and sandbox services. The wire protocol itself lives outside this
// repository; this package tracks which workspace directories are exported
// and under which URL.
package nfs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
)

// Exporter manages NFS exports for workspace directories.
type Exporter interface {
	// Export makes dir available under nfs://<host>:<port>/<id> and
	// returns the URL. Exporting an already-exported id refreshes it.
	Export(ctx context.Context, id, dir string) (string, error)

	// Unexport withdraws an export. Unknown ids are a no-op.
	Unexport(ctx context.Context, id string)

	// URL returns the export URL for an id, if exported.
	URL(id string) (string, bool)
}

// LocalExporter is an in-process export table. Every exported directory
// must resolve under the configured root; parent-directory escapes are
// rejected.
type LocalExporter struct {
	host string
	port int
	root string

	mu      sync.RWMutex
	exports map[string]string // id -> dir
	log     *logger.Logger
}

// NewLocalExporter creates an exporter advertising host:port, restricted
// to directories under root.
func NewLocalExporter(host string, port int, root string, log *logger.Logger) *LocalExporter {
	return &LocalExporter{
		host:    host,
		port:    port,
		root:    filepath.Clean(root),
		exports: make(map[string]string),
		log:     log,
	}
}

// Export registers dir under the id and returns its URL.
func (e *LocalExporter) Export(ctx context.Context, id, dir string) (string, error) {
	clean := filepath.Clean(dir)
	rel, err := filepath.Rel(e.root, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errdefs.NfsError(fmt.Errorf("directory %s outside export root %s", dir, e.root), "refusing export")
	}

	e.mu.Lock()
	e.exports[id] = clean
	e.mu.Unlock()

	url := e.url(id)
	e.log.Info("nfs export added", "id", id, "dir", clean, "url", url)
	return url, nil
}

// Unexport withdraws an export.
func (e *LocalExporter) Unexport(ctx context.Context, id string) {
	e.mu.Lock()
	_, ok := e.exports[id]
	delete(e.exports, id)
	e.mu.Unlock()

	if ok {
		e.log.Info("nfs export removed", "id", id)
	}
}

// URL returns the export URL for an id, if exported.
func (e *LocalExporter) URL(id string) (string, bool) {
	e.mu.RLock()
	_, ok := e.exports[id]
	e.mu.RUnlock()

	if !ok {
		return "", false
	}
	return e.url(id), true
}

// Dir returns the exported directory for an id, if exported.
func (e *LocalExporter) Dir(id string) (string, bool) {
	e.mu.RLock()
	dir, ok := e.exports[id]
	e.mu.RUnlock()
	return dir, ok
}

func (e *LocalExporter) url(id string) string {
	return fmt.Sprintf("nfs://%s:%d/%s", e.host, e.port, id)
}
