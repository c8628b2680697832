// Package mock provides an in-memory container.Runtime for tests.
package mock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/OpenElevo/ElevoSandbox/internal/container"
	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
)

// Provider is an in-memory container.Runtime. Failure modes are injected
// per method via the Fail* fields.
type Provider struct {
	mu      sync.Mutex
	nextID  int
	entries map[string]*entry

	FailCreate int // fail this many Create calls before succeeding
	FailStart  bool
	FailStop   bool
	FailRemove bool

	CreateCalls int
	RemoveCalls int
}

type entry struct {
	opts    container.CreateOptions
	running bool
}

// NewProvider creates an empty mock runtime.
func NewProvider() *Provider {
	return &Provider{entries: make(map[string]*entry)}
}

func (p *Provider) EnsureImage(ctx context.Context, ref string) error {
	return nil
}

func (p *Provider) Create(ctx context.Context, opts container.CreateOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CreateCalls++
	if p.FailCreate > 0 {
		p.FailCreate--
		return "", errdefs.DockerError(fmt.Errorf("injected create failure"), "failed to create container")
	}

	p.nextID++
	id := fmt.Sprintf("mock-container-%d", p.nextID)
	p.entries[id] = &entry{opts: opts}
	return id, nil
}

func (p *Provider) Start(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailStart {
		return errdefs.DockerError(fmt.Errorf("injected start failure"), "failed to start container")
	}
	e, ok := p.entries[id]
	if !ok {
		return errdefs.DockerError(fmt.Errorf("no such container: %s", id), "failed to start container")
	}
	e.running = true
	return nil
}

func (p *Provider) Stop(ctx context.Context, id string, grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailStop {
		return errdefs.DockerError(fmt.Errorf("injected stop failure"), "failed to stop container")
	}
	if e, ok := p.entries[id]; ok {
		e.running = false
	}
	return nil
}

func (p *Provider) Remove(ctx context.Context, id string, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.RemoveCalls++
	if p.FailRemove {
		return errdefs.DockerError(fmt.Errorf("injected remove failure"), "failed to remove container")
	}
	delete(p.entries, id)
	return nil
}

func (p *Provider) IsRunning(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return false, errdefs.DockerError(fmt.Errorf("no such container: %s", id), "failed to inspect container")
	}
	return e.running, nil
}

func (p *Provider) Stats(ctx context.Context, id string) (*container.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[id]; !ok {
		return nil, errdefs.DockerError(fmt.Errorf("no such container: %s", id), "failed to read container stats")
	}
	return &container.Stats{
		CPUPercent:  1.5,
		MemoryUsage: 64 << 20,
		MemoryLimit: 512 << 20,
	}, nil
}

func (p *Provider) Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[id]; !ok {
		return nil, errdefs.DockerError(fmt.Errorf("no such container: %s", id), "failed to read container logs")
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (p *Provider) ListByLabel(ctx context.Context, key, value string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for id, e := range p.entries {
		if e.opts.Labels[key] == value {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Options returns the create options recorded for a container ID.
func (p *Provider) Options(id string) (container.CreateOptions, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return container.CreateOptions{}, false
	}
	return e.opts, true
}
