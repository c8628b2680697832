// Package ptymgr manages the agent's pseudo-terminals: a bounded map of
// pty id to master fd and child process.
package ptymgr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/OpenElevo/ElevoSandbox/internal/logger"
)

// DefaultMaxPtys bounds how many PTYs one agent will hold open.
const DefaultMaxPtys = 16

const defaultShell = "/bin/bash"

// Sentinel errors reported back over the stream. The server matches on
// these messages, so they are part of the wire contract.
var (
	ErrNotFound      = errors.New("pty not found")
	ErrLimitExceeded = errors.New("pty limit exceeded")
)

// Instance is one open PTY: the master side plus the child running on the
// slave side. Writes to the master are serialized by writeMu; the output
// reader goroutine owns reads.
type Instance struct {
	ID    string
	pty   *os.File
	cmd   *exec.Cmd
	shell string

	writeMu sync.Mutex
}

// Manager is the bounded pty map.
type Manager struct {
	mu      sync.Mutex
	ptys    map[string]*Instance
	maxPtys int
	log     *logger.Logger

	// output receives frames read from every pty; the connection loop
	// forwards them to the server.
	output func(ptyID string, data []byte)
}

// New creates a manager capped at maxPtys. The output callback receives
// every chunk read from any pty, in per-pty production order.
func New(maxPtys int, output func(ptyID string, data []byte), log *logger.Logger) *Manager {
	if maxPtys <= 0 {
		maxPtys = DefaultMaxPtys
	}
	return &Manager{
		ptys:    make(map[string]*Instance),
		maxPtys: maxPtys,
		output:  output,
		log:     log,
	}
}

// Create opens a PTY of the given size running shell (default /bin/bash)
// with the supplied env. Fails with ErrLimitExceeded at capacity, before
// anything is allocated.
func (m *Manager) Create(id string, cols, rows uint16, shell string, env map[string]string) error {
	m.mu.Lock()
	if len(m.ptys) >= m.maxPtys {
		m.mu.Unlock()
		return ErrLimitExceeded
	}
	if _, exists := m.ptys[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("pty already exists: %s", id)
	}
	// Reserve the slot while the pty opens outside the lock.
	m.ptys[id] = nil
	m.mu.Unlock()

	if shell == "" {
		shell = defaultShell
	}

	cmd := exec.Command(shell)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		m.mu.Lock()
		delete(m.ptys, id)
		m.mu.Unlock()
		return fmt.Errorf("failed to open pty: %w", err)
	}

	inst := &Instance{
		ID:    id,
		pty:   master,
		cmd:   cmd,
		shell: shell,
	}

	m.mu.Lock()
	m.ptys[id] = inst
	m.mu.Unlock()

	go m.readLoop(inst)

	m.log.Info("pty created", "pty_id", id, "shell", shell, "cols", cols, "rows", rows)
	return nil
}

// Write sends input bytes to the pty master. One writer at a time.
func (m *Manager) Write(id string, data []byte) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}

	inst.writeMu.Lock()
	defer inst.writeMu.Unlock()

	if _, err := inst.pty.Write(data); err != nil {
		return fmt.Errorf("pty write failed: %w", err)
	}
	return nil
}

// Resize posts new dimensions to the pty.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	if err := pty.Setsize(inst.pty, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty resize failed: %w", err)
	}
	return nil
}

// Kill drops the pty: closes the master and reaps the child.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	inst, ok := m.ptys[id]
	delete(m.ptys, id)
	m.mu.Unlock()

	if !ok || inst == nil {
		return ErrNotFound
	}

	inst.teardown()
	m.log.Info("pty killed", "pty_id", id)
	return nil
}

// Shutdown tears down every pty. Called when the agent exits.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.ptys))
	for _, inst := range m.ptys {
		if inst != nil {
			instances = append(instances, inst)
		}
	}
	m.ptys = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range instances {
		inst.teardown()
	}
}

// Count returns the number of open ptys.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ptys)
}

func (m *Manager) get(id string) (*Instance, error) {
	m.mu.Lock()
	inst, ok := m.ptys[id]
	m.mu.Unlock()

	if !ok || inst == nil {
		return nil, ErrNotFound
	}
	return inst, nil
}

// readLoop forwards master-side output until the pty closes, then removes
// the instance if still present (shell exited on its own).
func (m *Manager) readLoop(inst *Instance) {
	buf := make([]byte, 4096)
	for {
		n, err := inst.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.output(inst.ID, data)
		}
		if err != nil {
			if err != io.EOF {
				m.log.Debug("pty read ended", "pty_id", inst.ID, "error", err)
			}
			break
		}
	}

	m.mu.Lock()
	current, ok := m.ptys[inst.ID]
	if ok && current == inst {
		delete(m.ptys, inst.ID)
	}
	m.mu.Unlock()

	if ok {
		inst.teardown()
	}
}

// teardown closes the master and reaps the child. Dropping the master
// hangs up the slave side, so the shell exits on its own; the kill is a
// backstop.
func (inst *Instance) teardown() {
	_ = inst.pty.Close()
	if inst.cmd.Process != nil {
		_ = inst.cmd.Process.Kill()
		_, _ = inst.cmd.Process.Wait()
	}
}
