// Package model defines the database models. They work with both
// PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sandbox state constants representing the lifecycle of a sandbox.
const (
	SandboxStateStarting = "starting" // Container being provisioned
	SandboxStateRunning  = "running"  // Container up, sandbox usable
	SandboxStateStopping = "stopping" // Teardown in progress
	SandboxStateStopped  = "stopped"  // Teardown finished
	SandboxStateError    = "error"    // Provisioning or teardown failed
)

// ValidSandboxState reports whether s names a known state.
func ValidSandboxState(s string) bool {
	switch s {
	case SandboxStateStarting, SandboxStateRunning, SandboxStateStopping,
		SandboxStateStopped, SandboxStateError:
		return true
	}
	return false
}

// allowedTransitions is the set of legal (old, new) state pairs. The store
// rejects any update not listed here.
var allowedTransitions = map[string][]string{
	SandboxStateStarting: {SandboxStateRunning, SandboxStateError},
	SandboxStateRunning:  {SandboxStateStopping, SandboxStateError},
	SandboxStateStopping: {SandboxStateStopped, SandboxStateError},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to string) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sandbox represents a container instance plus the agent running inside it.
// Env and Metadata are stored as JSON text columns.
type Sandbox struct {
	ID           string          `gorm:"primaryKey;type:text" json:"id"`
	Name         *string         `gorm:"type:text" json:"name,omitempty"`
	WorkspaceID  string          `gorm:"column:workspace_id;not null;type:text;index" json:"workspaceId"`
	Template     string          `gorm:"not null;type:text" json:"template"`
	State        string          `gorm:"not null;type:text;default:starting;index" json:"state"`
	ContainerID  *string         `gorm:"column:container_id;type:text" json:"containerId,omitempty"`
	Env          json.RawMessage `gorm:"type:text;not null" json:"env"`
	Metadata     json.RawMessage `gorm:"type:text;not null" json:"metadata"`
	NFSURL       *string         `gorm:"column:nfs_url;type:text" json:"nfsUrl,omitempty"`
	Timeout      int64           `gorm:"not null;default:0" json:"timeout"`
	ErrorMessage *string         `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`

	Workspace *Workspace `gorm:"foreignKey:WorkspaceID" json:"-"`
}

func (Sandbox) TableName() string { return "sandboxes" }

func (s *Sandbox) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Env == nil {
		s.Env = json.RawMessage("{}")
	}
	if s.Metadata == nil {
		s.Metadata = json.RawMessage("{}")
	}
	return nil
}

// EnvMap decodes the env column.
func (s *Sandbox) EnvMap() map[string]string {
	var m map[string]string
	_ = json.Unmarshal(s.Env, &m)
	if m == nil {
		m = map[string]string{}
	}
	return m
}

// MetadataMap decodes the metadata column.
func (s *Sandbox) MetadataMap() map[string]string {
	var m map[string]string
	_ = json.Unmarshal(s.Metadata, &m)
	if m == nil {
		m = map[string]string{}
	}
	return m
}

// IsTerminal reports whether the sandbox reached a terminal state.
func (s *Sandbox) IsTerminal() bool {
	return s.State == SandboxStateStopped || s.State == SandboxStateError
}

// Workspace represents a persistent directory shared by one or more
// sandboxes via NFS.
type Workspace struct {
	ID        string          `gorm:"primaryKey;type:text" json:"id"`
	Name      *string         `gorm:"type:text" json:"name,omitempty"`
	NFSURL    *string         `gorm:"column:nfs_url;type:text" json:"nfsUrl,omitempty"`
	Metadata  json.RawMessage `gorm:"type:text;not null" json:"metadata"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`

	Sandboxes []Sandbox `gorm:"foreignKey:WorkspaceID" json:"-"`
}

func (Workspace) TableName() string { return "workspaces" }

func (w *Workspace) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Metadata == nil {
		w.Metadata = json.RawMessage("{}")
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Workspace{},
		&Sandbox{},
	}
}
