package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

const appName = "elevo"

// DefaultBaseImage is the image used for sandboxes that do not name a template.
const DefaultBaseImage = "elevo-sandbox-base:latest"

// Config holds all configuration for the server.
type Config struct {
	// Server settings
	HTTPHost    string
	HTTPPort    int
	AgentPort   int // Port serving the agent stream endpoint
	CORSOrigins []string

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // console or json

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Workspaces
	WorkspaceDir string // Base directory for workspace host directories

	// Sandbox runtime settings
	BaseImage         string        // Default sandbox image
	MaxSandboxes      int           // Cap on non-terminal sandboxes (0 = unlimited)
	AgentTimeout      time.Duration // How long create waits for the agent to attach
	AgentServerAddr   string        // Address agents dial from inside containers
	ExpiryInterval    time.Duration // How often the expiry sweep runs
	HeartbeatMaxIdle  time.Duration // Connections idle longer than this are stale
	SandboxExtraHosts []string      // Extra /etc/hosts entries for sandbox containers

	// Docker-specific settings
	DockerHost    string // Docker socket/host (empty = SDK auto-detect)
	DockerNetwork string // Docker network to attach sandbox containers to

	// NFS export settings
	NFSHost string // Host advertised in export URLs
	NFSPort int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.HTTPHost = getEnv("HTTP_HOST", "0.0.0.0")
	cfg.HTTPPort = getEnvInt("HTTP_PORT", 8080)
	cfg.AgentPort = getEnvInt("AGENT_PORT", 9090)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"*"})

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	// Database - defaults to XDG_DATA_HOME/elevo/elevo.db
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite://"+filepath.Join(xdg.DataHome, appName, "elevo.db"))
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Workspaces - defaults to XDG_DATA_HOME/elevo/workspaces
	cfg.WorkspaceDir = getEnv("WORKSPACE_DIR", filepath.Join(xdg.DataHome, appName, "workspaces"))

	// Sandbox runtime settings
	cfg.BaseImage = getEnv("BASE_IMAGE", DefaultBaseImage)
	cfg.MaxSandboxes = getEnvInt("MAX_SANDBOXES", 0)
	cfg.AgentTimeout = getEnvDuration("AGENT_TIMEOUT", 30*time.Second)
	cfg.AgentServerAddr = getEnv("AGENT_SERVER_ADDR", "http://172.17.0.1:9090")
	cfg.ExpiryInterval = getEnvDuration("EXPIRY_INTERVAL", time.Minute)
	cfg.HeartbeatMaxIdle = getEnvDuration("HEARTBEAT_MAX_IDLE", 2*time.Minute)
	cfg.SandboxExtraHosts = getEnvList("SANDBOX_EXTRA_HOSTS", nil)

	// Docker-specific settings
	// Empty default lets the Docker SDK auto-detect via DOCKER_HOST.
	cfg.DockerHost = getEnv("DOCKER_HOST", "")
	cfg.DockerNetwork = getEnv("DOCKER_NETWORK", "bridge")

	// NFS export settings
	cfg.NFSHost = getEnv("NFS_HOST", "127.0.0.1")
	cfg.NFSPort = getEnvInt("NFS_PORT", 2049)

	return cfg, nil
}

// detectDriver determines the database driver from the DSN.
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from the DSN.
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
