package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/OpenElevo/ElevoSandbox/internal/agentapi"
	"github.com/OpenElevo/ElevoSandbox/internal/config"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
	"github.com/OpenElevo/ElevoSandbox/internal/model"
	"github.com/OpenElevo/ElevoSandbox/internal/nfs"
	"github.com/OpenElevo/ElevoSandbox/internal/store"
)

// testStore creates a temporary SQLite database for testing.
func testStore(t *testing.T) *store.Store {
	t.Helper()

	tmpFile := fmt.Sprintf("%s/service_test.db", t.TempDir())
	db, err := gorm.Open(sqlite.Open(tmpFile), &gorm.Config{})
	require.NoError(t, err, "failed to open test database")
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	return store.New(db)
}

// testConfig returns a config with fast timeouts for testing.
func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		WorkspaceDir:    t.TempDir(),
		BaseImage:       "elevo-sandbox-base:latest",
		AgentTimeout:    100 * time.Millisecond,
		AgentServerAddr: "http://172.17.0.1:9090",
		NFSHost:         "127.0.0.1",
		NFSPort:         2049,
	}
}

// testWorkspaceService builds a workspace service over a local exporter
// rooted at the config's workspace dir.
func testWorkspaceService(t *testing.T, s *store.Store, cfg *config.Config) *WorkspaceService {
	exporter := nfs.NewLocalExporter(cfg.NFSHost, cfg.NFSPort, cfg.WorkspaceDir, logger.Nop())
	return NewWorkspaceService(s, exporter, cfg.WorkspaceDir, logger.Nop())
}

// runningSandbox inserts a sandbox row already transitioned to running.
func runningSandbox(t *testing.T, s *store.Store) *model.Sandbox {
	t.Helper()
	ctx := context.Background()

	ws := &model.Workspace{}
	require.NoError(t, s.CreateWorkspace(ctx, ws))

	sb := &model.Sandbox{WorkspaceID: ws.ID, Template: "t"}
	require.NoError(t, s.CreateSandbox(ctx, sb))
	require.NoError(t, s.UpdateSandboxState(ctx, sb.ID, model.SandboxStateRunning, nil))
	return sb
}

// fakeAgent drains a registered connection's outbound queue the way the
// endpoint's forwarder plus a live agent would, resolving request-style
// messages through the matcher. A nil respond leaves requests unanswered.
func fakeAgent(conn *agentapi.Conn, matcher *agentapi.Matcher, respond func(msg *agentapi.Message) *agentapi.CommandResponse) {
	go func() {
		for msg := range conn.Outbound() {
			if respond == nil {
				continue
			}
			if resp := respond(msg); resp != nil {
				matcher.Resolve(resp.CorrelationID, resp)
			}
		}
	}()
}

// echoResponder acks every request; run_command succeeds with the given
// stdout.
func echoResponder(stdout string) func(msg *agentapi.Message) *agentapi.CommandResponse {
	return func(msg *agentapi.Message) *agentapi.CommandResponse {
		switch msg.Type {
		case agentapi.TypeRunCommand:
			return &agentapi.CommandResponse{
				CorrelationID: msg.RunCommand.CorrelationID,
				Success:       &agentapi.CommandSuccess{ExitCode: 0, Stdout: stdout},
			}
		case agentapi.TypeCreatePty:
			return &agentapi.CommandResponse{
				CorrelationID: msg.CreatePty.CorrelationID,
				Success:       &agentapi.CommandSuccess{},
			}
		case agentapi.TypeResizePty:
			return &agentapi.CommandResponse{
				CorrelationID: msg.ResizePty.CorrelationID,
				Success:       &agentapi.CommandSuccess{},
			}
		case agentapi.TypeKillPty:
			return &agentapi.CommandResponse{
				CorrelationID: msg.KillPty.CorrelationID,
				Success:       &agentapi.CommandSuccess{},
			}
		}
		return nil
	}
}
