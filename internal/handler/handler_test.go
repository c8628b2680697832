package handler

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/OpenElevo/ElevoSandbox/internal/agentapi"
	"github.com/OpenElevo/ElevoSandbox/internal/config"
	"github.com/OpenElevo/ElevoSandbox/internal/container/mock"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
	"github.com/OpenElevo/ElevoSandbox/internal/model"
	"github.com/OpenElevo/ElevoSandbox/internal/nfs"
	"github.com/OpenElevo/ElevoSandbox/internal/service"
	"github.com/OpenElevo/ElevoSandbox/internal/store"
)

// fixture spins up the full handler over an in-process HTTP server with a
// mock container runtime. No Docker is required.
type fixture struct {
	server     *httptest.Server
	store      *store.Store
	registry   *agentapi.Registry
	matcher    *agentapi.Matcher
	broker     *agentapi.PtyBroker
	sandboxSvc *service.SandboxService
	processSvc *service.ProcessService
	ptySvc     *service.PtyService
	wsSvc      *service.WorkspaceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tmpFile := fmt.Sprintf("%s/handler_test.db", t.TempDir())
	db, err := gorm.Open(sqlite.Open(tmpFile), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	s := store.New(db)

	log := logger.Nop()
	cfg := &config.Config{
		WorkspaceDir:    t.TempDir(),
		BaseImage:       "elevo-sandbox-base:latest",
		AgentTimeout:    100 * time.Millisecond,
		AgentServerAddr: "http://172.17.0.1:9090",
		NFSHost:         "127.0.0.1",
		NFSPort:         2049,
	}

	matcher := agentapi.NewMatcher(log)
	registry := agentapi.NewRegistry(matcher, log)
	broker := agentapi.NewPtyBroker(log)
	exporter := nfs.NewLocalExporter(cfg.NFSHost, cfg.NFSPort, cfg.WorkspaceDir, log)

	wsSvc := service.NewWorkspaceService(s, exporter, cfg.WorkspaceDir, log)
	sandboxSvc := service.NewSandboxService(s, mock.NewProvider(), registry, wsSvc, cfg, log)
	processSvc := service.NewProcessService(s, registry, matcher, log)
	ptySvc := service.NewPtyService(s, registry, matcher, log)

	h := New(s, registry, matcher, broker, sandboxSvc, wsSvc, processSvc, ptySvc, log)
	server := httptest.NewServer(h.Routes([]string{"*"}))
	t.Cleanup(server.Close)

	return &fixture{
		server:     server,
		store:      s,
		registry:   registry,
		matcher:    matcher,
		broker:     broker,
		sandboxSvc: sandboxSvc,
		processSvc: processSvc,
		ptySvc:     ptySvc,
		wsSvc:      wsSvc,
	}
}

// wsURL converts the fixture's HTTP base URL to the stream endpoint URL.
func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/agents/connect"
}

// runningSandbox inserts a sandbox row already transitioned to running.
func (f *fixture) runningSandbox(t *testing.T) *model.Sandbox {
	t.Helper()
	ctx := context.Background()

	ws := &model.Workspace{}
	require.NoError(t, f.store.CreateWorkspace(ctx, ws))

	sb := &model.Sandbox{WorkspaceID: ws.ID, Template: "t"}
	require.NoError(t, f.store.CreateSandbox(ctx, sb))
	require.NoError(t, f.store.UpdateSandboxState(ctx, sb.ID, model.SandboxStateRunning, nil))
	return sb
}
