package handler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenElevo/ElevoSandbox/internal/agent"
	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
	"github.com/OpenElevo/ElevoSandbox/internal/service"
)

// startAgent runs the real in-sandbox agent against the fixture's server.
func startAgent(t *testing.T, f *fixture, sandboxID string) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	runner := agent.NewRunner(&agent.Config{
		ServerAddr: f.server.URL,
		SandboxID:  sandboxID,
		MaxPtys:    4,
	}, logger.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})

	require.Eventually(t, func() bool { return f.registry.IsConnected(sandboxID) },
		5*time.Second, 20*time.Millisecond, "agent never attached")
	return cancel
}

func TestEndToEndRunCommand(t *testing.T) {
	f := newFixture(t)
	sb := f.runningSandbox(t)
	startAgent(t, f, sb.ID)

	result, err := f.processSvc.Run(context.Background(), sb.ID, service.RunCommandOptions{
		Command:   "echo",
		Args:      []string{"hi"},
		TimeoutMs: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hi\n", result.Stdout)
	assert.Equal(t, "", result.Stderr)
}

func TestEndToEndSpawnErrorBecomesExecutionFailed(t *testing.T) {
	f := newFixture(t)
	sb := f.runningSandbox(t)
	startAgent(t, f, sb.ID)

	_, err := f.processSvc.Run(context.Background(), sb.ID, service.RunCommandOptions{
		Command:   "/nonexistent/binary",
		TimeoutMs: 5000,
	})
	assert.True(t, errdefs.Is(err, errdefs.KindProcessExecutionFailed))
}

func TestEndToEndTimeout(t *testing.T) {
	f := newFixture(t)
	sb := f.runningSandbox(t)
	startAgent(t, f, sb.ID)

	start := time.Now()
	_, err := f.processSvc.Run(context.Background(), sb.ID, service.RunCommandOptions{
		Command:   "sleep",
		Args:      []string{"10"},
		TimeoutMs: 50,
	})
	assert.True(t, errdefs.Is(err, errdefs.KindProcessTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEndToEndAgentReconnects(t *testing.T) {
	f := newFixture(t)
	sb := f.runningSandbox(t)
	startAgent(t, f, sb.ID)

	// Kill the stream server-side; the agent reconnects within backoff.
	f.registry.Unregister(sb.ID)
	require.Eventually(t, func() bool { return f.registry.IsConnected(sb.ID) },
		10*time.Second, 50*time.Millisecond, "agent did not reconnect")

	result, err := f.processSvc.Run(context.Background(), sb.ID, service.RunCommandOptions{
		Command:   "echo",
		Args:      []string{"back"},
		TimeoutMs: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, "back\n", result.Stdout)
}

func TestEndToEndPtyLifecycle(t *testing.T) {
	f := newFixture(t)
	sb := f.runningSandbox(t)
	startAgent(t, f, sb.ID)
	ctx := context.Background()

	info, err := f.ptySvc.Create(ctx, sb.ID, service.PtyOptions{
		Cols:  80,
		Rows:  24,
		Shell: "/bin/sh",
	})
	require.NoError(t, err)

	output, cancel := f.broker.Subscribe(info.ID)
	defer cancel()

	require.NoError(t, f.ptySvc.SendInput(ctx, sb.ID, info.ID, []byte("echo hi\n")))

	// Expect at least one output frame containing the echoed text.
	deadline := time.After(3 * time.Second)
	var collected strings.Builder
	for !strings.Contains(collected.String(), "hi") {
		select {
		case data := <-output:
			collected.Write(data)
		case <-deadline:
			t.Fatalf("no pty output containing %q, got %q", "hi", collected.String())
		}
	}

	require.NoError(t, f.ptySvc.Resize(ctx, sb.ID, info.ID, 100, 40))
	require.NoError(t, f.ptySvc.Kill(ctx, sb.ID, info.ID))

	err = f.ptySvc.Resize(ctx, sb.ID, info.ID, 80, 24)
	assert.True(t, errdefs.Is(err, errdefs.KindPtyNotFound))
}
