package nfs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenElevo/ElevoSandbox/internal/logger"
)

func TestExportAndURL(t *testing.T) {
	root := t.TempDir()
	e := NewLocalExporter("10.0.0.5", 2049, root, logger.Nop())
	ctx := context.Background()

	dir := filepath.Join(root, "ws-1")
	url, err := e.Export(ctx, "ws-1", dir)
	require.NoError(t, err)
	assert.Equal(t, "nfs://10.0.0.5:2049/ws-1", url)

	got, ok := e.URL("ws-1")
	require.True(t, ok)
	assert.Equal(t, url, got)

	gotDir, ok := e.Dir("ws-1")
	require.True(t, ok)
	assert.Equal(t, dir, gotDir)
}

func TestExportRejectsEscapingPath(t *testing.T) {
	root := t.TempDir()
	e := NewLocalExporter("127.0.0.1", 2049, root, logger.Nop())

	_, err := e.Export(context.Background(), "evil", filepath.Join(root, "..", "outside"))
	assert.Error(t, err)

	_, err = e.Export(context.Background(), "evil2", "/etc")
	assert.Error(t, err)
}

func TestUnexport(t *testing.T) {
	root := t.TempDir()
	e := NewLocalExporter("127.0.0.1", 2049, root, logger.Nop())
	ctx := context.Background()

	_, err := e.Export(ctx, "ws-1", filepath.Join(root, "ws-1"))
	require.NoError(t, err)

	e.Unexport(ctx, "ws-1")
	_, ok := e.URL("ws-1")
	assert.False(t, ok)

	// Unknown ids are a no-op.
	e.Unexport(ctx, "never-exported")
}
