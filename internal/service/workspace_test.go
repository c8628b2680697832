package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
)

func newWorkspaceFixture(t *testing.T) *WorkspaceService {
	s := testStore(t)
	return testWorkspaceService(t, s, testConfig(t))
}

func TestWorkspaceCreateGetDelete(t *testing.T) {
	svc := newWorkspaceFixture(t)
	ctx := context.Background()

	ws, err := svc.Create(ctx, CreateWorkspaceParams{Name: "main"})
	require.NoError(t, err)
	assert.Equal(t, "main", *ws.Name)
	require.NotNil(t, ws.NFSURL)
	assert.Contains(t, *ws.NFSURL, "nfs://")
	assert.Contains(t, *ws.NFSURL, ws.ID)

	info, err := os.Stat(svc.WorkspaceDir(ws.ID))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	fetched, err := svc.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, fetched.ID)

	require.NoError(t, svc.Delete(ctx, ws.ID))
	_, err = svc.Get(ctx, ws.ID)
	assert.True(t, errdefs.Is(err, errdefs.KindWorkspaceNotFound))
	_, statErr := os.Stat(svc.WorkspaceDir(ws.ID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWorkspaceFileOperations(t *testing.T) {
	svc := newWorkspaceFixture(t)
	ctx := context.Background()

	ws, err := svc.Create(ctx, CreateWorkspaceParams{})
	require.NoError(t, err)

	require.NoError(t, svc.WriteFile(ctx, ws.ID, "src/main.py", []byte("print('hi')\n")))

	data, err := svc.ReadFile(ctx, ws.ID, "src/main.py")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))

	files, err := svc.ListFiles(ctx, ws.ID, "src")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "main.py", files[0].Name)
	assert.Equal(t, "file", files[0].Type)

	require.NoError(t, svc.Mkdir(ctx, ws.ID, "data/raw"))
	files, err = svc.ListFiles(ctx, ws.ID, "data")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "directory", files[0].Type)

	require.NoError(t, svc.DeleteFile(ctx, ws.ID, "src/main.py"))
	_, err = svc.ReadFile(ctx, ws.ID, "src/main.py")
	assert.True(t, errdefs.Is(err, errdefs.KindFileNotFound))
}

func TestWorkspacePathEscapeStripped(t *testing.T) {
	svc := newWorkspaceFixture(t)
	ctx := context.Background()

	ws, err := svc.Create(ctx, CreateWorkspaceParams{})
	require.NoError(t, err)

	// Parent components are stripped, so the write lands inside the
	// workspace instead of escaping it.
	require.NoError(t, svc.WriteFile(ctx, ws.ID, "../../etc/passwd", []byte("x")))
	escaped := filepath.Join(svc.WorkspaceDir(ws.ID), "..", "..", "etc", "passwd")
	_, statErr := os.Stat(escaped)
	assert.True(t, os.IsNotExist(statErr), "write must not escape the workspace root")

	data, err := svc.ReadFile(ctx, ws.ID, "etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	// Deleting the workspace root through the file API is refused.
	err = svc.DeleteFile(ctx, ws.ID, ".")
	assert.True(t, errdefs.Is(err, errdefs.KindPathNotAllowed))
}
