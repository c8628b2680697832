package executor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdout(t *testing.T) {
	result, err := Run("echo", []string{"hi"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hi\n", result.Stdout)
	assert.Equal(t, "", result.Stderr)
}

func TestRunSeparatesStreams(t *testing.T) {
	result, err := Run("sh", []string{"-c", "echo out; echo err >&2"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
}

func TestRunReportsExitCode(t *testing.T) {
	result, err := Run("sh", []string{"-c", "exit 3"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunAppliesEnvAndCwd(t *testing.T) {
	dir := t.TempDir()
	result, err := Run("sh", []string{"-c", "echo $GREETING; pwd"}, map[string]string{"GREETING": "hello"}, dir)
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "hello\n")
	assert.Contains(t, result.Stdout, dir)
}

func TestRunSpawnError(t *testing.T) {
	_, err := Run("/nonexistent/binary", nil, nil, "")
	assert.Error(t, err)
}

func TestKillValidation(t *testing.T) {
	assert.Error(t, Kill(1234, -1), "negative signal is unrepresentable")
	assert.Error(t, Kill(1234, 99), "out-of-range signal is unrepresentable")

	// Signaling a long-gone pid succeeds: kill is fire-and-forget.
	assert.NoError(t, Kill(1<<22+7, 15))

	// Signal 0 is refused by the range check before any signal is sent,
	// even for our own pid.
	assert.Error(t, Kill(os.Getpid(), 0), "signal zero is rejected by validation")
}
