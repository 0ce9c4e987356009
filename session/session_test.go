package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// shellFlow writes a linear two-node shell flow (echo -> cat) to a temp
// directory and returns the flow directory path.
func shellFlow(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	flowDir := filepath.Join(root, "flows", "main")

	writeFile(t, filepath.Join(flowDir, "flow.oo.yaml"), `
nodes:
  - node_id: a
    task: self::echo
  - node_id: b
    task: self::cat
    inputs_from:
      - handle: command
        from_node: a.stdout
`)
	writeFile(t, filepath.Join(root, "flows", "blocks", "echo", "block.oo.yaml"), `
type: task_block
executor:
  name: shell
inputs_def:
  - handle: command
    required: true
    value: "echo hello"
outputs_def:
  - handle: stdout
`)
	writeFile(t, filepath.Join(root, "flows", "blocks", "cat", "block.oo.yaml"), `
type: task_block
executor:
  name: shell
inputs_def:
  - handle: command
    required: true
outputs_def:
  - handle: stdout
`)
	return flowDir
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OOCANA_DIR", filepath.Join(home, "oocana"))
	t.Setenv("OOCANA_STORE_DIR", filepath.Join(home, "store"))

	s, err := New(context.Background(), Options{
		SessionID: "test-session-0001",
		MemoryBus: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestSubmitFlowRunsLinearShellFlowToSuccess(t *testing.T) {
	s := newTestSession(t)
	flowDir := shellFlow(t)

	code, err := s.SubmitFlow(context.Background(), flowDir, nil)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, StatusDone, s.Status())

	result, readErr := os.ReadFile(filepath.Join(s.Dir, "result.json"))
	// The flow has no declared flow-level output handle, so result.json may
	// be an empty object; what matters is it was written without error.
	_ = result
	assert.NoError(t, readErr)
}

func TestSubmitFlowReturnsConfigErrorForUnresolvableFlow(t *testing.T) {
	s := newTestSession(t)

	code, err := s.SubmitFlow(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"), nil)
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, code)
}

func TestCancelStopsASubmittedFlow(t *testing.T) {
	s := newTestSession(t)
	flowDir := shellFlow(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel before the run loop even starts its first select

	code, err := s.SubmitFlow(ctx, flowDir, nil)
	require.Error(t, err)
	assert.Equal(t, ExitCancelled, code)
}

func TestShutdownKeepsSessionDirOnFailure(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OOCANA_DIR", filepath.Join(home, "oocana"))
	t.Setenv("OOCANA_STORE_DIR", filepath.Join(home, "store"))

	s, err := New(context.Background(), Options{SessionID: "kept-on-failure", MemoryBus: true})
	require.NoError(t, err)

	_, _ = s.SubmitFlow(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	dir := s.Dir
	require.NoError(t, s.Shutdown(context.Background()))

	_, statErr := os.Stat(dir)
	assert.False(t, os.IsNotExist(statErr), "failed session dir should be preserved for diagnosis")
}

func TestNewAppliesEnvFileToProcessEnvironment(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OOCANA_DIR", filepath.Join(home, "oocana"))
	t.Setenv("OOCANA_STORE_DIR", filepath.Join(home, "store"))

	envPath := filepath.Join(home, "extra.env")
	writeFile(t, envPath, "OOCANA_TEST_VAR=from-env-file\n")
	t.Setenv("OOCANA_TEST_VAR", "")

	s, err := New(context.Background(), Options{
		SessionID: "env-file-session",
		MemoryBus: true,
		EnvFile:   envPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	assert.Equal(t, "from-env-file", os.Getenv("OOCANA_TEST_VAR"))
}

func TestNewRejectsUnreadableEnvFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OOCANA_DIR", filepath.Join(home, "oocana"))
	t.Setenv("OOCANA_STORE_DIR", filepath.Join(home, "store"))

	_, err := New(context.Background(), Options{
		SessionID: "bad-env-file-session",
		MemoryBus: true,
		EnvFile:   filepath.Join(home, "does-not-exist.env"),
	})
	require.Error(t, err)
}

func TestDebugServerStartsAndReportsAddr(t *testing.T) {
	s := newTestSession(t)
	ds := NewDebugServer(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ds.Start(ctx, 0))

	// Give the listener goroutine a moment to start serving.
	time.Sleep(20 * time.Millisecond)
	assert.NotEmpty(t, ds.Addr())
}
