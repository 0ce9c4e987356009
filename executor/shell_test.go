package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellExecutorRunsCommandAndCapturesStdout(t *testing.T) {
	s := NewShellExecutor("session-1", t.TempDir(), nil, nil)

	result, err := s.Run(context.Background(), RunRequest{
		JobID:   "job-1",
		Command: "echo hello",
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, StatusOK, result.Status)
	assert.JSONEq(t, `"hello\n"`, string(result.Outputs["stdout"]))
}

func TestShellExecutorNonZeroExitReturnsShellExit(t *testing.T) {
	s := NewShellExecutor("session-1", t.TempDir(), nil, nil)

	_, err := s.Run(context.Background(), RunRequest{
		JobID:   "job-1",
		Command: "exit 3",
	}, nil)

	require.Error(t, err)
	var shellErr *ShellExit
	require.ErrorAs(t, err, &shellErr)
	assert.Equal(t, 3, shellErr.Code)
}

func TestShellExecutorMissingCommandFailsFast(t *testing.T) {
	s := NewShellExecutor("session-1", t.TempDir(), nil, nil)

	_, err := s.Run(context.Background(), RunRequest{JobID: "job-1"}, nil)
	require.Error(t, err)
}

func TestShellExecutorResolvesCwdThroughBindPaths(t *testing.T) {
	real := t.TempDir()
	bindPaths := map[string]string{"/workspace": real}
	s := NewShellExecutor("session-1", t.TempDir(), bindPaths, nil)

	result, err := s.Run(context.Background(), RunRequest{
		JobID:   "job-1",
		Command: "pwd",
		Cwd:     "/workspace",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, real+"\n", mustUnquote(t, result.Outputs["stdout"]))
}

func mustUnquote(t *testing.T, raw []byte) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func TestResolveBindPathPicksLongestMatchingPrefix(t *testing.T) {
	bindPaths := map[string]string{
		"/workspace":        "/var/data/generic",
		"/workspace/nested": "/var/data/specific",
	}
	assert.Equal(t, "/var/data/specific/file.txt", resolveBindPath("/workspace/nested/file.txt", bindPaths))
	assert.Equal(t, "/var/data/generic/other.txt", resolveBindPath("/workspace/other.txt", bindPaths))
	assert.Equal(t, "/elsewhere", resolveBindPath("/elsewhere", bindPaths))
}

func TestParseEnvsDropsMalformedPairsAndKeepsEmbeddedEquals(t *testing.T) {
	envs := ParseEnvs("A=1,B=x=y,malformed,C=")

	assert.Equal(t, map[string]string{
		"A": "1",
		"B": "x=y",
		"C": "",
	}, envs)
}

func TestShellExecutorForwardsOutputEvents(t *testing.T) {
	s := NewShellExecutor("session-1", t.TempDir(), nil, nil)

	var events []OutputEvent
	_, err := s.Run(context.Background(), RunRequest{
		JobID:   "job-1",
		Command: "echo hi",
	}, func(ev OutputEvent) {
		events = append(events, ev)
	})

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "stdout", events[0].Handle)
	assert.Equal(t, "stderr", events[1].Handle)
}
