package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oocana/oocana-core/bus"
	"github.com/oocana/oocana-core/common/logger"
	"github.com/oocana/oocana-core/reporter"
)

func newTestRegistry(t *testing.T) (*Registry, bus.Bus) {
	t.Helper()
	rep, err := reporter.Open(filepath.Join(t.TempDir(), "report.log"), logger.New("error", "json"))
	require.NoError(t, err)
	t.Cleanup(func() { rep.Close() })

	b := bus.NewMemoryBus()
	return NewRegistry("session-1", "127.0.0.1:0", b, rep), b
}

func TestRegistryRunRoutesJobToSpawnedExecutorAndReturnsResult(t *testing.T) {
	reg, b := newTestRegistry(t)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan RunResult, 1)
	go func() {
		result, err := reg.Run(ctx, RunRequest{
			JobID: "job-1",
			// ExecutorName drives the Identifier/topic namespace; Bin only
			// overrides which binary actually gets spawned for it.
			ExecutorName: "shelltest",
			Bin:          "sh",
			Args:         []string{"-c", "sleep 5"},
			Command:      "noop",
		}, nil)
		require.NoError(t, err)
		done <- result
	}()

	// Simulate the remote executor process side of the protocol: ensureSpawned
	// subscribes to "ready" asynchronously relative to this goroutine, and
	// MemoryBus has no retained-message replay, so keep republishing ready and
	// finish together until Run's subscription catches one.
	resultPayload, err := json.Marshal(RunResult{Status: StatusOK, Outputs: map[string]json.RawMessage{
		"value": json.RawMessage(`42`),
	}})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case result := <-done:
			assert.Equal(t, StatusOK, result.Status)
			assert.JSONEq(t, `42`, string(result.Outputs["value"]))
			break loop
		case <-ticker.C:
			require.NoError(t, b.Publish(ctx, "executor/shelltest/ready", []byte(`{}`)))
			require.NoError(t, b.Publish(ctx, "executor/shelltest/finish/job-1", resultPayload))
		case <-deadline:
			t.Fatal("Run never picked up the published ready/finish messages")
		}
	}
}

func TestRegistryDefaultsSpawnBinaryToExecutorNamePlusSuffix(t *testing.T) {
	reg, _ := newTestRegistry(t)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	// No Bin override: ensureSpawned must try to spawn
	// "<ExecutorName>-executor", which does not exist on PATH, so Run fails
	// fast instead of silently collapsing to some other executor's identity.
	_, err := reg.Run(context.Background(), RunRequest{
		JobID:        "job-1",
		ExecutorName: "no-such-kind",
		Command:      "noop",
	}, nil)
	require.Error(t, err)
}

func TestRegistryCancelIsNoOpWithNoLiveExecutors(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.NoError(t, reg.Cancel("job-unknown"))
}

func TestRegistryShutdownWithNoLiveExecutorsSucceeds(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.NoError(t, reg.Shutdown(context.Background()))
}

func TestJobIDFromTopicReturnsLastSegment(t *testing.T) {
	assert.Equal(t, "job-1", jobIDFromTopic("executor/sh/finish/job-1"))
	assert.Equal(t, "no-slash", jobIDFromTopic("no-slash"))
}
