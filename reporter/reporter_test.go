package reporter

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oocana/oocana-core/common/logger"
)

func TestEmitAssignsMonotonicSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	r, err := Open(path, logger.New("error", "json"))
	require.NoError(t, err)
	defer r.Close()

	r.JobStarted("job-1", "node-a")
	r.JobStarted("job-2", "node-b")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"seq":1`)
	assert.Contains(t, lines[1], `"seq":2`)
}

func TestJobTerminalCarriesTiming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	r, err := Open(path, logger.New("error", "json"))
	require.NoError(t, err)
	defer r.Close()

	start := time.Now().Add(-50 * time.Millisecond)
	queued := start.Add(-10 * time.Millisecond)
	end := time.Now()
	timing := NewTiming(queued, start, end)

	r.JobTerminal(EventJobSucceeded, "job-1", "node-a", timing, nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"execution_time_ms"`)
}

func TestStreamLinesForwardsEachLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	r, err := Open(path, logger.New("error", "json"))
	require.NoError(t, err)
	defer r.Close()

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		_, _ = pw.Write([]byte("hello\nworld\n"))
	}()

	r.StreamLines("shell", "job-1", "stdout", pr)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	count := strings.Count(string(data), `"kind":"executor.log"`)
	assert.Equal(t, 2, count)
}
