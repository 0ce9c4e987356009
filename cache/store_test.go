package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oocana/oocana-core/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), logger.New("error", "json"))
	require.NoError(t, err)
	return s
}

func TestStorePutThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := Entry{"stdout": json.RawMessage(`"hello"`)}
	require.NoError(t, s.Put(ctx, "fp1", entry))

	got, hit, err := s.Get(ctx, "fp1", []string{"stdout"})
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, entry, got)
}

func TestStoreGetMissesUnknownFingerprint(t *testing.T) {
	s := newTestStore(t)
	_, hit, err := s.Get(context.Background(), "missing", nil)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestStoreInvalidatesEntryMissingWantedHandle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "fp1", Entry{"stdout": json.RawMessage(`"x"`)}))

	_, hit, err := s.Get(ctx, "fp1", []string{"stdout", "stderr"})
	require.NoError(t, err)
	assert.False(t, hit, "entry missing a now-required handle should be treated as a miss")

	_, hitAgain, err := s.Get(ctx, "fp1", []string{"stdout"})
	require.NoError(t, err)
	assert.False(t, hitAgain, "invalidated entry should have been removed from disk")
}

func TestGetOrActivateFiresExactlyOnceForConcurrentActivations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var dispatches int64
	miss := func() (Entry, error) {
		atomic.AddInt64(&dispatches, 1)
		return Entry{"result": json.RawMessage(`1`)}, nil
	}

	const concurrency = 20
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			_, _, err := s.GetOrActivate(ctx, "shared-fp", []string{"result"}, miss)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&dispatches))
}
