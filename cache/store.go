// Package cache implements the disk-backed fingerprint→output-bundle
// store consulted by root-flow activations (spec §3, §4.2, §5).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/oocana/oocana-core/common/logger"
)

// Entry maps output handle name to its recorded value for one cached activation.
type Entry map[string]json.RawMessage

// Store is the on-disk cache keyed by canonical input fingerprint
// (`(block-identifier, canonical input fingerprint)` per spec §3), shared
// between sibling schedulers at root-flow scope.
type Store struct {
	dir   string
	log   *logger.Logger
	locks sync.Map // fingerprint (string) -> *sync.Mutex
	group singleflight.Group
}

// New opens (creating if necessary) a Store rooted at dir, typically
// `~/.oocana/cache/`.
func New(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) path(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint+".json")
}

func (s *Store) lockFor(fingerprint string) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(fingerprint, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Get returns the cached entry for fingerprint, if any. A stale entry —
// one whose recorded non-additional output set doesn't match wantHandles —
// is treated as a miss and removed, per the is_additional/cache Open
// Question decision recorded in DESIGN.md.
func (s *Store) Get(ctx context.Context, fingerprint string, wantHandles []string) (Entry, bool, error) {
	mu := s.lockFor(fingerprint)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(s.path(fingerprint))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read %s: %w", fingerprint, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("cache: decode %s: %w", fingerprint, err)
	}

	for _, want := range wantHandles {
		if _, ok := entry[want]; !ok {
			s.log.Warn("cache entry stale, invalidating", "fingerprint", fingerprint, "missing_handle", want)
			_ = os.Remove(s.path(fingerprint)) // still under mu, locked at the top of Get
			return nil, false, nil
		}
	}

	return entry, true, nil
}

// Put persists entry under fingerprint, replacing any prior content.
func (s *Store) Put(ctx context.Context, fingerprint string, entry Entry) error {
	mu := s.lockFor(fingerprint)
	mu.Lock()
	defer mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", fingerprint, err)
	}

	tmp := s.path(fingerprint) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cache: write %s: %w", fingerprint, err)
	}
	if err := os.Rename(tmp, s.path(fingerprint)); err != nil {
		return fmt.Errorf("cache: commit %s: %w", fingerprint, err)
	}
	return nil
}

// GetOrActivate implements the "single-fire for cached hit" invariant
// (spec §8): concurrent activations sharing a fingerprint collapse onto one
// in-flight call to miss; only the leader queries the cache/dispatches the
// block, followers share its result.
func (s *Store) GetOrActivate(ctx context.Context, fingerprint string, wantHandles []string, miss func() (Entry, error)) (Entry, bool, error) {
	if entry, hit, err := s.Get(ctx, fingerprint, wantHandles); err != nil {
		return nil, false, err
	} else if hit {
		return entry, true, nil
	}

	result, err, _ := s.group.Do(fingerprint, func() (interface{}, error) {
		// Re-check under the singleflight leader in case a sibling
		// activation wrote the entry while we were queued.
		if entry, hit, err := s.Get(ctx, fingerprint, wantHandles); err != nil {
			return nil, err
		} else if hit {
			return entry, nil
		}

		entry, err := miss()
		if err != nil {
			return nil, err
		}
		if err := s.Put(ctx, fingerprint, entry); err != nil {
			return nil, err
		}
		return entry, nil
	})
	if err != nil {
		return nil, false, err
	}
	return result.(Entry), false, nil
}
