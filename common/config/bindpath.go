package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadBindPaths parses a bind-path manifest (--bind-path-file/
// OOCANA_BIND_PATH_FILE): a flat JSON object mapping a host path prefix to
// the path this core should substitute for it, so a sandboxed caller can
// expose a host directory under a different local path.
func LoadBindPaths(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bind path file: %w", err)
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode bind path file: %w", err)
	}
	return out, nil
}
