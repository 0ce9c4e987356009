package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFileOrEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OOCANA_STORE_DIR", "")
	t.Setenv("OOCANA_DIR", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".oomol-studio", "oocana"), cfg.Global.StoreDir)
	assert.Equal(t, filepath.Join(home, ".oocana"), cfg.Global.OocanaDir)
	assert.Equal(t, "127.0.0.1:47688", cfg.Run.Broker)
	assert.False(t, cfg.Run.Reporter)
}

func TestLoadReadsExplicitTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[global]
store_dir = "/tmp/store"
oocana_dir = "/tmp/oocana"

[run]
broker = "10.0.0.1:1883"
reporter = true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/store", cfg.Global.StoreDir)
	assert.Equal(t, "/tmp/oocana", cfg.Global.OocanaDir)
	assert.Equal(t, "10.0.0.1:1883", cfg.Run.Broker)
	assert.True(t, cfg.Run.Reporter)
}

func TestEnvOverridesWinOverConfigFileForReporterAndDebug(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[run]
reporter = true
debug = true
`), 0o644))

	t.Setenv("OOCANA_REPORTER", "false")
	t.Setenv("OOCANA_DEBUG", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Run.Reporter)
	assert.False(t, cfg.Run.Debug)
}

func TestIsPackageExcluded(t *testing.T) {
	cfg := &Config{Run: RunConfig{ExcludePackages: []string{"foo", "bar"}}}
	assert.True(t, cfg.IsPackageExcluded("foo"))
	assert.False(t, cfg.IsPackageExcluded("baz"))
}

func TestLoadEnvFileParsesKeyValuePairs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("FOO=bar\nBAZ=qux\n"), 0o644))

	vars, err := LoadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bar", vars["FOO"])
	assert.Equal(t, "qux", vars["BAZ"])
}

func TestLoadBindPathsParsesJSONMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bind-paths.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"/host/data": "/local/data"}`), 0o644))

	paths, err := LoadBindPaths(path)
	require.NoError(t, err)
	assert.Equal(t, "/local/data", paths["/host/data"])
}

func TestLoadBindPathsMissingFileReturnsError(t *testing.T) {
	_, err := LoadBindPaths(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
