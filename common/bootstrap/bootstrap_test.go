package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oocana/oocana-core/common/config"
)

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x"), 0o644)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Global.OocanaDir = t.TempDir()
	cfg.Global.StoreDir = filepath.Join(cfg.Global.OocanaDir, "store")
	cfg.Run.Broker = "127.0.0.1:0"
	return cfg
}

func TestSetupWiresMemoryBusCacheAndReporter(t *testing.T) {
	components, err := Setup(context.Background(), "test-session",
		WithCustomConfig(testConfig(t)),
		WithMemoryBus(),
		WithoutTelemetry(),
	)
	require.NoError(t, err)
	defer components.Shutdown(context.Background())

	assert.NotNil(t, components.Bus)
	assert.NotNil(t, components.Cache)
	assert.NotNil(t, components.Reporter)
	assert.Nil(t, components.Telemetry)
}

func TestSetupSkipsBusAndCacheWhenRequested(t *testing.T) {
	components, err := Setup(context.Background(), "test-session",
		WithCustomConfig(testConfig(t)),
		WithoutBus(),
		WithoutCache(),
		WithoutTelemetry(),
	)
	require.NoError(t, err)
	defer components.Shutdown(context.Background())

	assert.Nil(t, components.Bus)
	assert.Nil(t, components.Cache)
	assert.NotNil(t, components.Reporter)
}

func TestMustSetupPanicsWhenReporterLogPathIsUnwritable(t *testing.T) {
	cfg := testConfig(t)
	// OocanaDir pointing at a file (not a directory) makes the reporter's
	// session log path impossible to create.
	notADir := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, writeFile(notADir))
	cfg.Global.OocanaDir = notADir

	assert.Panics(t, func() {
		MustSetup(context.Background(), "test-session", WithCustomConfig(cfg), WithoutBus(), WithoutCache(), WithoutTelemetry())
	})
}

func TestShutdownRunsCleanupsInReverseOrder(t *testing.T) {
	components, err := Setup(context.Background(), "test-session",
		WithCustomConfig(testConfig(t)),
		WithMemoryBus(),
		WithoutTelemetry(),
	)
	require.NoError(t, err)

	var order []string
	components.addCleanup(func() error { order = append(order, "first"); return nil })
	components.addCleanup(func() error { order = append(order, "second"); return nil })

	require.NoError(t, components.Shutdown(context.Background()))
	assert.Equal(t, []string{"second", "first"}, order)
}
