package bootstrap

import (
	"github.com/oocana/oocana-core/common/config"
	"github.com/oocana/oocana-core/common/logger"
)

// Option configures the bootstrap process.
type Option func(*options)

type options struct {
	skipBus       bool
	skipCache     bool
	skipTelemetry bool
	memoryBus     bool
	customLogger  *logger.Logger
	customConfig  *config.Config
	configPath    string
	logLevel      string
	logFormat     string
	pprofPort     int
	metricsPort   int
}

// WithoutBus skips bus initialization, for components that never dispatch
// to a remote executor (e.g. a shell-only flow run under test).
func WithoutBus() Option {
	return func(o *options) { o.skipBus = true }
}

// WithMemoryBus uses an in-process bus instead of dialing MQTT, for tests
// and single-process shell-only runs.
func WithMemoryBus() Option {
	return func(o *options) { o.memoryBus = true }
}

// WithoutCache skips the fingerprint cache.
func WithoutCache() Option {
	return func(o *options) { o.skipCache = true }
}

// WithoutTelemetry skips the pprof/metrics server.
func WithoutTelemetry() Option {
	return func(o *options) { o.skipTelemetry = true }
}

// WithCustomLogger uses a custom logger instead of creating one from config.
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) { o.customLogger = log }
}

// WithCustomConfig uses a custom config instead of loading one from disk.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) { o.customConfig = cfg }
}

// WithConfigPath loads config from an explicit path rather than discovering
// ~/.oocana/config.{toml,json,json5}.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogLevel overrides the log level the config/Debug flag would select.
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = level }
}

// WithLogFormat overrides the log format ("json" or the default tint console).
func WithLogFormat(format string) Option {
	return func(o *options) { o.logFormat = format }
}

// WithTelemetryPorts enables the pprof/metrics server on the given ports.
func WithTelemetryPorts(pprofPort, metricsPort int) Option {
	return func(o *options) { o.pprofPort, o.metricsPort = pprofPort, metricsPort }
}

func defaultOptions() *options {
	return &options{}
}
