package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/oocana/oocana-core/bus"
	"github.com/oocana/oocana-core/cache"
	"github.com/oocana/oocana-core/common/config"
	"github.com/oocana/oocana-core/common/logger"
	"github.com/oocana/oocana-core/common/telemetry"
	"github.com/oocana/oocana-core/reporter"
)

// Setup wires up one session's worth of components in the order a session
// actually consumes them: config, logger, bus, cache, reporter, telemetry.
// sessionID is used as the MQTT client ID and to namespace the reporter's
// log file under the config's oocana_dir; the cache directory
// (oocana_dir/cache) is shared across sessions.
func Setup(ctx context.Context, sessionID string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration.
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(options.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	// 2. Initialize logger.
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		level := options.logLevel
		if level == "" {
			if components.Config.Run.Debug {
				level = "debug"
			} else {
				level = "info"
			}
		}
		format := options.logFormat
		components.Logger = logger.New(level, format)
	}
	components.Logger = components.Logger.WithSessionID(sessionID)

	components.Logger.Info("initializing session", "session_id", sessionID)

	// 3. Initialize bus (unless skipped).
	if !options.skipBus {
		if options.memoryBus {
			components.Logger.Info("using in-process bus")
			components.Bus = bus.NewMemoryBus()
		} else {
			broker := components.Config.Run.Broker
			components.Logger.Info("dialing broker", "broker", broker)
			mqttBus, err := bus.Dial(ctx, bus.Options{
				Broker:   broker,
				ClientID: "oocana-" + sessionID,
				Log:      components.Logger,
			})
			if err != nil {
				return nil, fmt.Errorf("dial bus: %w", err)
			}
			components.Bus = mqttBus
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing bus")
			return components.Bus.Close()
		})
	}

	// 4. Initialize cache (unless skipped).
	if !options.skipCache {
		cacheDir := filepath.Join(components.Config.Global.OocanaDir, "cache")
		components.Logger.Info("opening cache", "dir", cacheDir)
		components.Cache, err = cache.New(cacheDir, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
	}

	// 5. Open the reporter's session log.
	logDir := filepath.Join(components.Config.Global.OocanaDir, "session", sessionID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", logDir, err)
	}
	logPath := filepath.Join(logDir, "session.log")
	components.Reporter, err = reporter.Open(logPath, components.Logger)
	if err != nil {
		return nil, fmt.Errorf("open reporter: %w", err)
	}
	components.addCleanup(func() error {
		components.Logger.Info("closing reporter")
		return components.Reporter.Close()
	})

	// 6. Initialize telemetry (unless skipped).
	if !options.skipTelemetry && (options.pprofPort != 0 || options.metricsPort != 0) {
		components.Logger.Info("starting telemetry", "pprof_port", options.pprofPort, "metrics_port", options.metricsPort)
		components.Telemetry = telemetry.New(options.pprofPort, options.metricsPort, components.Logger)
		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
		}
	}

	components.Logger.Info("session initialization complete",
		"bus", components.Bus != nil,
		"cache", components.Cache != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error, for entry points that can't
// recover from a failed bootstrap.
func MustSetup(ctx context.Context, sessionID string, opts ...Option) *Components {
	components, err := Setup(ctx, sessionID, opts...)
	if err != nil {
		panic(fmt.Sprintf("bootstrap session %s: %v", sessionID, err))
	}
	return components
}

// NewSessionID generates a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
