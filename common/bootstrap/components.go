package bootstrap

import (
	"context"
	"fmt"

	"github.com/oocana/oocana-core/bus"
	"github.com/oocana/oocana-core/cache"
	"github.com/oocana/oocana-core/common/config"
	"github.com/oocana/oocana-core/common/logger"
	"github.com/oocana/oocana-core/common/telemetry"
	"github.com/oocana/oocana-core/reporter"
)

// Components holds every dependency one session needs, wired in the order
// a session actually uses them: config, logger, bus (remote executor
// transport), cache (fingerprint store), reporter (session event log),
// telemetry.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	Bus       bus.Bus
	Cache     *cache.Store
	Reporter  *reporter.Reporter
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown runs every registered cleanup function in reverse (LIFO) order.
// Call with defer after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	c.Logger.Info("shutdown complete")
	return nil
}

// Health is a placeholder hook for a future liveness check; the bus
// auto-reconnects and the cache is just files, so there is nothing to probe
// today beyond the components having been constructed.
func (c *Components) Health(ctx context.Context) error {
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
