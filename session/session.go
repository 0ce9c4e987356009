// Package session owns the per-run resources a flow execution needs: a
// session id and tmp directory, the bus connection, the reporter, the
// executor registry, and the scheduler that drives the root flow (spec
// §4.4).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oocana/oocana-core/cache"
	"github.com/oocana/oocana-core/common/bootstrap"
	"github.com/oocana/oocana-core/common/config"
	"github.com/oocana/oocana-core/common/logger"
	"github.com/oocana/oocana-core/executor"
	"github.com/oocana/oocana-core/manifest"
	"github.com/oocana/oocana-core/reporter"
	"github.com/oocana/oocana-core/scheduler"
)

// Status is the session-level state machine (spec §4.7).
type Status string

const (
	StatusInit        Status = "init"
	StatusParsing     Status = "parsing"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
	StatusDone        Status = "done"
)

// Session holds everything one flow run needs and exposes the accessors
// the CLI drives it with: SubmitFlow, Cancel, Wait.
type Session struct {
	ID  string
	Dir string

	Components *bootstrap.Components
	Resolver   *manifest.Resolver
	Registry   *executor.Registry
	Shell      *executor.ShellExecutor

	log *logger.Logger

	mu        sync.Mutex
	status    Status
	scheduler *scheduler.Scheduler
	cancel    context.CancelFunc
	waitErr   error
	waitDone  chan struct{}
}

// Options configures New.
type Options struct {
	SessionID       string
	ConfigPath      string
	Broker          string
	EnvFile         string
	BindPathFile    string
	SearchPaths     []string
	ExcludePackages []string
	Verbose         bool
	MemoryBus       bool // for tests: skip dialing a real broker
}

// New creates `~/.oocana/session/<id>/`, wires bootstrap components, and
// builds the resolver/executor registry/shell executor bound to this
// session. It also lazily removes stale tmp directories from a previous
// session with the same id prefix left behind after a failure (spec §4.4).
func New(ctx context.Context, opts Options) (*Session, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	logLevel := "info"
	if opts.Verbose {
		logLevel = "debug"
	}

	bootOpts := []bootstrap.Option{
		bootstrap.WithConfigPath(opts.ConfigPath),
		bootstrap.WithLogLevel(logLevel),
	}
	if opts.MemoryBus {
		bootOpts = append(bootOpts, bootstrap.WithMemoryBus())
	}
	bootOpts = append(bootOpts, bootstrap.WithoutTelemetry())

	components, err := bootstrap.Setup(ctx, id, bootOpts...)
	if err != nil {
		return nil, fmt.Errorf("session: bootstrap: %w", err)
	}

	if opts.Broker != "" {
		components.Config.Run.Broker = opts.Broker
	}
	if len(opts.ExcludePackages) > 0 {
		components.Config.Run.ExcludePackages = append(components.Config.Run.ExcludePackages, opts.ExcludePackages...)
	}
	if opts.EnvFile != "" {
		components.Config.Global.EnvFile = opts.EnvFile
	}
	if opts.BindPathFile != "" {
		components.Config.Global.BindPathFile = opts.BindPathFile
	}

	sessionDir := filepath.Join(components.Config.Global.OocanaDir, "session", id)
	removeStaleSessionDirs(components.Config.Global.OocanaDir, id, components.Logger)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		components.Shutdown(ctx)
		return nil, fmt.Errorf("session: create dir %s: %w", sessionDir, err)
	}

	if components.Config.Global.EnvFile != "" {
		envVars, err := config.LoadEnvFile(components.Config.Global.EnvFile)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("session: load env file %s: %w", components.Config.Global.EnvFile, err)
		}
		for k, v := range envVars {
			os.Setenv(k, v)
		}
	}

	var bindPaths map[string]string
	if components.Config.Global.BindPathFile != "" {
		bindPaths, err = config.LoadBindPaths(components.Config.Global.BindPathFile)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("session: load bind path file %s: %w", components.Config.Global.BindPathFile, err)
		}
	}

	searchPaths := append(append([]string{}, opts.SearchPaths...), components.Config.Global.SearchPaths...)
	resolver := manifest.NewResolver(searchPaths)

	var registry *executor.Registry
	if components.Bus != nil {
		registry = executor.NewRegistry(id, components.Config.Run.Broker, components.Bus, components.Reporter)
	}
	shell := executor.NewShellExecutor(id, sessionDir, bindPaths, components.Reporter)

	s := &Session{
		ID:         id,
		Dir:        sessionDir,
		Components: components,
		Resolver:   resolver,
		Registry:   registry,
		Shell:      shell,
		log:        components.Logger,
		status:     StatusInit,
		waitDone:   make(chan struct{}),
	}
	return s, nil
}

// removeStaleSessionDirs lazily prunes leftover tmp directories from a
// prior failed session sharing this session's id prefix (spec §4.4 "removes
// it lazily on next session start with matching prefix").
func removeStaleSessionDirs(oocanaDir, id string, log *logger.Logger) {
	sessionsRoot := filepath.Join(oocanaDir, "session")
	entries, err := os.ReadDir(sessionsRoot)
	if err != nil {
		return
	}
	prefix := id[:min(8, len(id))]
	for _, entry := range entries {
		name := entry.Name()
		if name == id || !strings.HasPrefix(name, prefix) {
			continue
		}
		path := filepath.Join(sessionsRoot, name)
		if err := os.RemoveAll(path); err != nil {
			log.Warn("failed to remove stale session dir", "path", path, "error", err)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// SubmitFlow resolves flowPath, builds the root scheduler, and runs it to
// completion, returning the process exit status per spec §6. It blocks
// until the flow finishes or ctx/Cancel ends it; call it at most once per
// Session.
func (s *Session) SubmitFlow(ctx context.Context, flowPath string, inputs map[string]json.RawMessage) (ExitCode, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.status = StatusParsing
	s.cancel = cancel
	s.mu.Unlock()

	flow, _, diags, err := s.Resolver.Resolve(flowPath)
	for _, d := range diags {
		s.log.Warn("manifest diagnostic", "message", d.Message, "path", d.Path)
	}
	if err != nil {
		s.finish(StatusDone, err)
		return ExitConfigError, err
	}

	runners := s.buildRunners(flow)

	var cacheStore *cache.Store
	if s.Components.Cache != nil {
		cacheStore = s.Components.Cache
	}

	sched := scheduler.New(s.ID, flow, s.Resolver, runners, cacheStore, s.Components.Reporter, true, nil, scheduler.NewScopeStack(flow.Path))

	s.mu.Lock()
	s.scheduler = sched
	s.status = StatusRunning
	s.mu.Unlock()

	outputs, flowStatus, runErr := sched.Run(runCtx, inputs)

	s.writeResult(outputs)

	switch {
	case flowStatus == scheduler.FlowCancelled:
		s.finish(StatusDone, runErr)
		return ExitCancelled, runErr
	case flowStatus == scheduler.FlowFailed:
		s.finish(StatusDone, runErr)
		return ExitFlowFailure, runErr
	default:
		s.finish(StatusDone, nil)
		return ExitSuccess, nil
	}
}

// buildRunners maps every executor name discovered transitively in flow
// (including nested, already-resolved subflows) to a Runner: "shell" goes
// to the in-process ShellExecutor, everything else to the bus-backed
// Registry (spec §4.2 point 3 "single interface call regardless of
// executor kind").
func (s *Session) buildRunners(flow *manifest.SubflowBlock) map[string]executor.Runner {
	runners := map[string]executor.Runner{"shell": s.Shell}
	seen := map[string]bool{"shell": true}

	var walk func(f *manifest.SubflowBlock)
	walk = func(f *manifest.SubflowBlock) {
		if f == nil {
			return
		}
		for _, n := range f.Nodes {
			switch n.BlockKind {
			case manifest.BlockKindTask, manifest.BlockKindService:
				name := n.Task.Executor.Name
				if !seen[name] {
					seen[name] = true
					if s.Registry != nil {
						runners[name] = s.Registry
					}
				}
			case manifest.BlockKindSubflow:
				if n.Subflow.Resolved != nil {
					walk(n.Subflow.Resolved)
				}
			}
		}
	}
	walk(flow)
	return runners
}

// writeResult persists the flow's final output bundle to result.json
// under the session directory (spec §6 persisted state layout).
func (s *Session) writeResult(outputs map[string]json.RawMessage) {
	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		s.log.Warn("failed to marshal flow result", "error", err)
		return
	}
	path := filepath.Join(s.Dir, "result.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log.Warn("failed to write flow result", "path", path, "error", err)
	}
}

// Cancel requests that the running flow stop; it is safe to call more than
// once and before a flow has started.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning || s.status == StatusParsing {
		s.status = StatusTerminating
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the session reaches Done.
func (s *Session) Wait() error {
	<-s.waitDone
	return s.waitErr
}

func (s *Session) finish(status Status, err error) {
	s.mu.Lock()
	s.status = status
	s.waitErr = err
	s.mu.Unlock()
	close(s.waitDone)
}

// Status reports the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// NodeStates returns the root scheduler's per-node states, or nil before a
// flow has started running (used by the debug HTTP server's /status route).
func (s *Session) NodeStates() map[string]scheduler.NodeState {
	s.mu.Lock()
	sched := s.scheduler
	s.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Status()
}

// Shutdown snapshots the cache index and releases bootstrap components. On
// success it removes the session's tmp directory; on failure it is
// preserved for diagnosis and pruned lazily on the next session's start
// (spec §4.4).
func (s *Session) Shutdown(ctx context.Context) error {
	failed := s.waitErr != nil || s.Status() != StatusDone

	if err := s.writeCacheMeta(); err != nil {
		s.log.Warn("failed to write cache_meta.json", "error", err)
	}

	err := s.Components.Shutdown(ctx)

	if !failed {
		if rmErr := os.RemoveAll(s.Dir); rmErr != nil {
			s.log.Warn("failed to remove session dir", "path", s.Dir, "error", rmErr)
		}
	}
	return err
}

// writeCacheMeta records a reference-only pointer to the canonical cache
// location, per spec §6's persisted state layout note ("reference only;
// canonical cache lives elsewhere").
func (s *Session) writeCacheMeta() error {
	meta := map[string]any{
		"session_id": s.ID,
		"written_at": time.Now().UTC().Format(time.RFC3339),
	}
	if s.Components.Config != nil {
		meta["cache_dir"] = filepath.Join(s.Components.Config.Global.OocanaDir, "cache")
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.Dir, "cache_meta.json"), data, 0o644)
}
