package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/oocana/oocana-core/cache"
	"github.com/oocana/oocana-core/executor"
	"github.com/oocana/oocana-core/manifest"
	"github.com/oocana/oocana-core/reporter"
)

// unboundedWeight stands in for "no declared concurrency bound" (node.Concurrency == 0).
const unboundedWeight = 1 << 30

// nodeRuntime is one node's mutable execution state, owned by the
// scheduler's run loop goroutine. Each activation runs in a goroutine of
// its own, bounded per node by sem; there is no shared worker pool.
type nodeRuntime struct {
	node  *manifest.Node
	block manifest.Block

	state      NodeState
	values     map[string]json.RawMessage
	remembered map[string]json.RawMessage
	sem        *semaphore.Weighted

	activations  int
	inFlight     int
	lastErr      error
	currentJobID string
}

// Scheduler runs the readiness/activation/propagation loop for one flow
// (spec §4.2). Subflow nodes recurse into a child Scheduler sharing the
// same Runners/Cache/Reporter but with IsRoot=false.
type Scheduler struct {
	SessionID string
	Flow      *manifest.SubflowBlock
	Resolver  *manifest.Resolver
	Runners   map[string]executor.Runner
	Cache     *cache.Store
	Reporter  *reporter.Reporter
	IsRoot    bool
	Stack     []string // ancestor subflow node-ids, root first
	Scopes    *ScopeStack

	// ResolveSlotOutput looks up the already-produced outputs of a
	// provider node in an enclosing scope, used when this scheduler's
	// flow contains SlotBlock nodes. nil at root, where no slot can occur.
	ResolveSlotOutput func(providerNodeID string) (map[string]json.RawMessage, bool)

	runtime map[string]*nodeRuntime

	// statusSnapshot is published after every state change so Status can be
	// read from another goroutine (the session's debug HTTP server) without
	// taking a lock on the run loop's own state, the same atomic-load
	// pattern the cache index uses for its readers.
	statusSnapshot atomic.Value // map[string]NodeState
}

// Status returns a point-in-time snapshot of every node's state, safe to
// call concurrently with Run.
func (s *Scheduler) Status() map[string]NodeState {
	v, _ := s.statusSnapshot.Load().(map[string]NodeState)
	return v
}

func (s *Scheduler) publishStatus() {
	snap := make(map[string]NodeState, len(s.runtime))
	for id, nr := range s.runtime {
		snap[id] = nr.state
	}
	s.statusSnapshot.Store(snap)
}

// New builds a Scheduler for flow, ready to Run.
func New(sessionID string, flow *manifest.SubflowBlock, resolver *manifest.Resolver, runners map[string]executor.Runner, cacheStore *cache.Store, rep *reporter.Reporter, isRoot bool, stack []string, scopes *ScopeStack) *Scheduler {
	return &Scheduler{
		SessionID: sessionID,
		Flow:      flow,
		Resolver:  resolver,
		Runners:   runners,
		Cache:     cacheStore,
		Reporter:  rep,
		IsRoot:    isRoot,
		Stack:     stack,
		Scopes:    scopes,
		runtime:   make(map[string]*nodeRuntime),
	}
}

// completion is what a dispatch goroutine reports back to the run loop.
type completion struct {
	nodeID string
	job    *Job
}

// Run executes the flow to completion: every reachable, non-ignored node
// reaches a terminal state, or ctx is cancelled. flowInputs seeds the
// flow's own input handles (the values an instantiating subflow node, or
// the CLI for the root flow, supplies).
func (s *Scheduler) Run(ctx context.Context, flowInputs map[string]json.RawMessage) (map[string]json.RawMessage, FlowStatus, error) {
	if len(s.Stack) > maxRuntimeDepth {
		return nil, FlowFailed, &RecursionLimitExceeded{Flow: s.Flow.Path, Depth: len(s.Stack)}
	}

	if err := s.buildRuntime(flowInputs); err != nil {
		return nil, FlowFailed, err
	}

	completions := make(chan completion)
	var wg sync.WaitGroup
	var cancelled bool

	activate := func(nodeID string) {
		nr := s.runtime[nodeID]
		nr.state = NodeRunning
		nr.inFlight++
		job := s.snapshotJob(nr)
		nr.currentJobID = job.JobID
		s.Reporter.JobStarted(job.JobID, nodeID)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runActivation(ctx, nr, job)
			completions <- completion{nodeID: nodeID, job: job}
		}()
	}

	for _, id := range s.readyNodeIDs() {
		activate(id)
	}
	s.publishStatus()

	for !s.allTerminal() && !(cancelled && s.noneRunning()) {
		if cancelled {
			// Draining: only harvest outstanding completions so inFlight
			// reaches zero; issue no new activations, and no longer select
			// on an already-closed ctx.Done().
			c := <-completions
			nr := s.runtime[c.nodeID]
			nr.inFlight--
			nr.state = NodeCancelled
			s.publishStatus()
			continue
		}
		select {
		case <-ctx.Done():
			cancelled = true
			for _, nr := range s.runtime {
				if nr.state == NodeRunning {
					s.cancelNode(nr)
				}
			}
			s.publishStatus()
		case c := <-completions:
			nr := s.runtime[c.nodeID]
			nr.inFlight--
			s.applyCompletion(nr, c.job)
			for _, id := range s.readyNodeIDs() {
				activate(id)
			}
			s.publishStatus()
		}
	}

	wg.Wait()

	if cancelled || ctx.Err() != nil {
		return nil, FlowCancelled, context.Canceled
	}

	outputs := s.collectFlowOutputs()
	status := FlowSucceeded
	for _, nr := range s.runtime {
		if nr.state == NodeFailed {
			status = FlowFailed
		}
	}
	return outputs, status, nil
}

// buildRuntime constructs one nodeRuntime per non-ignored node and seeds
// literal-value and flow-input handles, plus the declared default of any
// input handle that has no inputs_from entry.
func (s *Scheduler) buildRuntime(flowInputs map[string]json.RawMessage) error {
	for _, n := range s.Flow.Nodes {
		if n.Ignore {
			continue
		}
		block, err := s.resolveNodeBlock(n)
		if err != nil {
			return err
		}

		weight := int64(unboundedWeight)
		if n.Concurrency > 0 {
			weight = int64(n.Concurrency)
		}

		s.runtime[n.NodeID] = &nodeRuntime{
			node:       n,
			block:      block,
			state:      NodeIdle,
			values:     map[string]json.RawMessage{},
			remembered: map[string]json.RawMessage{},
			sem:        semaphore.NewWeighted(weight),
		}
	}

	for _, nr := range s.runtime {
		for _, h := range nr.block.InputsDef() {
			if _, wired := nr.node.InputSources[h.ID]; !wired && h.Default != nil {
				nr.values[h.ID] = h.Default
			}
		}
		for handle, src := range nr.node.InputSources {
			switch src.Kind {
			case manifest.SourceValue:
				nr.values[handle] = src.Value
			case manifest.SourceFromFlow:
				if v, ok := flowInputs[src.FromFlowHandle]; ok {
					nr.values[handle] = v
				}
			}
		}
	}
	return nil
}

// resolveNodeBlock returns the manifest.Block a node runs, resolving a lazy
// subflow reference on first use (spec §4.1).
func (s *Scheduler) resolveNodeBlock(n *manifest.Node) (manifest.Block, error) {
	switch n.BlockKind {
	case manifest.BlockKindTask, manifest.BlockKindService:
		return n.Task, nil
	case manifest.BlockKindSlot:
		return n.Slot, nil
	case manifest.BlockKindValue:
		return valueBlock{id: n.NodeID}, nil
	case manifest.BlockKindSubflow:
		if n.Subflow.IsLazy() {
			resolved, err := s.Resolver.ResolveLazy(n.Subflow.Lazy)
			if err != nil {
				return nil, &SchedulerError{Flow: s.Flow.Path, Reason: "resolve lazy subflow " + n.Subflow.Lazy.Path, cause: err}
			}
			n.Subflow.Resolved = resolved
			n.Subflow.Lazy = nil
		}
		return n.Subflow.Resolved, nil
	default:
		return nil, &SchedulerError{Flow: s.Flow.Path, Reason: fmt.Sprintf("node %s: unsupported block kind", n.NodeID)}
	}
}

// readyNodeIDs returns every Idle/Waiting node whose inputs are now fully
// satisfied, transitioning unfillable ones to Skipped in place (spec §4.2
// point 2 "Readiness"). It iterates to a fixed point so a cascading chain
// of skips (an upstream skip unfilling a downstream required handle) fully
// resolves within one call instead of needing a further completion event
// to notice it.
func (s *Scheduler) readyNodeIDs() []string {
	var ready []string
	for {
		changed := false
		for id, nr := range s.runtime {
			if nr.state != NodeIdle && nr.state != NodeWaiting {
				continue
			}
			switch s.evaluateReadiness(nr) {
			case readinessReady:
				nr.state = NodeReady
				ready = append(ready, id)
				changed = true
			case readinessSkip:
				nr.state = NodeSkipped
				s.Reporter.JobTerminal(reporter.EventJobSkipped, "", id, reporter.Timing{}, nil)
				changed = true
			case readinessWaiting:
				nr.state = NodeWaiting
			}
		}
		if !changed {
			return ready
		}
	}
}

type readinessOutcome int

const (
	readinessWaiting readinessOutcome = iota
	readinessReady
	readinessSkip
)

// evaluateReadiness implements the per-handle satisfaction rules: a literal
// or flow-input value is always satisfied; a from-node value is satisfied
// once delivered, or via a remembered prior value, or by absence once an
// optional handle's upstream is terminal; an upstream that failed or was
// skipped cascades a skip to required-but-unmet downstream handles.
func (s *Scheduler) evaluateReadiness(nr *nodeRuntime) readinessOutcome {
	defs := handleIndex(nr.block.InputsDef())

	for handle, src := range nr.node.InputSources {
		def, known := defs[handle]
		required := !known || def.Required

		if src.Kind != manifest.SourceFromNode {
			if _, ok := nr.values[handle]; !ok && required {
				return readinessWaiting
			}
			continue
		}

		if _, ok := nr.values[handle]; ok {
			continue
		}
		if known && def.Remember {
			if v, ok := nr.remembered[handle]; ok {
				nr.values[handle] = v
				continue
			}
		}

		upstream, ok := s.runtime[src.FromNodeID]
		if !ok {
			continue
		}
		if !upstream.state.terminal() {
			return readinessWaiting
		}
		// Upstream is terminal and never delivered this handle: satisfied
		// by absence if optional, otherwise this node can never run.
		if required {
			return readinessSkip
		}
	}
	return readinessReady
}

// valueBlock is the implicit block behind a node with no task/subflow/
// service/slot reference: a bare literal or flow-input passthrough with no
// declared handles of its own.
type valueBlock struct{ id string }

func (b valueBlock) ID() string              { return b.id }
func (b valueBlock) InputsDef() []manifest.Handle  { return nil }
func (b valueBlock) OutputsDef() []manifest.Handle { return nil }

func handleIndex(handles []manifest.Handle) map[string]manifest.Handle {
	out := make(map[string]manifest.Handle, len(handles))
	for _, h := range handles {
		out[h.ID] = h
	}
	return out
}

// snapshotJob captures the node's currently-satisfied input bundle as one
// immutable activation.
func (s *Scheduler) snapshotJob(nr *nodeRuntime) *Job {
	nr.activations++
	inputs := make(map[string]json.RawMessage, len(nr.values))
	for k, v := range nr.values {
		inputs[k] = v
	}
	return &Job{
		JobID:    uuid.NewString(),
		NodeID:   nr.node.NodeID,
		Stack:    append(append([]string{}, s.Stack...)),
		Inputs:   inputs,
		Status:   JobPending,
		QueuedAt: time.Now(),
	}
}

// applyCompletion folds one finished job back into node state, propagates
// its outputs downstream, and decides whether the node should wait for a
// further upstream fan-in activation or is now terminal (spec §4.2 point 4
// "nodes that may fire multiple times due to upstream fan-in").
func (s *Scheduler) applyCompletion(nr *nodeRuntime, job *Job) {
	switch job.Status {
	case JobSucceeded:
		nr.state = NodeSucceeded
	case JobFailed:
		nr.state = NodeFailed
		nr.lastErr = job.Err
	case JobCancelled:
		nr.state = NodeCancelled
	}

	for handle, v := range job.Outputs {
		nr.values[handle] = v
		if isRememberedOutputHandle(nr.block, handle) {
			nr.remembered[handle] = v
		}
		s.propagate(nr.node.NodeID, handle, v)
	}

	if job.Status == JobSucceeded && s.hasLiveUpstreamFanIn(nr) {
		nr.state = NodeWaiting
	}
}

func isRememberedOutputHandle(block manifest.Block, handle string) bool {
	for _, h := range block.OutputsDef() {
		if h.ID == handle {
			return h.Remember
		}
	}
	return false
}

// hasLiveUpstreamFanIn reports whether any upstream this node consumes from
// is not yet terminal, meaning another activation may still arrive.
func (s *Scheduler) hasLiveUpstreamFanIn(nr *nodeRuntime) bool {
	for _, src := range nr.node.InputSources {
		if src.Kind != manifest.SourceFromNode {
			continue
		}
		if upstream, ok := s.runtime[src.FromNodeID]; ok && !upstream.state.terminal() {
			return true
		}
	}
	return false
}

// propagate delivers v into the values of every downstream node whose
// input handle is wired from (nodeID, handle), so evaluateReadiness sees
// that handle as satisfied on its next pass. A delivery to a remember
// input is also kept in that node's remembered store.
func (s *Scheduler) propagate(nodeID, handle string, v json.RawMessage) {
	for _, nr := range s.runtime {
		for h, src := range nr.node.InputSources {
			if src.Kind == manifest.SourceFromNode && src.FromNodeID == nodeID && src.FromNodeHandle == handle {
				nr.values[h] = v
				if def, ok := handleIndex(nr.block.InputsDef())[h]; ok && def.Remember {
					nr.remembered[h] = v
				}
			}
		}
	}
}

// cancelNode asks the owning runner to cancel a node's in-flight job
// (spec §4.2 point 6 "Cancellation"); actual state transition to Cancelled
// happens when its completion arrives through the normal run-loop path.
func (s *Scheduler) cancelNode(nr *nodeRuntime) {
	if nr.node.BlockKind != manifest.BlockKindTask || nr.currentJobID == "" {
		return
	}
	if runner, ok := s.Runners[nr.node.Task.Executor.Name]; ok {
		_ = runner.Cancel(nr.currentJobID)
	}
}

func (s *Scheduler) allTerminal() bool {
	for _, nr := range s.runtime {
		if !nr.state.terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) noneRunning() bool {
	for _, nr := range s.runtime {
		if nr.state == NodeRunning || nr.inFlight > 0 {
			return false
		}
	}
	return true
}

// collectFlowOutputs reads the flow's declared output handles from their
// producing node's last emitted value.
func (s *Scheduler) collectFlowOutputs() map[string]json.RawMessage {
	outputs := make(map[string]json.RawMessage, len(s.Flow.NodeToOutput))
	for handle, ref := range s.Flow.NodeToOutput {
		if nr, ok := s.runtime[ref.NodeID]; ok {
			if v, ok := nr.values[ref.Handle]; ok {
				outputs[handle] = v
			}
		}
	}
	return outputs
}
