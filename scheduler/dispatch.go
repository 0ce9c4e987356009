package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oocana/oocana-core/cache"
	"github.com/oocana/oocana-core/executor"
	"github.com/oocana/oocana-core/manifest"
	"github.com/oocana/oocana-core/reporter"
)

// runActivation dispatches one job to completion, recording its timing and
// terminal reporter event. It never touches Scheduler.runtime directly — the
// caller's run loop folds the result back in (spec §5's single cooperative
// state owner).
func (s *Scheduler) runActivation(ctx context.Context, nr *nodeRuntime, job *Job) {
	job.StartedAt = time.Now()
	outputs, err := s.dispatch(ctx, nr, job)
	job.EndedAt = time.Now()
	timing := reporter.NewTiming(job.QueuedAt, job.StartedAt, job.EndedAt)

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		job.Status = JobCancelled
		s.Reporter.JobTerminal(reporter.EventJobCancelled, job.JobID, nr.node.NodeID, timing, err)
	case err != nil:
		job.Status = JobFailed
		job.Err = err
		s.Reporter.JobTerminal(reporter.EventJobFailed, job.JobID, nr.node.NodeID, timing, err)
	default:
		job.Status = JobSucceeded
		job.Outputs = outputs
		s.Reporter.JobTerminal(reporter.EventJobSucceeded, job.JobID, nr.node.NodeID, timing, nil)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, nr *nodeRuntime, job *Job) (map[string]json.RawMessage, error) {
	if err := nr.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer nr.sem.Release(1)

	switch nr.node.BlockKind {
	case manifest.BlockKindTask, manifest.BlockKindService:
		return s.dispatchTask(ctx, nr, job)
	case manifest.BlockKindSubflow:
		return s.dispatchSubflow(ctx, nr, job)
	case manifest.BlockKindSlot:
		return s.dispatchSlot(nr)
	case manifest.BlockKindValue:
		return map[string]json.RawMessage{}, nil
	default:
		return nil, &SchedulerError{Flow: s.Flow.Path, Reason: "node " + nr.node.NodeID + ": unsupported block kind"}
	}
}

// dispatchTask runs a TaskBlock via its executor, consulting the cache when
// this is the root flow's scheduler and the block declares at least one
// cacheable output (spec §3 "only the root flow consults cache").
func (s *Scheduler) dispatchTask(ctx context.Context, nr *nodeRuntime, job *Job) (map[string]json.RawMessage, error) {
	if s.IsRoot && s.Cache != nil && hasCacheableOutput(nr.block) {
		wantHandles := nonAdditionalOutputHandles(nr.block)
		fingerprint := Fingerprint(nr.block.ID(), job.Inputs)
		entry, _, err := s.Cache.GetOrActivate(ctx, fingerprint, wantHandles, func() (cache.Entry, error) {
			return s.runTask(ctx, nr, job)
		})
		if err != nil {
			return nil, err
		}
		return map[string]json.RawMessage(entry), nil
	}

	entry, err := s.runTask(ctx, nr, job)
	if err != nil {
		return nil, err
	}
	return map[string]json.RawMessage(entry), nil
}

func (s *Scheduler) runTask(ctx context.Context, nr *nodeRuntime, job *Job) (cache.Entry, error) {
	task := nr.node.Task
	runner, ok := s.Runners[task.Executor.Name]
	if !ok {
		return nil, &SchedulerError{Flow: s.Flow.Path, Reason: "no runner registered for executor " + task.Executor.Name}
	}

	req := executor.RunRequest{
		JobID:        job.JobID,
		SessionID:    s.SessionID,
		ExecutorName: task.Executor.Name,
		Command:      commandFor(task, job.Inputs),
		Inputs:       job.Inputs,
		Cwd:          stringInput(job.Inputs, "cwd"),
		EnvsRaw:      stringInput(job.Inputs, "envs"),
		Bin:          task.Executor.Bin,
		Args:         task.Executor.Args,
	}

	result, err := runner.Run(ctx, req, func(ev executor.OutputEvent) {
		s.Reporter.Emit(reporter.Event{
			Kind:   reporter.EventJobPartial,
			JobID:  job.JobID,
			NodeID: nr.node.NodeID,
			Extra:  ev.Value,
		})
	})
	if err != nil {
		return nil, err
	}
	return cache.Entry(result.Outputs), nil
}

// dispatchSubflow recurses into a child Scheduler for the resolved subflow,
// pushing a scope frame so any SlotBlock nodes inside it can resolve back to
// this node's own Slots bindings (spec §4.1, §4.4).
func (s *Scheduler) dispatchSubflow(ctx context.Context, nr *nodeRuntime, job *Job) (map[string]json.RawMessage, error) {
	sub := nr.node.Subflow.Resolved
	if sub == nil {
		return nil, &SchedulerError{Flow: s.Flow.Path, Reason: "node " + nr.node.NodeID + ": subflow reference left unresolved"}
	}

	childStack := append(append([]string{}, s.Stack...), nr.node.NodeID)
	childScopes := s.Scopes.WithFrame(Scope{FlowPath: sub.Path, Slots: slotProviders(nr.node)})
	child := New(s.SessionID, sub, s.Resolver, s.Runners, s.Cache, s.Reporter, false, childStack, childScopes)
	child.ResolveSlotOutput = func(providerNodeID string) (map[string]json.RawMessage, bool) {
		if pnr, ok := s.runtime[providerNodeID]; ok {
			return pnr.values, true
		}
		return nil, false
	}

	outputs, status, err := child.Run(ctx, job.Inputs)
	if err != nil {
		return nil, err
	}
	switch status {
	case FlowFailed:
		return nil, &SchedulerError{Flow: sub.Path, Reason: "subflow failed"}
	case FlowCancelled:
		return nil, context.Canceled
	default:
		return outputs, nil
	}
}

// dispatchSlot resolves a SlotBlock node to whatever the enclosing scope's
// provider node has produced.
func (s *Scheduler) dispatchSlot(nr *nodeRuntime) (map[string]json.RawMessage, error) {
	providerNodeID, ok := s.Scopes.ResolveSlot(nr.node.NodeID)
	if !ok {
		return nil, &SchedulerError{Flow: s.Flow.Path, Reason: "unfilled slot " + nr.node.NodeID}
	}
	if s.ResolveSlotOutput == nil {
		return nil, &SchedulerError{Flow: s.Flow.Path, Reason: "slot " + nr.node.NodeID + ": no provider resolver in scope"}
	}
	values, ok := s.ResolveSlotOutput(providerNodeID)
	if !ok {
		return nil, &SchedulerError{Flow: s.Flow.Path, Reason: "slot " + nr.node.NodeID + ": provider " + providerNodeID + " produced nothing"}
	}
	return values, nil
}

func hasCacheableOutput(block manifest.Block) bool {
	for _, h := range block.OutputsDef() {
		if h.Cacheable {
			return true
		}
	}
	return false
}

func nonAdditionalOutputHandles(block manifest.Block) []string {
	var out []string
	for _, h := range block.OutputsDef() {
		if !h.Additional {
			out = append(out, h.ID)
		}
	}
	return out
}

func commandFor(task *manifest.TaskBlock, inputs map[string]json.RawMessage) string {
	if task.Executor.IsShell() {
		return stringInput(inputs, "command")
	}
	if task.Executor.Entry != "" {
		return task.Executor.Entry
	}
	if task.Executor.Function != "" {
		return task.Executor.Function
	}
	return task.Path
}

func stringInput(inputs map[string]json.RawMessage, key string) string {
	raw, ok := inputs[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
