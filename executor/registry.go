package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oocana/oocana-core/bus"
	"github.com/oocana/oocana-core/reporter"
)

const (
	spawnTimeout     = 30 * time.Second
	heartbeatTimeout = 30 * time.Second
	heartbeatPeriod  = 5 * time.Second
)

// pendingJob tracks one in-flight remote job's output sink.
type pendingJob struct {
	onOutput OutputFunc
	done     chan RunResult
}

// liveExecutor tracks one spawned-and-ready executor process.
type liveExecutor struct {
	identifier Identifier
	cmd        *exec.Cmd
	lastSeen   time.Time
	jobs       map[string]*pendingJob
}

// Registry spawns, tracks, and routes jobs to executor processes keyed by
// Identifier, communicating over the bus per the remote-executor protocol
// (spec §4.3, §4.5).
type Registry struct {
	SessionID   string
	BrokerURL   string
	Bus         bus.Bus
	Reporter    *reporter.Reporter

	mu        sync.Mutex
	executors map[Identifier]*liveExecutor

	stopSweep chan struct{}
}

// NewRegistry builds a Registry bound to one session.
func NewRegistry(sessionID, brokerURL string, b bus.Bus, rep *reporter.Reporter) *Registry {
	r := &Registry{
		SessionID: sessionID,
		BrokerURL: brokerURL,
		Bus:       b,
		Reporter:  rep,
		executors: make(map[Identifier]*liveExecutor),
		stopSweep: make(chan struct{}),
	}
	go r.sweepHeartbeats()
	return r
}

// Run implements Runner by dispatching to a remote executor, spawning one
// if none is live for req's identifier.
func (r *Registry) Run(ctx context.Context, req RunRequest, onOutput OutputFunc) (RunResult, error) {
	id := Identifier{Name: req.ExecutorName}
	live, err := r.ensureSpawned(ctx, id, req)
	if err != nil {
		return RunResult{}, err
	}

	job := &pendingJob{onOutput: onOutput, done: make(chan RunResult, 1)}
	r.mu.Lock()
	live.jobs[req.JobID] = job
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(live.jobs, req.JobID)
		r.mu.Unlock()
	}()

	payload, err := json.Marshal(map[string]any{
		"job_id":     req.JobID,
		"block":      req.Command,
		"inputs":     req.Inputs,
		"env":        req.Envs,
		"cwd":        req.Cwd,
		"session_id": r.SessionID,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("executor: marshal input for %s: %w", req.JobID, err)
	}

	topic := fmt.Sprintf("executor/%s/input", id)
	if err := r.Bus.Publish(ctx, topic, payload); err != nil {
		return RunResult{}, &ExecutorError{Identifier: id.String(), Reason: "publish input", cause: err}
	}

	select {
	case result := <-job.done:
		return result, nil
	case <-ctx.Done():
		_ = r.Cancel(req.JobID)
		return RunResult{}, ctx.Err()
	}
}

// Cancel publishes a cancel message for jobID to each live executor that
// has jobID in flight; it is a no-op when no executor holds the job.
func (r *Registry) Cancel(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, live := range r.executors {
		if _, ok := live.jobs[jobID]; !ok {
			continue
		}
		topic := fmt.Sprintf("executor/%s/cancel/%s", id, jobID)
		if err := r.Bus.Publish(context.Background(), topic, []byte(`{}`)); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown sends shutdown to every live executor and reaps children,
// fanning the shutdown messages out concurrently via errgroup.
func (r *Registry) Shutdown(ctx context.Context) error {
	close(r.stopSweep)

	r.mu.Lock()
	executors := make([]*liveExecutor, 0, len(r.executors))
	for _, live := range r.executors {
		executors = append(executors, live)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, live := range executors {
		live := live
		g.Go(func() error {
			topic := fmt.Sprintf("executor/%s/shutdown", live.identifier)
			_ = r.Bus.Publish(gctx, topic, []byte(`{}`))
			if live.cmd != nil && live.cmd.Process != nil {
				_ = live.cmd.Process.Kill()
			}
			return nil
		})
	}
	return g.Wait()
}

// ensureSpawned returns the live executor for id, spawning one and waiting
// for its ready message if none exists yet.
func (r *Registry) ensureSpawned(ctx context.Context, id Identifier, req RunRequest) (*liveExecutor, error) {
	r.mu.Lock()
	if live, ok := r.executors[id]; ok {
		r.mu.Unlock()
		return live, nil
	}
	r.mu.Unlock()

	bin := req.Bin
	if bin == "" {
		bin = id.Name + "-executor"
	}

	cmd := exec.CommandContext(ctx, bin, req.Args...)
	cmd.Env = append(os.Environ(),
		"OOCANA_SESSION_ID="+r.SessionID,
		"OOCANA_BROKER_URL="+r.BrokerURL,
		"OOCANA_EXECUTOR_IDENTIFIER="+id.String(),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ExecutorError{Identifier: id.String(), Reason: "spawn", cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ExecutorError{Identifier: id.String(), Reason: "spawn", cause: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ExecutorError{Identifier: id.String(), Reason: "spawn", cause: err}
	}

	live := &liveExecutor{identifier: id, cmd: cmd, lastSeen: time.Now(), jobs: make(map[string]*pendingJob)}

	r.mu.Lock()
	r.executors[id] = live
	r.mu.Unlock()

	go r.Reporter.StreamLines(id.String(), "", "stdout", stdout)
	go r.Reporter.StreamLines(id.String(), "", "stderr", stderr)

	ready := make(chan struct{})
	_ = r.Bus.Subscribe(ctx, fmt.Sprintf("executor/%s/ready", id), func(_ string, _ []byte) {
		select {
		case <-ready:
		default:
			close(ready)
		}
	})
	r.subscribeJobTopics(ctx, id, live)

	select {
	case <-ready:
	case <-time.After(spawnTimeout):
		return nil, &ExecutorError{Identifier: id.String(), Reason: "spawn timed out waiting for ready"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return live, nil
}

func (r *Registry) subscribeJobTopics(ctx context.Context, id Identifier, live *liveExecutor) {
	_ = r.Bus.Subscribe(ctx, fmt.Sprintf("executor/%s/heartbeat", id), func(_ string, _ []byte) {
		r.mu.Lock()
		live.lastSeen = time.Now()
		r.mu.Unlock()
	})

	_ = r.Bus.Subscribe(ctx, fmt.Sprintf("executor/%s/output/+", id), func(topic string, payload []byte) {
		jobID := jobIDFromTopic(topic)
		r.mu.Lock()
		job, ok := live.jobs[jobID]
		r.mu.Unlock()
		if !ok {
			return
		}
		var ev OutputEvent
		if err := json.Unmarshal(payload, &ev); err == nil && job.onOutput != nil {
			job.onOutput(ev)
		}
	})

	_ = r.Bus.Subscribe(ctx, fmt.Sprintf("executor/%s/finish/+", id), func(topic string, payload []byte) {
		jobID := jobIDFromTopic(topic)
		r.mu.Lock()
		job, ok := live.jobs[jobID]
		r.mu.Unlock()
		if !ok {
			return
		}
		var result RunResult
		if err := json.Unmarshal(payload, &result); err != nil {
			result = RunResult{Status: StatusError, Error: err.Error()}
		}
		job.done <- result
	})

	_ = r.Bus.Subscribe(ctx, fmt.Sprintf("executor/%s/log/+", id), func(topic string, payload []byte) {
		jobID := jobIDFromTopic(topic)
		var logMsg struct {
			Stream string `json:"stream"`
			Line   string `json:"line"`
		}
		if err := json.Unmarshal(payload, &logMsg); err == nil {
			r.Reporter.ExecutorLogLine(id.String(), jobID, logMsg.Stream, logMsg.Line)
		}
	})
}

func jobIDFromTopic(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return topic
}

// sweepHeartbeats marks executors dead after heartbeatTimeout of silence
// and fails their in-flight jobs with ExecutorDied (spec §4.3).
func (r *Registry) sweepHeartbeats() {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.mu.Lock()
			now := time.Now()
			for id, live := range r.executors {
				if now.Sub(live.lastSeen) <= heartbeatTimeout {
					continue
				}
				died := &ExecutorDied{Identifier: id.String()}
				for _, job := range live.jobs {
					job.done <- RunResult{Status: StatusError, Error: died.Error()}
				}
				delete(r.executors, id)
			}
			r.mu.Unlock()
		}
	}
}
