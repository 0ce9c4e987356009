// Package reporter emits structured lifecycle events to a session log and,
// for remote-executor events, previews raw JSON payloads without a full
// unmarshal (spec §2, §6).
package reporter

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/oocana/oocana-core/common/logger"
)

// EventKind names the lifecycle events the scheduler and executor registry emit.
type EventKind string

const (
	EventJobStarted   EventKind = "job.started"
	EventJobPartial   EventKind = "job.partial"
	EventJobSucceeded EventKind = "job.succeeded"
	EventJobFailed    EventKind = "job.failed"
	EventJobCancelled EventKind = "job.cancelled"
	EventJobSkipped   EventKind = "job.skipped"
	EventLazyWarning  EventKind = "manifest.lazy_warning"
	EventExecutorLog  EventKind = "executor.log"
)

// Timing carries the three job timing metrics the teacher's HTTP worker
// computes around every job, supplemented into every job-lifecycle event
// (SPEC_FULL §9 Supplemented features).
type Timing struct {
	QueuedAt   time.Time `json:"queued_at,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	QueueMS    int64     `json:"queue_time_ms"`
	ExecMS     int64     `json:"execution_time_ms"`
	TotalMS    int64     `json:"total_duration_ms"`
}

// NewTiming computes the three duration fields from the three timestamps.
func NewTiming(queuedAt, startedAt, endedAt time.Time) Timing {
	queueMS := startedAt.Sub(queuedAt).Milliseconds()
	execMS := endedAt.Sub(startedAt).Milliseconds()
	return Timing{
		QueuedAt:  queuedAt,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		QueueMS:   queueMS,
		ExecMS:    execMS,
		TotalMS:   queueMS + execMS,
	}
}

// Event is one totally-ordered reporter event (spec §5: "Reporter events
// are totally ordered by a monotonically increasing per-session sequence").
type Event struct {
	Seq     int64           `json:"seq"`
	Time    time.Time       `json:"time"`
	Kind    EventKind       `json:"kind"`
	JobID   string          `json:"job_id,omitempty"`
	NodeID  string          `json:"node_id,omitempty"`
	Message string          `json:"message,omitempty"`
	Timing  *Timing         `json:"timing,omitempty"`
	Error   string          `json:"error,omitempty"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// Reporter writes events to session.log and keeps a logger mirror.
type Reporter struct {
	log *logger.Logger

	mu   sync.Mutex
	file *os.File
	seq  int64
}

// Open creates (or truncates) the session log file at logPath.
func Open(logPath string, log *logger.Logger) (*Reporter, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reporter: open %s: %w", logPath, err)
	}
	return &Reporter{log: log, file: f}, nil
}

// Close flushes and closes the underlying log file.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Emit appends ev to session.log (after stamping Seq/Time) and mirrors a
// compact line to the structured logger.
func (r *Reporter) Emit(ev Event) {
	ev.Seq = atomic.AddInt64(&r.seq, 1)
	ev.Time = time.Now()

	r.mu.Lock()
	if r.file != nil {
		if data, err := json.Marshal(ev); err == nil {
			_, _ = r.file.Write(append(data, '\n'))
		}
	}
	r.mu.Unlock()

	args := []any{"kind", ev.Kind, "seq", ev.Seq}
	if ev.JobID != "" {
		args = append(args, "job_id", ev.JobID)
	}
	if ev.NodeID != "" {
		args = append(args, "node_id", ev.NodeID)
	}
	if ev.Timing != nil {
		args = append(args, "queue_ms", ev.Timing.QueueMS, "exec_ms", ev.Timing.ExecMS, "total_ms", ev.Timing.TotalMS)
	}
	if ev.Error != "" {
		r.log.Error(ev.Message, args...)
		return
	}
	r.log.Info(ev.Message, args...)
}

// JobStarted emits a job.started event.
func (r *Reporter) JobStarted(jobID, nodeID string) {
	r.Emit(Event{Kind: EventJobStarted, JobID: jobID, NodeID: nodeID, Message: "job started"})
}

// JobTerminal emits a terminal job event (succeeded/failed/cancelled/skipped)
// carrying the job's timing metrics.
func (r *Reporter) JobTerminal(kind EventKind, jobID, nodeID string, timing Timing, jobErr error) {
	ev := Event{Kind: kind, JobID: jobID, NodeID: nodeID, Timing: &timing, Message: string(kind)}
	if jobErr != nil {
		ev.Error = jobErr.Error()
	}
	r.Emit(ev)
}

// LazyWarning records a resolver-reported lazy subflow reference.
func (r *Reporter) LazyWarning(path, message string) {
	r.Emit(Event{Kind: EventLazyWarning, NodeID: path, Message: message})
}

// ExecutorLogLine forwards one stdout/stderr line from an executor,
// previewing a field out of an arbitrary structured payload via gjson
// rather than a full unmarshal, the same idiom the teacher used for
// ad-hoc field extraction from untyped JSON.
func (r *Reporter) ExecutorLogLine(identifier, jobID, stream, line string) {
	preview := line
	if gjson.Valid(line) {
		if msg := gjson.Get(line, "message"); msg.Exists() {
			preview = msg.String()
		}
	}
	r.Emit(Event{
		Kind:    EventExecutorLog,
		JobID:   jobID,
		NodeID:  identifier,
		Message: preview,
		Extra:   json.RawMessage(fmt.Sprintf(`{"stream":%q}`, stream)),
	})
}
