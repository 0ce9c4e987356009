// Package executor implements the executor registry (spawn/track/route
// jobs to executor processes, spec §4.3), the remote-executor protocol
// over the bus (§4.5), and the in-process shell executor (§4.6).
package executor

import (
	"context"
	"encoding/json"
	"fmt"
)

// Identifier keys an executor instance by its executor-name plus an
// optional package qualifier.
type Identifier struct {
	Name    string
	Package string
}

func (id Identifier) String() string {
	if id.Package == "" {
		return id.Name
	}
	return fmt.Sprintf("%s::%s", id.Package, id.Name)
}

// RunRequest is everything a Runner needs to execute one job.
type RunRequest struct {
	JobID        string
	SessionID    string
	ExecutorName string // task.Executor.Name ("python", "node", "rust", ...); keys the remote Identifier
	Command      string // resolved command/entry, interpretation is executor-specific
	Inputs       map[string]json.RawMessage
	Cwd          string
	EnvsRaw      string            // shell's comma-separated "envs" input, unparsed
	Envs         map[string]string // remote-dispatch env overrides published on the input topic
	Bin          string            // overrides the spawn command; defaults to "<ExecutorName>-executor"
	Args         []string
}

// OutputEvent is delivered once per streamed output value, mirroring the
// `executor/<id>/output/<jid>` topic payload shape (spec §4.5).
type OutputEvent struct {
	Handle string
	Value  json.RawMessage
	Done   bool
}

// RunStatus mirrors the three terminal statuses an executor may report on
// `executor/<id>/finish/<jid>`.
type RunStatus string

const (
	StatusOK      RunStatus = "ok"
	StatusError   RunStatus = "error"
	StatusPartial RunStatus = "partial"
)

// RunResult is the terminal outcome of one job.
type RunResult struct {
	Status  RunStatus
	Error   string
	Outputs map[string]json.RawMessage
}

// OutputFunc is invoked once per streamed output value as it arrives.
type OutputFunc func(OutputEvent)

// Runner is the shared dispatch interface implemented by both the remote
// Registry (§4.5) and the in-process ShellExecutor (§4.6), so the
// scheduler's dispatch switch (spec §4.2 point 3) is a single interface
// call regardless of executor kind.
type Runner interface {
	Run(ctx context.Context, req RunRequest, onOutput OutputFunc) (RunResult, error)
	Cancel(jobID string) error
}

// ExecutorError is the taxonomy member for spawn failure, timeout, death,
// and non-zero exit (spec §7).
type ExecutorError struct {
	Identifier string
	Reason     string
	cause      error
}

func (e *ExecutorError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("executor %s: %s: %v", e.Identifier, e.Reason, e.cause)
	}
	return fmt.Sprintf("executor %s: %s", e.Identifier, e.Reason)
}
func (e *ExecutorError) Unwrap() error { return e.cause }

// ShellExit reports a non-zero shell command exit code.
type ShellExit struct {
	Code int
}

func (e *ShellExit) Error() string { return fmt.Sprintf("shell exit %d", e.Code) }

// ExecutorDied reports a heartbeat timeout for a live executor.
type ExecutorDied struct {
	Identifier string
}

func (e *ExecutorDied) Error() string { return fmt.Sprintf("executor died: %s", e.Identifier) }
