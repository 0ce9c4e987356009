package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/oocana/oocana-core/reporter"
)

// ShellExecutor runs blocks whose executor name is "shell" in-process
// (spec §4.6). It implements the same Runner interface as the remote
// dispatch path.
type ShellExecutor struct {
	SessionID  string
	WorkingDir string // session working dir; cwd is resolved relative to this
	BindPaths  map[string]string
	Reporter   *reporter.Reporter

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewShellExecutor builds a ShellExecutor bound to one session. bindPaths
// maps a host path prefix to the path this process should use instead
// (--bind-path-file), applied to cwd before it is resolved against
// workingDir; it may be nil.
func NewShellExecutor(sessionID, workingDir string, bindPaths map[string]string, rep *reporter.Reporter) *ShellExecutor {
	return &ShellExecutor{
		SessionID:  sessionID,
		WorkingDir: workingDir,
		BindPaths:  bindPaths,
		Reporter:   rep,
		running:    make(map[string]*exec.Cmd),
	}
}

// Run executes req.Command via `sh -c`, streaming stdout/stderr to the
// reporter in real time and returning them as accumulated final outputs.
func (s *ShellExecutor) Run(ctx context.Context, req RunRequest, onOutput OutputFunc) (RunResult, error) {
	if req.Command == "" {
		return RunResult{}, &ExecutorError{Identifier: "shell", Reason: "missing required input: command"}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)

	cwd := resolveBindPath(req.Cwd, s.BindPaths)
	if cwd != "" && !isAbs(cwd) {
		cwd = join(s.WorkingDir, cwd)
	}
	if cwd != "" {
		cmd.Dir = cwd
	} else {
		cmd.Dir = s.WorkingDir
	}

	cmd.Env = append(os.Environ(),
		"OOCANA_SESSION_ID="+s.SessionID,
		"OOCANA_JOB_ID="+req.JobID,
	)
	for k, v := range ParseEnvs(req.EnvsRaw) {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{}, &ExecutorError{Identifier: "shell", Reason: "pipe stdout", cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{}, &ExecutorError{Identifier: "shell", Reason: "pipe stderr", cause: err}
	}

	s.mu.Lock()
	s.running[req.JobID] = cmd
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, req.JobID)
		s.mu.Unlock()
	}()

	if err := cmd.Start(); err != nil {
		return RunResult{}, &ExecutorError{Identifier: "shell", Reason: "start", cause: err}
	}

	var stdoutBuf, stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.accumulate(stdout, "shell", req.JobID, "stdout", &stdoutBuf)
	}()
	go func() {
		defer wg.Done()
		s.accumulate(stderr, "shell", req.JobID, "stderr", &stderrBuf)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	outputs := map[string]json.RawMessage{
		"stdout": mustJSONString(stdoutBuf.String()),
		"stderr": mustJSONString(stderrBuf.String()),
	}
	if onOutput != nil {
		onOutput(OutputEvent{Handle: "stdout", Value: outputs["stdout"], Done: true})
		onOutput(OutputEvent{Handle: "stderr", Value: outputs["stderr"], Done: true})
	}

	if waitErr != nil {
		code := exitCode(waitErr)
		return RunResult{Status: StatusError, Error: waitErr.Error(), Outputs: outputs}, &ShellExit{Code: code}
	}

	return RunResult{Status: StatusOK, Outputs: outputs}, nil
}

// Cancel kills the running subprocess for jobID, if any.
func (s *ShellExecutor) Cancel(jobID string) error {
	s.mu.Lock()
	cmd, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (s *ShellExecutor) accumulate(r interface{ Read([]byte) (int, error) }, identifier, jobID, stream string, buf *strings.Builder) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if s.Reporter != nil {
			s.Reporter.ExecutorLogLine(identifier, jobID, stream, line)
		}
	}
}

// ParseEnvs parses a comma-separated K=V list per spec §4.6: values may
// contain "=", commas separate pairs and cannot be escaped, malformed
// pairs are dropped silently.
func ParseEnvs(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

// resolveBindPath rewrites path's leading segment through bindPaths
// (--bind-path-file), the longest matching host prefix winning, so a path
// the session sees under one root can be served from another on disk.
func resolveBindPath(path string, bindPaths map[string]string) string {
	if path == "" || len(bindPaths) == 0 {
		return path
	}
	best := ""
	for hostPrefix := range bindPaths {
		if (path == hostPrefix || strings.HasPrefix(path, hostPrefix+"/")) && len(hostPrefix) > len(best) {
			best = hostPrefix
		}
	}
	if best == "" {
		return path
	}
	return bindPaths[best] + strings.TrimPrefix(path, best)
}

func isAbs(path string) bool { return strings.HasPrefix(path, "/") }

func join(base, rel string) string {
	if base == "" {
		return rel
	}
	return strings.TrimRight(base, "/") + "/" + rel
}

func mustJSONString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
