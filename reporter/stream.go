package reporter

import (
	"bufio"
	"io"
)

// StreamLines reads lines from r as they arrive and forwards each one to
// the reporter tagged with identifier/jobID/stream. The executor registry
// uses it to surface a spawned executor's stdout/stderr in real time
// (spec §4.3); the shell executor forwards its lines through
// ExecutorLogLine itself, since it also accumulates them as outputs.
func (rep *Reporter) StreamLines(identifier, jobID, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		rep.ExecutorLogLine(identifier, jobID, stream, scanner.Text())
	}
}
