package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// ExitGateError is the exit code shellward-gate uses for its own setup
// failures. Distinct from command exit codes (0-124) and signal deaths
// (128+N).
const ExitGateError = 125

// ErrorCode classifies gate setup failures.
type ErrorCode string

const (
	ErrParse                  ErrorCode = "parse_error"
	ErrEnforcementUnavailable ErrorCode = "enforcement_unavailable"
	ErrCommandNotFound        ErrorCode = "command_not_found"
	ErrExecFailed             ErrorCode = "exec_failed"
	ErrGate                   ErrorCode = "gate_error"
)

// Error is the structured failure shellward-gate writes as the last
// stderr line when it exits with code 125.
type Error struct {
	Code    ErrorCode `json:"error"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// parseGateError extracts a structured error from the last line of
// stderr. Returns nil if the line is not the error schema.
func parseGateError(lastLine []byte) *Error {
	lastLine = trimTrailingNewlines(lastLine)
	if len(lastLine) == 0 || lastLine[0] != '{' {
		return nil
	}
	var ge Error
	if err := json.Unmarshal(lastLine, &ge); err != nil {
		return nil
	}
	if ge.Code == "" || ge.Message == "" {
		return nil
	}
	return &ge
}

func trimTrailingNewlines(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// lastLineWriter tees writes to out while tracking the last complete
// line, so the gate's JSON error can be parsed without buffering all of
// stderr.
type lastLineWriter struct {
	out *os.File

	mu   sync.Mutex
	last []byte // most recent newline-terminated line
	tail []byte // bytes since the last newline
}

func (w *lastLineWriter) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)
	if n <= 0 {
		return n, err
	}

	w.mu.Lock()
	w.tail = append(w.tail, p[:n]...)
	for {
		nl := bytes.IndexByte(w.tail, '\n')
		if nl < 0 {
			break
		}
		w.last = append(w.last[:0], w.tail[:nl]...)
		w.tail = w.tail[nl+1:]
	}
	w.mu.Unlock()

	return n, err
}

// LastLine returns the trailing unterminated bytes if any, otherwise
// the last complete line written.
func (w *lastLineWriter) LastLine() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.tail) > 0 {
		return w.tail
	}
	return w.last
}
