// Package sandbox runs validated commands through shellward-gate, a
// separate binary that irrevocably restricts itself with no_new_privs
// and a Landlock execute-deny ruleset before interpreting the command.
// No shell binary is ever spawned: the gate embeds its own interpreter,
// and the Landlock rules make exec of any system shell fail even if the
// command tries.
package sandbox

import (
	"context"
	"io"
	"os"

	"github.com/AgentShepherd/shellward/internal/logger"
)

var log = logger.New("sandbox")

// PinnedFile maps a path referenced by the command to the descriptor
// that was validated. The gate serves reads of Path from File, so the
// content that was analyzed is the content that executes.
type PinnedFile struct {
	Path string
	File *os.File
}

// RunOptions describes one command execution.
type RunOptions struct {
	// Command is the canonical command text.
	Command string
	// Dir is the working directory.
	Dir string
	// Env is the full environment, already sanitized by the session.
	Env []string
	// Pinned descriptors from content resolution.
	Pinned []PinnedFile
	// LastExit seeds $? for the command, carrying the previous
	// command's status across gate invocations.
	LastExit int
	// Stdin defaults to the process stdin when nil.
	Stdin io.Reader
}

// Result is the outcome of a gate run.
type Result struct {
	ExitCode int
	// EnvSnapshot holds the NUL separated exported variables the
	// command left behind, for the session to re-sanitize and merge.
	EnvSnapshot []byte
}

// Sandbox executes commands through the gate. Construct with New.
type Sandbox struct {
	gatePath string
	degraded bool
}

// New locates the gate and probes kernel support. When Landlock is
// unavailable the sandbox still works but runs degraded; callers must
// surface that loudly, never silently.
func New() (*Sandbox, error) {
	gatePath, err := findGate()
	if err != nil {
		return nil, err
	}
	s := &Sandbox{gatePath: gatePath}
	if !landlockSupported() {
		s.degraded = true
		log.Warn("Landlock unavailable; commands run WITHOUT kernel enforcement")
	}
	return s, nil
}

// Degraded reports whether kernel enforcement is unavailable.
func (s *Sandbox) Degraded() bool { return s.degraded }

// Run executes one validated command and returns its exit status. Gate
// setup failures come back as *Error.
func (s *Sandbox) Run(ctx context.Context, opts RunOptions) (Result, error) {
	return s.run(ctx, opts)
}
