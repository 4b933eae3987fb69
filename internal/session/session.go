// Package session tracks the state a shell session accumulates across
// commands: working directory, exported variables and the last exit
// status. Variables re-enter the environment of the next command only
// through an allowlist, so a validated command cannot smuggle state to
// the next one through arbitrary exports.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/AgentShepherd/shellward/internal/logger"
)

var log = logger.New("session")

// bareCdRe matches a lone cd, with at most one argument, and nothing
// else. Anything more complex goes through the full pipeline.
var bareCdRe = regexp.MustCompile(`^\s*cd\s*($|\s+\S+\s*$)`)

// State is one interactive session.
type State struct {
	Cwd      string
	Env      map[string]string
	LastExit int

	allow         map[string]bool
	allowPrefixes []string
	maxSnapshot   int64
}

// Options configures which variables may persist between commands.
type Options struct {
	Allow            []string
	AllowPrefixes    []string
	MaxSnapshotBytes int64
}

// New starts a session in cwd seeded from the current process
// environment, filtered through the allowlist.
func New(cwd string, opts Options) *State {
	s := &State{
		Cwd:           cwd,
		Env:           map[string]string{},
		allow:         map[string]bool{},
		allowPrefixes: opts.AllowPrefixes,
		maxSnapshot:   opts.MaxSnapshotBytes,
	}
	for _, name := range opts.Allow {
		s.allow[name] = true
	}
	if s.maxSnapshot <= 0 {
		s.maxSnapshot = 1 << 20
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && s.permitted(k) {
			s.Env[k] = v
		}
	}
	return s
}

// permitted reports whether the variable may carry across commands.
// PATH, HOME and TERM-class basics are always allowed: the embedded
// interpreter is useless without them.
func (s *State) permitted(name string) bool {
	switch name {
	case "PATH", "HOME", "USER", "LOGNAME", "SHELL", "TERM", "LANG", "PWD", "TMPDIR":
		return true
	}
	if s.allow[name] {
		return true
	}
	for _, prefix := range s.allowPrefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Lookup resolves a variable for grammar analysis.
func (s *State) Lookup(name string) (string, bool) {
	v, ok := s.Env[name]
	return v, ok
}

// Environ renders the session environment as KEY=VALUE pairs, sorted
// for stable execution environments.
func (s *State) Environ() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// IsBareCd reports whether the command is a plain directory change that
// can bypass validation, and returns its target.
func IsBareCd(command string) (string, bool) {
	if !bareCdRe.MatchString(command) {
		return "", false
	}
	fields := strings.Fields(command)
	if len(fields) == 1 {
		return "", true
	}
	return fields[1], true
}

// ChangeDir applies a bare cd to the session. An empty target means
// HOME.
func (s *State) ChangeDir(target string) error {
	if target == "" || target == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cd: cannot resolve home: %w", err)
		}
		target = home
	} else if strings.HasPrefix(target, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cd: cannot resolve home: %w", err)
		}
		target = filepath.Join(home, target[2:])
	} else if target == "-" {
		if prev, ok := s.Env["OLDPWD"]; ok {
			target = prev
		} else {
			return fmt.Errorf("cd: OLDPWD not set")
		}
	}

	if !filepath.IsAbs(target) {
		target = filepath.Join(s.Cwd, target)
	}
	target = filepath.Clean(target)

	fi, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("cd: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("cd: %s: not a directory", target)
	}

	s.Env["OLDPWD"] = s.Cwd
	s.Cwd = target
	s.Env["PWD"] = target
	return nil
}

// ApplySnapshot merges a post-command environment snapshot: NUL
// separated KEY=VALUE records as written by the execution gate. The
// snapshot is untrusted output of an executed command, so it is size
// capped and filtered through the same allowlist as startup.
func (s *State) ApplySnapshot(data []byte) {
	if int64(len(data)) > s.maxSnapshot {
		log.Warn("environment snapshot of %d bytes exceeds cap, discarded", len(data))
		return
	}
	applied := 0
	for _, rec := range strings.Split(string(data), "\x00") {
		if rec == "" {
			continue
		}
		k, v, ok := strings.Cut(rec, "=")
		if !ok || !validVarName(k) {
			continue
		}
		if !s.permitted(k) {
			continue
		}
		if k == "PWD" || k == "OLDPWD" {
			// Directory state changes only through ChangeDir.
			continue
		}
		s.Env[k] = v
		applied++
	}
	log.Trace("applied %d variables from snapshot", applied)
}

var varNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validVarName(name string) bool {
	return varNameRe.MatchString(name)
}
