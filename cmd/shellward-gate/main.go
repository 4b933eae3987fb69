//go:build linux

// shellward-gate runs one validated command under kernel enforcement.
// It restricts its own process with no_new_privs and a Landlock ruleset
// that denies exec of every system shell, then interprets the command
// with an embedded shell. The restriction happens before any command
// text is touched and cannot be undone; everything the command spawns
// inherits it.
//
// Exit status is the command's own. Code 125 is reserved for gate
// failures, reported as a JSON object on the last stderr line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

const exitGateError = 125

func writeError(code, message string) {
	out, _ := json.Marshal(map[string]string{"error": code, "message": message})
	fmt.Fprintln(os.Stderr, string(out))
	os.Exit(exitGateError)
}

// pinList collects repeated --pin path=fd flags.
type pinList map[string]int

func (p pinList) String() string { return fmt.Sprint(map[string]int(p)) }

func (p pinList) Set(v string) error {
	path, fdStr, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("pin %q: want path=fd", v)
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil || fd < 3 {
		return fmt.Errorf("pin %q: bad descriptor", v)
	}
	p[path] = fd
	return nil
}

func main() {
	cwd := flag.String("cwd", "", "working directory for the command")
	noLandlock := flag.Bool("no-landlock", false, "skip kernel enforcement (degraded mode)")
	envFD := flag.Int("env-fd", 0, "descriptor for the exported-variable snapshot")
	lastExit := flag.Int("last-exit", 0, "previous command's exit status, seeds $?")
	pins := pinList{}
	flag.Var(pins, "pin", "path=fd mapping for pinned content (repeatable)")
	flag.Parse()

	if flag.NArg() != 1 {
		writeError("parse_error", "exactly one command argument required")
	}
	command := flag.Arg(0)

	dir := *cwd
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			writeError("gate_error", "cannot determine working directory: "+err.Error())
		}
	}

	// Restriction comes first. After this point the gate, the embedded
	// interpreter and every child process can no longer exec a shell or
	// gain privileges.
	if err := restrictSelf(*noLandlock); err != nil {
		writeError("enforcement_unavailable", err.Error())
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		writeError("parse_error", "command does not parse: "+err.Error())
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.StdIO(os.Stdin, os.Stdout, os.Stderr),
		interp.Env(expand.ListEnviron(os.Environ()...)),
		interp.OpenHandler(pinnedOpenHandler(dir, pins)),
	)
	if err != nil {
		writeError("gate_error", "interpreter setup: "+err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seedLastExit(ctx, runner, parser, *lastExit)

	runErr := runner.Run(ctx, file)
	writeEnvSnapshot(*envFD, runner)

	if runErr == nil {
		os.Exit(0)
	}
	if status, ok := interp.IsExitStatus(runErr); ok {
		os.Exit(int(status))
	}
	if ctx.Err() != nil {
		// Interrupted; conventional shell status for SIGINT.
		os.Exit(130)
	}
	writeError("exec_failed", runErr.Error())
}

// seedLastExit carries the previous command's status into this run by
// executing a subshell exit before the real command. The runner keeps
// state across Run calls, so $? reflects it afterwards.
func seedLastExit(ctx context.Context, runner *interp.Runner, parser *syntax.Parser, status int) {
	if status <= 0 || status > 255 {
		return
	}
	seed, err := parser.Parse(strings.NewReader(fmt.Sprintf("(exit %d)", status)), "")
	if err != nil {
		return
	}
	// The non-zero status surfaces as an error here; that is the point.
	_ = runner.Run(ctx, seed)
}

// pinnedOpenHandler serves reads of pinned paths from the inherited
// descriptors, so the bytes that were validated are the bytes consumed
// regardless of what the filesystem says now. Everything else falls
// through to the default handler.
func pinnedOpenHandler(cwd string, pins pinList) interp.OpenHandlerFunc {
	abs := make(map[string]int, len(pins))
	for path, fd := range pins {
		if !strings.HasPrefix(path, "/") {
			path = cwd + "/" + path
		}
		abs[path] = fd
	}
	fallback := interp.DefaultOpenHandler()

	return func(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
		if fd, ok := abs[path]; ok && flag&(os.O_WRONLY|os.O_RDWR) == 0 {
			dup, err := syscall.Dup(fd)
			if err != nil {
				return nil, fmt.Errorf("pinned %s: %w", path, err)
			}
			f := os.NewFile(uintptr(dup), path)
			if _, err := f.Seek(0, 0); err != nil {
				f.Close()
				return nil, err
			}
			return f, nil
		}
		return fallback(ctx, path, flag, perm)
	}
}

// writeEnvSnapshot hands the exported variables back to the parent as
// NUL separated KEY=VALUE records. The parent re-sanitizes; nothing
// here is trusted.
func writeEnvSnapshot(fd int, runner *interp.Runner) {
	if fd <= 0 {
		return
	}
	f := os.NewFile(uintptr(fd), "env-snapshot")
	if f == nil {
		return
	}
	defer f.Close()

	for name, vr := range runner.Vars {
		if !vr.Exported || vr.Kind != expand.String {
			continue
		}
		fmt.Fprintf(f, "%s=%s\x00", name, vr.Str)
	}
}
