//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// maxEnvSnapshot caps what the gate may hand back as environment state.
const maxEnvSnapshot = 1 << 20

// detectLandlockABI probes the kernel for the Landlock ABI version.
func detectLandlockABI() int {
	ret, _, errno := syscall.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		0, // attr = NULL
		0, // size = 0
		unix.LANDLOCK_CREATE_RULESET_VERSION,
	)
	if errno != 0 {
		return 0
	}
	return int(ret)
}

func landlockSupported() bool {
	return detectLandlockABI() >= 1
}

// gateArgs assembles the gate command line. Pinned files occupy child
// descriptors 3..3+n-1 in ExtraFiles order; the environment snapshot
// pipe sits right after them.
func gateArgs(opts RunOptions, degraded bool) []string {
	args := []string{"--cwd", opts.Dir}
	if degraded {
		args = append(args, "--no-landlock")
	}
	if opts.LastExit != 0 {
		args = append(args, "--last-exit", strconv.Itoa(opts.LastExit))
	}
	fd := 3
	for _, pin := range opts.Pinned {
		args = append(args, "--pin", fmt.Sprintf("%s=%d", pin.Path, fd))
		fd++
	}
	args = append(args, "--env-fd", strconv.Itoa(fd))
	args = append(args, "--", opts.Command)
	return args
}

// run spawns shellward-gate for one command. The gate restricts itself
// before interpreting anything, so this process stays unrestricted.
func (s *Sandbox) run(ctx context.Context, opts RunOptions) (Result, error) {
	envR, envW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: env pipe: %w", err)
	}
	defer envR.Close()

	cmd := exec.CommandContext(ctx, s.gatePath, gateArgs(opts, s.degraded)...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	} else {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = os.Stdout
	stderrTee := &lastLineWriter{out: os.Stderr}
	cmd.Stderr = stderrTee

	for _, pin := range opts.Pinned {
		if _, err := pin.File.Seek(0, io.SeekStart); err != nil {
			envW.Close()
			return Result{}, fmt.Errorf("sandbox: rewind pinned %s: %w", pin.Path, err)
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, pin.File)
	}
	cmd.ExtraFiles = append(cmd.ExtraFiles, envW)

	if err := cmd.Start(); err != nil {
		envW.Close()
		return Result{}, fmt.Errorf("sandbox: start gate: %w", err)
	}
	// Parent's copy of the write end must close so the read below sees
	// EOF when the gate exits.
	envW.Close()

	snapshot, readErr := io.ReadAll(io.LimitReader(envR, maxEnvSnapshot))
	if readErr != nil {
		log.Warn("env snapshot read failed: %v", readErr)
		snapshot = nil
	}

	err = cmd.Wait()
	res := Result{EnvSnapshot: snapshot}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == ExitGateError {
			if ge := parseGateError(stderrTee.LastLine()); ge != nil {
				return res, ge
			}
		}
		return res, nil
	}
	if err != nil {
		res.ExitCode = 1
		return res, fmt.Errorf("sandbox: gate failed: %w", err)
	}
	return res, nil
}
