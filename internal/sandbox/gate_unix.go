//go:build unix

package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// gateBinaryName is the execution gate binary name.
const gateBinaryName = "shellward-gate"

// gatePathOverride supports tests; empty in production.
var gatePathOverride string

// findGate locates the shellward-gate binary. Search order: user-local
// (~/.local/libexec/shellward/), then relative to the shellward
// executable. System-wide paths are not searched; the gateway installs
// per-user.
func findGate() (string, error) {
	if gatePathOverride != "" {
		return gatePathOverride, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".local", "libexec", "shellward", gateBinaryName)
		if verifyCurrentUserOwnership(userPath) {
			return userPath, nil
		}
	}

	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates := []string{
			filepath.Join(dir, gateBinaryName),
			filepath.Join(dir, "..", "libexec", "shellward", gateBinaryName),
		}
		for _, path := range candidates {
			if verifyCurrentUserOwnership(path) {
				return path, nil
			}
		}
	}

	return "", errors.New("shellward-gate not found; install to ~/.local/libexec/shellward/")
}

// verifyCurrentUserOwnership checks that the gate binary exists, is a
// regular file owned by the current user, and is not writable by group
// or others. A binary failing any of these could have been substituted
// by another local user.
func verifyCurrentUserOwnership(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return false
	}
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	uid := os.Getuid()
	if uid < 0 || stat.Uid != uint32(uid) {
		return false
	}
	if fi.Mode()&0o022 != 0 {
		return false
	}
	return fi.Mode().IsRegular()
}
