//go:build linux

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// deniedShells may never be exec'd from inside the gate. Without a
// shell to escape into, spawned processes cannot re-enter unvalidated
// command interpretation.
var deniedShells = map[string]bool{
	"bash": true, "sh": true, "dash": true, "zsh": true, "fish": true,
	"ksh": true, "csh": true, "tcsh": true, "ash": true, "busybox": true,
	"mksh": true, "rbash": true, "elvish": true, "nu": true,
	"pwsh": true, "xonsh": true,
}

// restrictSelf applies no_new_privs and, unless skipped, a Landlock
// ruleset that allows exec only of non-shell executables found on PATH.
// Irreversible for this process and every descendant.
func restrictSelf(skipLandlock bool) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("no_new_privs: %w", err)
	}
	if skipLandlock {
		return nil
	}

	attr := unix.LandlockRulesetAttr{Access_fs: unix.LANDLOCK_ACCESS_FS_EXECUTE}
	fd, _, errno := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		uintptr(unsafe.Pointer(&attr)),
		unsafe.Sizeof(attr),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("landlock ruleset: %v (kernel 5.13+ with CONFIG_SECURITY_LANDLOCK required)", errno)
	}
	rulesetFd := int(fd)
	defer unix.Close(rulesetFd)

	allowed := 0
	for _, path := range allowedExecutables() {
		if err := addExecRule(rulesetFd, path); err != nil {
			continue
		}
		allowed++
	}
	if allowed == 0 {
		return fmt.Errorf("landlock: no executables could be allowed; refusing to run fully locked")
	}

	if _, _, errno := unix.Syscall(unix.SYS_LANDLOCK_RESTRICT_SELF, fd, 0, 0); errno != 0 {
		return fmt.Errorf("landlock restrict_self: %v", errno)
	}
	return nil
}

// addExecRule grants exec on one path.
func addExecRule(rulesetFd int, path string) error {
	pathFd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(pathFd)

	beneath := unix.LandlockPathBeneathAttr{
		Allowed_access: unix.LANDLOCK_ACCESS_FS_EXECUTE,
		Parent_fd:      int32(pathFd),
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_LANDLOCK_ADD_RULE,
		uintptr(rulesetFd),
		unix.LANDLOCK_RULE_PATH_BENEATH,
		uintptr(unsafe.Pointer(&beneath)),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// allowedExecutables enumerates every executable on PATH whose name is
// not a shell. Rules are per file: allowing whole directories would
// also allow the shells living in them. Landlock rules bind to the
// resolved inode, so each entry is checked under its resolved path as
// well; a symlink alias cannot launder a denied shell into the ruleset.
func allowedExecutables() []string {
	seen := map[string]bool{}
	var out []string

	dirs := filepath.SplitList(os.Getenv("PATH"))
	if len(dirs) == 0 {
		dirs = []string{"/usr/bin", "/bin"}
	}

	for _, dir := range dirs {
		if dir == "" || !strings.HasPrefix(dir, "/") {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if deniedName(entry.Name()) {
				continue
			}
			full := filepath.Join(dir, entry.Name())
			resolved, err := filepath.EvalSymlinks(full)
			if err != nil || deniedName(filepath.Base(resolved)) {
				continue
			}
			if seen[resolved] {
				continue
			}
			info, err := os.Stat(resolved)
			if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
				continue
			}
			seen[resolved] = true
			out = append(out, resolved)
		}
	}
	return out
}

func deniedName(name string) bool {
	return deniedShells[name] || deniedShells[strings.TrimSuffix(name, filepath.Ext(name))]
}
