//go:build unix

package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVerifyCurrentUserOwnership(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "gate")
	if err := os.WriteFile(good, []byte("#!/bin/true\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if !verifyCurrentUserOwnership(good) {
		t.Error("owner-only binary should verify")
	}

	groupWritable := filepath.Join(dir, "gate-gw")
	if err := os.WriteFile(groupWritable, nil, 0o775); err != nil {
		t.Fatal(err)
	}
	// WriteFile's mode passes through the umask; force the group bit on.
	if err := os.Chmod(groupWritable, 0o775); err != nil {
		t.Fatal(err)
	}
	if verifyCurrentUserOwnership(groupWritable) {
		t.Error("group-writable binary must be rejected")
	}

	link := filepath.Join(dir, "gate-link")
	if err := os.Symlink(good, link); err != nil {
		t.Fatal(err)
	}
	if verifyCurrentUserOwnership(link) {
		t.Error("symlink must be rejected")
	}

	if verifyCurrentUserOwnership(filepath.Join(dir, "missing")) {
		t.Error("missing path must be rejected")
	}

	if verifyCurrentUserOwnership(dir) {
		t.Error("directory must be rejected")
	}
}

func TestFindGateOverride(t *testing.T) {
	dir := t.TempDir()
	gate := filepath.Join(dir, gateBinaryName)
	if err := os.WriteFile(gate, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}

	gatePathOverride = gate
	defer func() { gatePathOverride = "" }()

	got, err := findGate()
	if err != nil || got != gate {
		t.Errorf("findGate = %q, %v", got, err)
	}
}
