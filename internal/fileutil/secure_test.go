package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func assertMode(t *testing.T, path string, want os.FileMode) {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := fi.Mode().Perm(); got != want {
		t.Errorf("%s mode = %o, want %o", path, got, want)
	}
}

func TestSecureWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := SecureWriteFile(path, []byte("data")); err != nil {
		t.Fatal(err)
	}
	assertMode(t, path, 0o600)

	got, err := os.ReadFile(path)
	if err != nil || string(got) != "data" {
		t.Errorf("content = %q, err = %v", got, err)
	}
}

func TestSecureMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c")
	if err := SecureMkdirAll(path); err != nil {
		t.Fatal(err)
	}
	assertMode(t, path, 0o700)
}

func TestSecureOpenFileAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	f, err := SecureOpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("one\n")
	f.Close()

	f, err = SecureOpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("two\n")
	f.Close()

	assertMode(t, path, 0o600)
	got, _ := os.ReadFile(path)
	if string(got) != "one\ntwo\n" {
		t.Errorf("content = %q", got)
	}
}
