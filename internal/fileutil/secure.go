// Package fileutil provides file operations for state the gateway must
// keep private: audit trails, config and the encrypted store. Every
// helper enforces owner-only permissions at creation time instead of
// relying on umask.
package fileutil

import "os"

// SecureWriteFile writes data with owner-only permissions (0600).
func SecureWriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

// SecureMkdirAll creates a directory tree with owner-only permissions
// (0700).
func SecureMkdirAll(path string) error {
	return os.MkdirAll(path, 0o700)
}

// SecureOpenFile opens a file for writing with owner-only permissions
// (0600).
func SecureOpenFile(path string, flag int) (*os.File, error) {
	return os.OpenFile(path, flag, 0o600)
}
