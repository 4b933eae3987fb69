//go:build windows

package sandbox

import "errors"

func findGate() (string, error) {
	return "", errors.New("shellward-gate is not available on Windows")
}
