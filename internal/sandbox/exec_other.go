//go:build !linux

package sandbox

import "context"

func landlockSupported() bool { return false }

// run is unsupported off Linux: the gate's kernel enforcement has no
// equivalent here, and running without it would silently drop the
// guarantee.
func (s *Sandbox) run(_ context.Context, _ RunOptions) (Result, error) {
	return Result{ExitCode: ExitGateError}, &Error{
		Code:    ErrEnforcementUnavailable,
		Message: "command execution requires Linux with Landlock support",
	}
}
