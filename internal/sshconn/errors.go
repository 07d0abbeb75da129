package sshconn

import "errors"

// Sentinel errors for state-machine violations. Callers compare with
// errors.Is; trace.Wrap preserves them under Unwrap.
var (
	ErrSessionClosed   = errors.New("session closed")
	ErrShellNotStarted = errors.New("shell not started")
	ErrShellError      = errors.New("shell error")
)
