package registry

import (
	"fmt"
	"time"

	"github.com/osiriscare/sshbroker/internal/sshconn"
)

// Snapshot is a read-only view of one session, safe to hand to a caller
// without exposing the underlying Connection or its PTY handle.
type Snapshot struct {
	SessionID string
	Host      string
	Port      int
	Username  string
	State     string
	CreatedAt time.Time
	Prompt    string
	History   []sshconn.HistoryEntry
}

// SecurityBlockedError reports that a command was denied by the Policy
// Engine before it reached a Connection.
type SecurityBlockedError struct {
	Reason  string
	Command string
}

func (e *SecurityBlockedError) Error() string {
	return fmt.Sprintf("security policy blocked command %q: %s", e.Command, e.Reason)
}
