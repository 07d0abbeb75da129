// Package sshconn implements one authenticated SSH transport plus an
// optional attached PTY channel — the unit the Registry pools and reaps.
package sshconn

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const maxHistoryEntries = 100

// Connection wraps one SSH transport and zero-or-one PTY channel. It is
// not safe for concurrent use by more than one caller at a time; the
// Registry is responsible for serializing access per session.
type Connection struct {
	mu sync.Mutex

	target Target
	client *ssh.Client

	state         State
	createdAt     time.Time
	lastActivity  time.Time
	idleTimeout   time.Duration
	currentPrompt string

	history []HistoryEntry

	shell *shellSession
}

// Dial opens an SSH transport to target, trying key-based auth first and
// falling back to an ssh-agent if keyPath is empty or unreadable.
func Dial(target Target, keyPath string, hostKeys *HostKeyStore, connectTimeout time.Duration) (*Connection, error) {
	auth, err := buildAuthMethods(keyPath)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys.Callback(),
		Timeout:         connectTimeout,
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", port))

	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dial %s", addr)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, trace.AccessDenied("authentication failed for %s@%s: %v", target.Username, addr, err)
		}
		return nil, trace.ConnectionProblem(err, "ssh handshake with %s", addr)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	now := time.Now()

	return &Connection{
		target:       target,
		client:       client,
		state:        Connected,
		createdAt:    now,
		lastActivity: now,
		idleTimeout:  time.Hour,
	}, nil
}

// buildAuthMethods tries a private key file first; if keyPath is empty or
// the file cannot be used, it falls back to the ambient ssh-agent at
// SSH_AUTH_SOCK. Returns KeyUnavailable if neither produces a usable
// credential.
func buildAuthMethods(keyPath string) ([]ssh.AuthMethod, error) {
	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err == nil {
			signer, err := ssh.ParsePrivateKey(data)
			if err == nil {
				return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
			}
		}
	}

	sockPath := os.Getenv("SSH_AUTH_SOCK")
	if sockPath == "" {
		return nil, trace.NotFound("no private key at %q and no SSH_AUTH_SOCK in environment", keyPath)
	}
	sockConn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, trace.NotFound("ssh-agent unreachable at %s: %v", sockPath, err)
	}
	agentClient := agent.NewClient(sockConn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agentClient.Signers)}, nil
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

// SetIdleTimeout overrides the Connection's idle threshold (the Registry
// reaps past this many seconds of inactivity).
func (c *Connection) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleTimeout = d
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IdleFor reports how long the Connection has been inactive.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// Expired reports whether the Connection has been idle past its timeout.
func (c *Connection) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity) > c.idleTimeout
}

// Target returns the (host, port, username) triple this Connection
// authenticated to.
func (c *Connection) Target() Target {
	return c.target
}

// CreatedAt returns the Connection's creation time.
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// CurrentPrompt returns the last-detected shell prompt, or "" if no shell
// has been attached yet.
func (c *Connection) CurrentPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPrompt
}

// History returns a snapshot of the bounded command history, oldest first.
func (c *Connection) History() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]HistoryEntry, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Connection) recordHistory(entry HistoryEntry) {
	c.history = append(c.history, entry)
	if len(c.history) > maxHistoryEntries {
		c.history = c.history[len(c.history)-maxHistoryEntries:]
	}
}

func (c *Connection) touch() {
	c.lastActivity = time.Now()
}

// RecordBlocked notes a policy-denied command in the history. Nothing was
// transmitted to the remote host; the attempt still counts as activity.
func (c *Connection) RecordBlocked(command string, kind HistoryKind, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	c.touch()
	c.recordHistory(HistoryEntry{
		CommandText: command,
		Timestamp:   time.Now(),
		Kind:        kind,
		Blocked:     &BlockedResult{Reason: reason},
	})
}

// Exec opens a fresh channel, runs command with a server-side timeout,
// and captures stdout/stderr. Exec does not consult the Policy Engine —
// callers (the Registry) must classify before calling Exec.
func (c *Connection) Exec(command string, timeout time.Duration) (ExecResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return ExecResult{}, trace.Wrap(ErrSessionClosed)
	}

	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, trace.ConnectionProblem(err, "open exec channel")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var result ExecResult
	select {
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		result = ExecResult{Success: false, ExitCode: -1, Error: "execution timed out"}
	case runErr := <-done:
		exitCode := 0
		errMsg := ""
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				exitCode = -1
				errMsg = runErr.Error()
			}
		}
		result = ExecResult{
			Success:  exitCode == 0,
			Stdout:   toUTF8(stdout.Bytes()),
			Stderr:   toUTF8(stderr.Bytes()),
			ExitCode: exitCode,
			Error:    errMsg,
		}
	}

	c.touch()
	c.recordHistory(HistoryEntry{
		CommandText: command,
		Timestamp:   time.Now(),
		Kind:        KindExec,
		Exec:        &result,
	})

	return result, nil
}

// toUTF8 decodes remote bytes as UTF-8, substituting the replacement
// character for any invalid byte sequence.
func toUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// Cleanup closes the PTY (if attached) and the transport. It is safe to
// call more than once.
func (c *Connection) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
}

func (c *Connection) cleanupLocked() {
	if c.shell != nil {
		c.shell.close()
		c.shell = nil
	}
	if c.state != Closed && c.client != nil {
		c.client.Close()
	}
	c.state = Closed
}
