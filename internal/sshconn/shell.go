package sshconn

import (
	"bytes"
	"io"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/osiriscare/sshbroker/internal/terminal"
)

// shellSession holds the PTY channel resources for one attached shell. A
// dedicated goroutine drains the channel's stdout into dataCh so the read
// loop can poll on a ticker instead of blocking on Channel.Read, which has
// no deadline support.
type shellSession struct {
	session *ssh.Session
	stdin   io.WriteCloser
	dataCh  chan []byte
	doneCh  chan struct{}
}

func startShellReader(stdout io.Reader) *shellSession {
	s := &shellSession{dataCh: make(chan []byte, 64), doneCh: make(chan struct{})}
	go func() {
		defer close(s.dataCh)
		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case s.dataCh <- chunk:
				case <-s.doneCh:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return s
}

func (s *shellSession) close() {
	select {
	case <-s.doneCh:
	default:
		close(s.doneCh)
	}
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.session != nil {
		s.session.Close()
	}
}

// readLoop accumulates raw PTY bytes until the prompt heuristic fires, the
// wait budget is exhausted, or the no-data counter exceeds its threshold —
// in that priority order.
func (s *shellSession) readLoop(budget time.Duration) string {
	var buf bytes.Buffer
	noData := 0
	threshold := terminal.NoDataThreshold(budget)

	ticker := time.NewTicker(terminal.TickInterval)
	defer ticker.Stop()
	deadline := time.After(budget)

	for {
		select {
		case chunk, ok := <-s.dataCh:
			if !ok {
				return buf.String()
			}
			buf.Write(chunk)
			noData = 0
			if promptDetected(buf.String()) {
				return buf.String()
			}
		case <-deadline:
			return buf.String()
		case <-ticker.C:
			if promptDetected(buf.String()) {
				return buf.String()
			}
			noData++
			if noData > threshold {
				return buf.String()
			}
		}
	}
}

func promptDetected(raw string) bool {
	stripped := terminal.Strip(raw)
	return terminal.IsPromptLine(terminal.LastNonEmptyLine(stripped))
}

// attachOutcome carries the result of the blocking PTY-request-and-shell-
// start work back to ShellAttach's timeout select.
type attachOutcome struct {
	shell *shellSession
	err   error
}

// openShell performs the blocking PTY request and shell start. It touches
// no Connection state, so it is safe to run on its own goroutine and keep
// running after ShellAttach has already given up on it.
func (c *Connection) openShell() (*shellSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "open shell session")
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 40, 120, modes); err != nil {
		session.Close()
		return nil, trace.Wrap(ErrShellError, "request pty: %v", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(ErrShellError, "stdin pipe: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(ErrShellError, "stdout pipe: %v", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, trace.Wrap(ErrShellError, "start shell: %v", err)
	}

	shell := startShellReader(stdout)
	shell.session = session
	shell.stdin = stdin
	return shell, nil
}

// ShellAttach requests a 120x40 xterm-256color PTY and starts an
// interactive shell on it, bounded by attachTimeout (the whole attach
// operation, not just the subsequent output read). If a PTY is already
// attached it is closed first. Partial resources are released on any
// failure, including a timeout: a session that completes attaching after
// the caller has given up is closed rather than leaked.
func (c *Connection) ShellAttach(attachTimeout time.Duration) (ShellResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return ShellResult{}, trace.Wrap(ErrSessionClosed)
	}
	if c.shell != nil {
		c.shell.close()
		c.shell = nil
	}

	done := make(chan attachOutcome, 1)
	go func() {
		shell, err := c.openShell()
		done <- attachOutcome{shell: shell, err: err}
	}()

	var shell *shellSession
	select {
	case <-time.After(attachTimeout):
		go func() {
			if res := <-done; res.shell != nil {
				res.shell.close()
			}
		}()
		return ShellResult{}, trace.Wrap(ErrShellError, "shell attach timed out after %s", attachTimeout)
	case res := <-done:
		if res.err != nil {
			return ShellResult{}, res.err
		}
		shell = res.shell
	}

	c.shell = shell
	c.state = ShellAttached

	raw := shell.readLoop(terminal.ShellStartBudget)
	stripped := terminal.Strip(raw)
	colored := terminal.Color(raw)
	prompt := terminal.LastNonEmptyLine(stripped)
	c.currentPrompt = prompt
	c.touch()

	result := ShellResult{Output: colored, Prompt: prompt, HasColors: colored != stripped}
	c.recordHistory(HistoryEntry{
		CommandText: "",
		Timestamp:   time.Now(),
		Kind:        KindShell,
		Shell:       &result,
	})
	return result, nil
}

// ShellWrite writes command+"\n" to the attached PTY and runs the read
// loop until output settles. It does not consult the Policy Engine —
// callers (the Registry) must classify before calling ShellWrite.
func (c *Connection) ShellWrite(command string) (ShellResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return ShellResult{}, trace.Wrap(ErrSessionClosed)
	}
	if c.state != ShellAttached || c.shell == nil {
		return ShellResult{}, trace.Wrap(ErrShellNotStarted)
	}

	if _, err := c.shell.stdin.Write([]byte(command + "\n")); err != nil {
		return ShellResult{}, trace.Wrap(ErrShellError, "write to pty: %v", err)
	}

	raw := c.shell.readLoop(terminal.CommandBudget)
	stripped := terminal.Strip(raw)
	colored := terminal.Color(raw)
	prompt := terminal.LastNonEmptyLine(stripped)
	c.currentPrompt = prompt
	c.touch()

	result := ShellResult{Output: colored, Prompt: prompt, HasColors: colored != stripped}
	c.recordHistory(HistoryEntry{
		CommandText: command,
		Timestamp:   time.Now(),
		Kind:        KindShell,
		Shell:       &result,
	})
	return result, nil
}

// ShellStop closes the PTY only; the transport remains usable for Exec.
func (c *Connection) ShellStop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shell == nil {
		return nil
	}
	c.shell.close()
	c.shell = nil
	if c.state == ShellAttached {
		c.state = Connected
	}
	c.currentPrompt = ""
	return nil
}
