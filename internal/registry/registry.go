// Package registry implements the Session Registry: an indexed
// collection of sshconn Connections with per-session serialization, a
// background reaper, and the single point where every command — exec or
// shell — is screened by the Policy Engine before it reaches a
// Connection.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/osiriscare/sshbroker/internal/audit"
	"github.com/osiriscare/sshbroker/internal/policy"
	"github.com/osiriscare/sshbroker/internal/sshconn"
)

// entry pairs a Connection with the lock that serializes operations
// against it. The Registry's map lock only ever protects the map itself;
// an entry's own lock is held for the duration of one dispatch.
type entry struct {
	mu   sync.Mutex
	conn *sshconn.Connection
}

// Registry owns every live Connection, keyed by a generated session ID.
type Registry struct {
	privateKeyPath     string
	hostKeys           *sshconn.HostKeyStore
	connectTimeout     time.Duration
	execTimeout        time.Duration
	shellAttachTimeout time.Duration
	defaultIdle        time.Duration

	policyEngine *policy.Engine
	auditLog     *audit.Log

	mapMu   sync.Mutex
	entries map[string]*entry

	stopOnce   sync.Once
	stopReaper chan struct{}
	reaperDone chan struct{}
}

// Options configures a new Registry.
type Options struct {
	PrivateKeyPath     string
	KnownHostsPath     string
	ConnectTimeout     time.Duration
	ExecTimeout        time.Duration
	ShellAttachTimeout time.Duration
	DefaultIdle        time.Duration
	ReaperInterval     time.Duration
	AuditLog           *audit.Log
}

// New constructs a Registry and starts its reaper goroutine.
func New(opts Options) *Registry {
	shellAttachTimeout := opts.ShellAttachTimeout
	if shellAttachTimeout <= 0 {
		shellAttachTimeout = 60 * time.Second
	}

	r := &Registry{
		privateKeyPath:     opts.PrivateKeyPath,
		hostKeys:           sshconn.NewHostKeyStore(opts.KnownHostsPath),
		connectTimeout:     opts.ConnectTimeout,
		execTimeout:        opts.ExecTimeout,
		shellAttachTimeout: shellAttachTimeout,
		defaultIdle:        opts.DefaultIdle,
		policyEngine:       policy.NewEngine(),
		auditLog:           opts.AuditLog,
		entries:            make(map[string]*entry),
		stopReaper:         make(chan struct{}),
		reaperDone:         make(chan struct{}),
	}

	interval := opts.ReaperInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	go r.runReaper(interval)

	return r
}

// Stop halts the reaper and closes every Connection. Safe to call more
// than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopReaper)
		<-r.reaperDone

		r.mapMu.Lock()
		defer r.mapMu.Unlock()
		for id, e := range r.entries {
			e.conn.Cleanup()
			delete(r.entries, id)
		}
	})
}

// Open authenticates to (host, port, username) and registers a new
// Connection, returning its session ID.
func (r *Registry) Open(host string, port int, username string, idleTimeout time.Duration) (string, error) {
	if idleTimeout <= 0 {
		idleTimeout = r.defaultIdle
	}

	conn, err := sshconn.Dial(sshconn.Target{Host: host, Port: port, Username: username}, r.privateKeyPath, r.hostKeys, r.connectTimeout)
	if err != nil {
		return "", err
	}
	conn.SetIdleTimeout(idleTimeout)

	id := uuid.NewString()
	r.mapMu.Lock()
	r.entries[id] = &entry{conn: conn}
	r.mapMu.Unlock()

	log.Printf("[registry] opened session %s for %s@%s:%d", id[:8], username, host, port)
	return id, nil
}

// Close retires a session. Idempotent; returns false only if the
// identifier is unknown.
func (r *Registry) Close(sessionID string) bool {
	r.mapMu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	r.mapMu.Unlock()

	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn.Cleanup()
	log.Printf("[registry] closed session %s", sessionID[:8])
	return true
}

// lookup returns the entry for sessionID without locking it.
func (r *Registry) lookup(sessionID string) (*entry, error) {
	r.mapMu.Lock()
	e, ok := r.entries[sessionID]
	r.mapMu.Unlock()
	if !ok {
		return nil, trace.NotFound("session %s not found", sessionID)
	}
	return e, nil
}

// screen classifies command and reports whether it may proceed. Only
// blocked decisions are recorded in the audit log.
func (r *Registry) screen(sessionID, command string) policy.Decision {
	decision := r.policyEngine.Classify(command)
	if !decision.Safe && r.auditLog != nil {
		r.auditLog.Record(audit.Event{
			SessionIDPrefix: shortID(sessionID),
			Command:         command,
			Reason:          decision.Reason,
			Action:          audit.ActionBlocked,
		})
	}
	return decision
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Exec screens and then runs a one-shot command against sessionID.
func (r *Registry) Exec(sessionID, command string, timeout time.Duration) (sshconn.ExecResult, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return sshconn.ExecResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	decision := r.screen(sessionID, command)
	if !decision.Safe {
		e.conn.RecordBlocked(command, sshconn.KindExec, decision.Reason)
		return sshconn.ExecResult{}, &SecurityBlockedError{Reason: decision.Reason, Command: command}
	}

	if timeout <= 0 {
		timeout = r.execTimeout
	}
	return e.conn.Exec(command, timeout)
}

// ShellStart attaches a PTY to sessionID's Connection.
func (r *Registry) ShellStart(sessionID string) (sshconn.ShellResult, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return sshconn.ShellResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.ShellAttach(r.shellAttachTimeout)
}

// ShellSend screens and then writes a command into sessionID's PTY.
func (r *Registry) ShellSend(sessionID, command string) (sshconn.ShellResult, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return sshconn.ShellResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	decision := r.screen(sessionID, command)
	if !decision.Safe {
		e.conn.RecordBlocked(command, sshconn.KindShell, decision.Reason)
		return sshconn.ShellResult{SecurityBlocked: true}, &SecurityBlockedError{Reason: decision.Reason, Command: command}
	}

	return e.conn.ShellWrite(command)
}

// ShellStop detaches sessionID's PTY, leaving the transport open.
func (r *Registry) ShellStop(sessionID string) (bool, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.ShellStop(); err != nil {
		return false, err
	}
	return true, nil
}

// Info returns a read-only snapshot of one session. It never exposes the
// raw PTY handle.
func (r *Registry) Info(sessionID string) (Snapshot, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshotOf(sessionID, e.conn), nil
}

// List returns a read-only snapshot of every live session.
func (r *Registry) List() []Snapshot {
	r.mapMu.Lock()
	ids := make([]string, 0, len(r.entries))
	entries := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	r.mapMu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	for i, id := range ids {
		e := entries[i]
		e.mu.Lock()
		out = append(out, snapshotOf(id, e.conn))
		e.mu.Unlock()
	}
	return out
}

func snapshotOf(id string, conn *sshconn.Connection) Snapshot {
	target := conn.Target()
	return Snapshot{
		SessionID: id,
		Host:      target.Host,
		Port:      target.Port,
		Username:  target.Username,
		State:     conn.State().String(),
		CreatedAt: conn.CreatedAt(),
		Prompt:    conn.CurrentPrompt(),
		History:   conn.History(),
	}
}

// runReaper wakes every interval, closes Connections idle past their
// threshold, and never lets a single bad tick crash the loop.
func (r *Registry) runReaper(interval time.Duration) {
	defer close(r.reaperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopReaper:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if p := recover(); p != nil {
						log.Printf("[reaper] recovered from panic: %v", p)
					}
				}()
				r.sweep()
			}()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	type expiredSession struct {
		id string
		e  *entry
	}

	r.mapMu.Lock()
	var expired []expiredSession
	for id, e := range r.entries {
		if e.conn.Expired(now) {
			expired = append(expired, expiredSession{id: id, e: e})
			delete(r.entries, id)
		}
	}
	r.mapMu.Unlock()

	for _, ex := range expired {
		ex.e.mu.Lock()
		ex.e.conn.Cleanup()
		ex.e.mu.Unlock()
		log.Printf("[reaper] closed idle session %s", shortID(ex.id))
	}
}
