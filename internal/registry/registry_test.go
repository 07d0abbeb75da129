package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"

	"github.com/osiriscare/sshbroker/internal/audit"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	al, err := audit.Open(t.TempDir() + "/security.log")
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	r := New(Options{
		PrivateKeyPath: "/nonexistent/key",
		KnownHostsPath: t.TempDir() + "/known_hosts",
		ConnectTimeout: 100 * time.Millisecond,
		ExecTimeout:    time.Second,
		DefaultIdle:    time.Hour,
		ReaperInterval: 20 * time.Millisecond,
		AuditLog:       al,
	})
	t.Cleanup(r.Stop)
	return r
}

func TestCloseUnknownSessionReturnsFalse(t *testing.T) {
	r := newTestRegistry(t)
	if r.Close("does-not-exist") {
		t.Fatal("expected false for unknown session")
	}
}

func TestInfoUnknownSessionReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Info("does-not-exist")
	if !trace.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestExecUnknownSessionReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Exec("does-not-exist", "ls", time.Second)
	if !trace.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListEmptyRegistry(t *testing.T) {
	r := newTestRegistry(t)
	if got := r.List(); len(got) != 0 {
		t.Fatalf("expected empty list, got %d entries", len(got))
	}
}

func TestOpenFailsWithUnreachableHost(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Open("203.0.113.1", 22, "root", time.Second)
	if err == nil {
		t.Fatal("expected error dialing unreachable host")
	}
}

func TestSecurityBlockedErrorMessage(t *testing.T) {
	err := &SecurityBlockedError{Reason: "디스크 완전 삭제 위험", Command: "dd if=/dev/zero of=/dev/sda"}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestScreenRecordsBlockedInAuditLog(t *testing.T) {
	r := newTestRegistry(t)
	d := r.screen("abcdef123456", "rm -rf /")
	if d.Safe {
		t.Fatal("expected block")
	}

	lines, err := r.auditLog.Tail(10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(lines))
	}
	if !strings.Contains(lines[0], "BLOCKED") || !strings.Contains(lines[0], "rm -rf /") {
		t.Fatalf("unexpected audit line %q", lines[0])
	}
	if !strings.Contains(lines[0], "abcdef12") {
		t.Fatalf("expected 8-char session prefix in audit line %q", lines[0])
	}
}

func TestScreenAllowsBenignWithoutAuditEntry(t *testing.T) {
	r := newTestRegistry(t)
	if d := r.screen("abcdef123456", "ls -la"); !d.Safe {
		t.Fatalf("expected allow, got %+v", d)
	}
	lines, err := r.auditLog.Tail(10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("allowed command must not be audited, got %v", lines)
	}
}

func TestReaperStopsCleanly(t *testing.T) {
	r := newTestRegistry(t)
	time.Sleep(50 * time.Millisecond) // let at least one tick pass
	r.Stop()
}
