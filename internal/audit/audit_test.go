package audit

import (
	"path/filepath"
	"strings"
	"testing"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "security.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndTail(t *testing.T) {
	l := newTestLog(t)
	l.Record(Event{SessionIDPrefix: "abcd1234", Command: "rm -rf /", Reason: "디스크 완전 삭제 위험", Action: ActionBlocked})
	l.Record(Event{SessionIDPrefix: "abcd1234", Command: "ls -la", Action: ActionAllowed})

	lines, err := l.Tail(10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "BLOCKED") {
		t.Fatalf("expected BLOCKED in first line, got %q", lines[0])
	}
}

func TestTailLimitsToLastN(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 5; i++ {
		l.Record(Event{SessionIDPrefix: "abcd1234", Command: "ls", Action: ActionAllowed})
	}
	lines, err := l.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
}

func TestStatsCountsOnlyBlocked(t *testing.T) {
	l := newTestLog(t)
	l.Record(Event{Command: "rm -rf /", Action: ActionBlocked})
	l.Record(Event{Command: "dd if=/dev/zero of=/dev/sda", Action: ActionBlocked})
	l.Record(Event{Command: "ls -la", Action: ActionAllowed})

	total, today, err := l.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	if today != 2 {
		t.Fatalf("today = %d, want 2", today)
	}
}
