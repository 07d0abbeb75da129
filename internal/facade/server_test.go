package facade

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/osiriscare/sshbroker/internal/audit"
	"github.com/osiriscare/sshbroker/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()
	al, err := audit.Open(t.TempDir() + "/security.log")
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	reg := registry.New(registry.Options{
		PrivateKeyPath: "/nonexistent/key",
		KnownHostsPath: t.TempDir() + "/known_hosts",
		ConnectTimeout: 100 * time.Millisecond,
		ExecTimeout:    time.Second,
		DefaultIdle:    time.Hour,
		ReaperInterval: time.Hour,
		AuditLog:       al,
	})
	t.Cleanup(reg.Stop)

	s := NewServer(reg, al)
	mux := http.NewServeMux()
	s.Routes(mux)
	return s, mux
}

func TestSessionDeleteUnknownReturns404(t *testing.T) {
	_, mux := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/session_delete/unknown-id", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSessionInfoUnknownReturns404(t *testing.T) {
	_, mux := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/session/unknown-id", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSessionListEmpty(t *testing.T) {
	_, mux := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sessions, ok := body["sessions"].([]interface{})
	if !ok || len(sessions) != 0 {
		t.Fatalf("expected empty sessions list, got %v", body["sessions"])
	}
}

func TestSecurityStatsEmptyLog(t *testing.T) {
	_, mux := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/security/stats", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["total_blocks"] != 0 || body["today_blocks"] != 0 {
		t.Fatalf("expected zero counts, got %v", body)
	}
}

func TestExecuteUnknownSessionReturns404(t *testing.T) {
	_, mux := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/session/unknown-id/execute", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWriteErrorForBlockedReturns403(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErrorForErr(rec, &registry.SecurityBlockedError{
		Reason:  "디스크 완전 삭제 위험",
		Command: "dd if=/dev/zero of=/dev/sda",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if blocked, _ := body["blocked"].(bool); !blocked {
		t.Fatalf("expected blocked=true, got %v", body)
	}
	if body["reason"] != "디스크 완전 삭제 위험" {
		t.Fatalf("reason = %v", body["reason"])
	}
	if body["command"] != "dd if=/dev/zero of=/dev/sda" {
		t.Fatalf("command = %v", body["command"])
	}
}

func TestSessionCreateUnreachableHostReturns200WithSuccessFalse(t *testing.T) {
	_, mux := newTestServer(t)
	body := []byte(`{"host":"203.0.113.1","port":22,"username":"root"}`)
	req := httptest.NewRequest(http.MethodPost, "/session/create", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if success, _ := resp["success"].(bool); success {
		t.Fatalf("expected success=false, got %v", resp["success"])
	}
	if msg, _ := resp["message"].(string); msg == "" {
		t.Fatalf("expected non-empty message, got %v", resp["message"])
	}
}
