// Package facade is the thin HTTP/JSON adapter mapping the broker's
// external surface onto Registry, audit, and keysetup operations. It owns
// no SSH state itself.
package facade

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/osiriscare/sshbroker/internal/audit"
	"github.com/osiriscare/sshbroker/internal/keysetup"
	"github.com/osiriscare/sshbroker/internal/registry"
	"github.com/osiriscare/sshbroker/internal/sshconn"
)

// Server holds the dependencies every handler needs.
type Server struct {
	reg       *registry.Registry
	auditLog  *audit.Log
	publicKey string
}

// NewServer builds a Server over an already-running Registry and audit log.
func NewServer(reg *registry.Registry, auditLog *audit.Log) *Server {
	return &Server{reg: reg, auditLog: auditLog}
}

// Routes registers every broker endpoint on mux using Go's method+path
// pattern matching.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /session/create", s.handleSessionCreate)
	mux.HandleFunc("DELETE /session_delete/{id}", s.handleSessionDelete)
	mux.HandleFunc("GET /session/{id}", s.handleSessionInfo)
	mux.HandleFunc("GET /sessions", s.handleSessionList)
	mux.HandleFunc("POST /session/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /session/{id}/shell/start", s.handleShellStart)
	mux.HandleFunc("POST /session/{id}/shell/command", s.handleShellCommand)
	mux.HandleFunc("POST /session/{id}/shell/stop", s.handleShellStop)
	mux.HandleFunc("POST /ssh-key-setup", s.handleKeySetup)
	mux.HandleFunc("GET /security/events", s.handleSecurityEvents)
	mux.HandleFunc("GET /security/stats", s.handleSecurityStats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[facade] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErrorForErr maps a Registry/Connection error onto an HTTP status:
// SecurityBlocked -> 403, SessionClosed and NotFound -> 404,
// ShellNotStarted and BadParameter -> 400, AccessDenied -> 401,
// ConnectionProblem -> 502, everything else -> 500 without leaking
// internal detail.
func writeErrorForErr(w http.ResponseWriter, err error) {
	blocked, isBlocked := err.(*registry.SecurityBlockedError)

	switch {
	case isBlocked:
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"reason":  blocked.Reason,
			"command": blocked.Command,
			"blocked": true,
		})
	case errors.Is(err, sshconn.ErrSessionClosed):
		writeError(w, http.StatusNotFound, "session closed")
	case errors.Is(err, sshconn.ErrShellNotStarted):
		writeError(w, http.StatusBadRequest, "shell not started")
	case trace.IsNotFound(err):
		writeError(w, http.StatusNotFound, "session not found")
	case trace.IsAccessDenied(err):
		writeError(w, http.StatusUnauthorized, "authentication failed")
	case trace.IsConnectionProblem(err):
		writeError(w, http.StatusBadGateway, "network unreachable")
	case trace.IsBadParameter(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[facade] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err, "read body")
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return trace.BadParameter("invalid JSON: %v", err)
	}
	return nil
}

type sessionCreateRequest struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Timeout      int    `json:"timeout"`
	UseMasterKey bool   `json:"use_master_key"`
	IdleTimeout  int    `json:"idle_timeout"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorForErr(w, err)
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}
	if req.Username == "" {
		req.Username = "root"
	}

	idle := time.Duration(req.IdleTimeout) * time.Second
	id, err := s.reg.Open(req.Host, req.Port, req.Username, idle)
	if err != nil {
		log.Printf("[facade] session create failed for %s@%s: %v", req.Username, req.Host, err)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session_id": "",
			"success":    false,
			"message":    err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"success":    true,
		"message":    "session created",
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.reg.Close(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "session closed"})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.reg.Info(id)
	if err != nil {
		writeErrorForErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotJSON(snap))
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	snaps := s.reg.List()
	out := make([]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotJSON(snap))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func snapshotJSON(snap registry.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"session_id": snap.SessionID,
		"host":       snap.Host,
		"port":       snap.Port,
		"username":   snap.Username,
		"state":      snap.State,
		"created_at": snap.CreatedAt.Format(time.RFC3339),
		"prompt":     snap.Prompt,
		"history":    historyJSON(snap.History),
	}
}

func historyJSON(history []sshconn.HistoryEntry) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(history))
	for _, h := range history {
		entry := map[string]interface{}{
			"command":   h.CommandText,
			"timestamp": h.Timestamp.Format(time.RFC3339),
			"kind":      string(h.Kind),
		}
		if h.Exec != nil {
			entry["exec"] = h.Exec
		}
		if h.Shell != nil {
			entry["shell"] = h.Shell
		}
		if h.Blocked != nil {
			entry["security_blocked"] = true
			entry["reason"] = h.Blocked.Reason
		}
		out = append(out, entry)
	}
	return out
}

type execRequest struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req execRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorForErr(w, err)
		return
	}

	timeout := time.Duration(req.Timeout) * time.Second
	result, err := s.reg.Exec(id, req.Command, timeout)
	if err != nil {
		writeErrorForErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   result.Success,
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
		"error":     result.Error,
	})
}

func (s *Server) handleShellStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.reg.ShellStart(id)
	if err != nil {
		writeErrorForErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"output":     result.Output,
		"prompt":     result.Prompt,
		"has_colors": result.HasColors,
	})
}

type shellCommandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleShellCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req shellCommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorForErr(w, err)
		return
	}

	result, err := s.reg.ShellSend(id, req.Command)
	if err != nil {
		writeErrorForErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"output":     result.Output,
		"prompt":     result.Prompt,
		"has_colors": result.HasColors,
	})
}

func (s *Server) handleShellStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.reg.ShellStop(id)
	if err != nil {
		writeErrorForErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

type keySetupRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleKeySetup(w http.ResponseWriter, r *http.Request) {
	var req keySetupRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorForErr(w, err)
		return
	}

	publicKey, err := s.publicKeyLine()
	if err != nil {
		writeErrorForErr(w, err)
		return
	}

	result, err := keysetup.Install(req.Host, req.Port, req.Username, req.Password, publicKey, ssh.InsecureIgnoreHostKey())
	if err != nil {
		log.Printf("[facade] key setup failed for %s@%s: %v", req.Username, req.Host, err)
		writeErrorForErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       result.Success,
		"key_installed": result.KeyInstalled,
		"message":       result.Message,
	})
}

func (s *Server) publicKeyLine() (string, error) {
	if s.publicKey == "" {
		return "", trace.NotFound("no public key configured for key-install")
	}
	return s.publicKey, nil
}

// SetPublicKeyLine configures the public key line the key-install helper
// pushes to remote hosts. Called once at startup, before the Server
// begins handling requests.
func (s *Server) SetPublicKeyLine(line string) {
	s.publicKey = line
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}

	lines, err := s.auditLog.Tail(limit)
	if err != nil {
		writeErrorForErr(w, trace.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":       lines,
		"total_events": len(lines),
	})
}

func (s *Server) handleSecurityStats(w http.ResponseWriter, r *http.Request) {
	total, today, err := s.auditLog.Stats()
	if err != nil {
		writeErrorForErr(w, trace.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total_blocks": total,
		"today_blocks": today,
	})
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, trace.BadParameter("invalid limit %q", s)
	}
	return n, nil
}
