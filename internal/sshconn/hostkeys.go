package sshconn

import (
	"bufio"
	"encoding/base64"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// HostKeyStore implements trust-on-first-use host key verification,
// shared across every Connection the Registry opens: the first time a
// host is seen its key is accepted and persisted; a later mismatch is
// rejected as a possible MITM.
type HostKeyStore struct {
	mu   sync.Mutex
	keys map[string]ssh.PublicKey
	path string
}

// NewHostKeyStore loads any persisted host keys from path and returns a
// ready-to-use store. A missing file is not an error — it means no host
// has been contacted yet.
func NewHostKeyStore(path string) *HostKeyStore {
	s := &HostKeyStore{keys: make(map[string]ssh.PublicKey), path: path}
	s.load()
	return s
}

// Callback returns an ssh.HostKeyCallback bound to this store.
func (s *HostKeyStore) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, _, err := net.SplitHostPort(hostname)
		if err != nil {
			host = hostname
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		existing, known := s.keys[host]
		if !known {
			s.keys[host] = key
			log.Printf("[sshconn] TOFU: accepted new host key for %s (%s)", host, key.Type())
			s.save()
			return nil
		}

		if string(existing.Marshal()) == string(key.Marshal()) {
			return nil
		}

		log.Printf("[sshconn] SECURITY: host key changed for %s (was %s, now %s)", host, existing.Type(), key.Type())
		return trace.AccessDenied("host key mismatch for %s: expected %s, got %s", host,
			ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key))
	}
}

func (s *HostKeyStore) load() {
	f, err := os.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			continue
		}
		s.keys[parts[0]] = pubKey
		loaded++
	}
	if loaded > 0 {
		log.Printf("[sshconn] TOFU: loaded %d known host keys from %s", loaded, s.path)
	}
}

// save persists all known host keys. Must be called with s.mu held.
func (s *HostKeyStore) save() {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[sshconn] TOFU: cannot create dir %s: %v", dir, err)
		return
	}

	var buf strings.Builder
	buf.WriteString("# sshbroker known hosts (TOFU)\n")
	for host, key := range s.keys {
		buf.WriteString(host)
		buf.WriteString(" ")
		buf.WriteString(key.Type())
		buf.WriteString(" ")
		buf.WriteString(base64.StdEncoding.EncodeToString(key.Marshal()))
		buf.WriteString("\n")
	}

	if err := os.WriteFile(s.path, []byte(buf.String()), 0o600); err != nil {
		log.Printf("[sshconn] TOFU: failed to save known_hosts: %v", err)
	}
}
