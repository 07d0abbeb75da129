// Package keysetup implements the one-shot password-to-key upgrade
// helper: given a host reachable by password auth, install a public key
// into the remote user's authorized_keys so future sessions can use key
// auth instead.
package keysetup

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// Result is the outcome of an install attempt. Message never contains the
// password that was used to authenticate.
type Result struct {
	Success      bool
	KeyInstalled bool
	Message      string
}

// dialTimeout is a var rather than a const so tests can shrink it.
var dialTimeout = 30 * time.Second

// Install opens a password-authenticated SSH session to host and ensures
// publicKey is present in ~/.ssh/authorized_keys, creating ~/.ssh (0700)
// and authorized_keys (0600) as needed. It is idempotent: calling it
// twice with the same key leaves exactly one copy installed.
func Install(host string, port int, username, password, publicKey string, hostKeys ssh.HostKeyCallback) (Result, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return Result{}, trace.BadParameter("public key must not be empty")
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	}

	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return Result{}, trace.ConnectionProblem(err, "password auth to %s", addr)
	}
	defer client.Close()

	alreadyPresent, err := keyAlreadyPresent(client, publicKey)
	if err != nil {
		return Result{}, err
	}
	if alreadyPresent {
		return Result{Success: true, KeyInstalled: false, Message: "key already present in authorized_keys"}, nil
	}

	if err := appendKey(client, publicKey); err != nil {
		return Result{}, err
	}

	confirmed, err := lastLineMatches(client, publicKey)
	if err != nil {
		return Result{}, err
	}
	if !confirmed {
		return Result{}, trace.CompareFailed("key not found in authorized_keys after install")
	}

	return Result{Success: true, KeyInstalled: true, Message: "key installed"}, nil
}

func keyAlreadyPresent(client *ssh.Client, publicKey string) (bool, error) {
	session, err := client.NewSession()
	if err != nil {
		return false, trace.ConnectionProblem(err, "open session")
	}
	defer session.Close()

	out, err := session.CombinedOutput("mkdir -p ~/.ssh && chmod 700 ~/.ssh && touch ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys && cat ~/.ssh/authorized_keys")
	if err != nil {
		return false, trace.Wrap(err, "prepare authorized_keys: %s", string(out))
	}
	return strings.Contains(string(out), publicKey), nil
}

// lastLineMatches confirms a just-appended key by re-reading the last
// line of authorized_keys.
func lastLineMatches(client *ssh.Client, publicKey string) (bool, error) {
	session, err := client.NewSession()
	if err != nil {
		return false, trace.ConnectionProblem(err, "open session")
	}
	defer session.Close()

	out, err := session.CombinedOutput("tail -1 ~/.ssh/authorized_keys")
	if err != nil {
		return false, trace.Wrap(err, "tail authorized_keys: %s", string(out))
	}
	return strings.TrimSpace(string(out)) == publicKey, nil
}

func appendKey(client *ssh.Client, publicKey string) error {
	session, err := client.NewSession()
	if err != nil {
		return trace.ConnectionProblem(err, "open session")
	}
	defer session.Close()

	cmd := fmt.Sprintf("echo %s >> ~/.ssh/authorized_keys", shellQuote(publicKey))
	if out, err := session.CombinedOutput(cmd); err != nil {
		return trace.Wrap(err, "append key: %s", string(out))
	}
	return nil
}

// shellQuote wraps s in single quotes, escaping any embedded single quote
// the POSIX-portable way: close, escaped quote, reopen.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
