// sshbroker-server exposes an HTTP/JSON facade over pooled, policy-
// screened SSH sessions.
//
// Usage:
//
//	sshbroker-server --config /etc/sshbroker/config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/osiriscare/sshbroker/internal/audit"
	"github.com/osiriscare/sshbroker/internal/config"
	"github.com/osiriscare/sshbroker/internal/facade"
	"github.com/osiriscare/sshbroker/internal/registry"
)

const version = "0.1.0"

var (
	flagConfig  = flag.String("config", "/etc/sshbroker/config.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("sshbroker-server %s", version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	normalizeKeyPermissions(cfg.PrivateKeyPath)

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		log.Fatalf("Failed to open audit log: %v", err)
	}
	defer auditLog.Close()

	reg := registry.New(registry.Options{
		PrivateKeyPath:     cfg.PrivateKeyPath,
		KnownHostsPath:     cfg.KnownHostsPath,
		ConnectTimeout:     cfg.ConnectTimeout(),
		ExecTimeout:        cfg.ExecTimeout(),
		ShellAttachTimeout: cfg.ShellAttachTimeout(),
		DefaultIdle:        cfg.DefaultIdleTimeout(),
		ReaperInterval:     cfg.ReaperInterval(),
		AuditLog:           auditLog,
	})
	defer reg.Stop()

	srv := facade.NewServer(reg, auditLog)

	if pub, err := os.ReadFile(cfg.PrivateKeyPath + ".pub"); err == nil {
		srv.SetPublicKeyLine(strings.TrimSpace(string(pub)))
	} else {
		log.Printf("[main] no public key file at %s.pub; /ssh-key-setup will be unavailable", cfg.PrivateKeyPath)
	}

	mux := http.NewServeMux()
	srv.Routes(mux)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("[main] shutdown signal: %v", sig)
		cancel()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[main] graceful shutdown failed: %v", err)
		}
	}()

	log.Printf("[main] listening on %s", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

// normalizeKeyPermissions ensures the configured private key is not
// group/world readable. sshd-style tooling refuses keys with loose
// modes, so the broker fixes them up at startup.
func normalizeKeyPermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		log.Printf("[main] private key %s not readable yet: %v", path, err)
		return
	}
	if info.Mode().Perm() != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			log.Printf("[main] failed to normalize permissions on %s: %v", path, err)
		}
	}
}
