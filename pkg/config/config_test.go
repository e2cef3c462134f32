package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nat64io/nat64d/pkg/nat64"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nat64d.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
pool6: 64:ff9b::/96
pool4:
  - mark: 0
    proto: tcp
    prefix: 192.0.2.1/32
    ports: {min: 1000, max: 2000}
  - mark: 0
    proto: udp
    prefix: 192.0.2.1/32
    ports: {min: 1000, max: 2000}
udp_timeout: 3m
drop_by_addr: true
sync:
  enabled: true
  listen: ":6466"
  peer: "198.51.100.2:6466"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UDPTimeout.std() != 3*time.Minute {
		t.Fatalf("UDPTimeout = %v", cfg.UDPTimeout.std())
	}
	if !cfg.DropByAddr || cfg.DropExternalTCP {
		t.Fatalf("flags wrong: %+v", cfg)
	}
	// Untouched knobs keep their defaults.
	if cfg.TCPEstTimeout.std() != 2*time.Hour || cfg.MaxStoredPkts != 10 {
		t.Fatalf("defaults lost: %+v", cfg)
	}

	g := cfg.Globals()
	if !g.DropByAddr || g.UDPTimeout != 3*time.Minute {
		t.Fatalf("Globals mapping wrong: %+v", g)
	}

	p4, err := cfg.BuildPool4()
	if err != nil {
		t.Fatalf("BuildPool4: %v", err)
	}
	if n := p4.TransportAddrCount(nat64.TCP); n != 1001 {
		t.Fatalf("pool4 TCP count = %d, want 1001", n)
	}
	if _, err := cfg.BuildPool6(); err != nil {
		t.Fatalf("BuildPool6: %v", err)
	}
}

func TestValidateRejectsShortUDPTimeout(t *testing.T) {
	path := writeConfig(t, "udp_timeout: 30s\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("accepted a UDP timeout below the RFC floor")
	}
}

func TestValidateRejectsBadPool4(t *testing.T) {
	path := writeConfig(t, `
pool4:
  - mark: 0
    proto: tcp
    prefix: 192.0.2.1/32
    ports: {min: 2000, max: 1000}
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("accepted a backwards port range")
	}
}

func TestValidateRejectsSyncWithoutListen(t *testing.T) {
	path := writeConfig(t, "sync:\n  enabled: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("accepted sync without a listen address")
	}
}
