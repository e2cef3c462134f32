// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nat64io/nat64d/pkg/bib"
	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/pool4"
	"github.com/nat64io/nat64d/pkg/pool6"
)

// Duration wraps time.Duration so YAML can carry "2h" / "90s" forms.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Bare numbers are seconds.
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) std() time.Duration {
	return time.Duration(d)
}

// Pool4Entry is one configured block of outside transport addresses.
type Pool4Entry struct {
	Mark   uint32 `yaml:"mark"`
	Proto  string `yaml:"proto"`
	Prefix string `yaml:"prefix"`
	Ports  struct {
		Min uint16 `yaml:"min"`
		Max uint16 `yaml:"max"`
	} `yaml:"ports"`
}

// Sync configures cross-host session replication.
type Sync struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Peer      string `yaml:"peer"`
	FrameSize int    `yaml:"frame_size"`
}

// Config is the daemon's file configuration.
type Config struct {
	Pool6 string       `yaml:"pool6"`
	Pool4 []Pool4Entry `yaml:"pool4"`

	TCPEstTimeout   Duration `yaml:"tcp_est_timeout"`
	TCPTransTimeout Duration `yaml:"tcp_trans_timeout"`
	TCPSyn4Timeout  Duration `yaml:"tcp_syn4_timeout"`
	UDPTimeout      Duration `yaml:"udp_timeout"`
	ICMPTimeout     Duration `yaml:"icmp_timeout"`

	MaxStoredPkts   int  `yaml:"max_stored_pkts"`
	BIBLogging      bool `yaml:"bib_logging"`
	SessionLogging  bool `yaml:"session_logging"`
	DropByAddr      bool `yaml:"drop_by_addr"`
	DropExternalTCP bool `yaml:"drop_external_tcp"`

	SweepInterval Duration `yaml:"sweep_interval"`
	APIAddr       string   `yaml:"api_addr"`

	Sync Sync `yaml:"sync"`
}

// Default returns the configuration the daemon runs with when the file
// is absent.
func Default() *Config {
	return &Config{
		Pool6:           pool6.DefaultPrefix,
		TCPEstTimeout:   Duration(bib.DefaultTCPEstTimeout),
		TCPTransTimeout: Duration(bib.DefaultTCPTransTimeout),
		TCPSyn4Timeout:  Duration(bib.DefaultTCPSyn4Timeout),
		UDPTimeout:      Duration(bib.DefaultUDPTimeout),
		ICMPTimeout:     Duration(bib.DefaultICMPTimeout),
		MaxStoredPkts:   bib.DefaultMaxStoredPkts,
		SweepInterval:   Duration(time.Second),
		APIAddr:         "127.0.0.1:8064",
	}
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := netip.ParsePrefix(c.Pool6); err != nil {
		return fmt.Errorf("pool6: %w", err)
	}
	for i, e := range c.Pool4 {
		if _, err := nat64.ParseProto(e.Proto); err != nil {
			return fmt.Errorf("pool4[%d]: %w", i, err)
		}
		if _, err := netip.ParsePrefix(e.Prefix); err != nil {
			return fmt.Errorf("pool4[%d]: %w", i, err)
		}
		if e.Ports.Min > e.Ports.Max {
			return fmt.Errorf("pool4[%d]: port range %d-%d is backwards",
				i, e.Ports.Min, e.Ports.Max)
		}
	}
	if c.UDPTimeout != 0 && c.UDPTimeout.std() < bib.MinUDPTimeout {
		return fmt.Errorf("udp_timeout %s is below the RFC 6146 floor of %s",
			c.UDPTimeout.std(), bib.MinUDPTimeout)
	}
	if c.Sync.Enabled && c.Sync.Listen == "" {
		return fmt.Errorf("sync.listen is required when sync is enabled")
	}
	return nil
}

// Globals maps the file configuration onto the engine's runtime knobs.
func (c *Config) Globals() bib.Globals {
	return bib.Globals{
		TCPEstTimeout:   c.TCPEstTimeout.std(),
		TCPTransTimeout: c.TCPTransTimeout.std(),
		TCPSyn4Timeout:  c.TCPSyn4Timeout.std(),
		UDPTimeout:      c.UDPTimeout.std(),
		ICMPTimeout:     c.ICMPTimeout.std(),
		MaxStoredPkts:   c.MaxStoredPkts,
		BIBLogging:      c.BIBLogging,
		SessionLogging:  c.SessionLogging,
		DropByAddr:      c.DropByAddr,
		DropExternalTCP: c.DropExternalTCP,
	}
}

// BuildPool6 constructs the prefix store.
func (c *Config) BuildPool6() (*pool6.Pool, error) {
	prefix, err := netip.ParsePrefix(c.Pool6)
	if err != nil {
		return nil, err
	}
	return pool6.New(prefix)
}

// BuildPool4 constructs the transport address pool.
func (c *Config) BuildPool4() (*pool4.Pool, error) {
	p := pool4.New()
	for i, e := range c.Pool4 {
		proto, err := nat64.ParseProto(e.Proto)
		if err != nil {
			return nil, fmt.Errorf("pool4[%d]: %w", i, err)
		}
		prefix, err := netip.ParsePrefix(e.Prefix)
		if err != nil {
			return nil, fmt.Errorf("pool4[%d]: %w", i, err)
		}
		ports := pool4.PortRange{Min: e.Ports.Min, Max: e.Ports.Max}
		if err := p.Add(e.Mark, proto, prefix, ports); err != nil {
			return nil, fmt.Errorf("pool4[%d]: %w", i, err)
		}
	}
	return p, nil
}
