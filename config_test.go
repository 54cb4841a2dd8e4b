package oob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.PeerLimit != -1 || c.PeerRetries != 2 || c.MaxReconAttempts != 10 {
		t.Errorf("defaults = %+v", c)
	}
	if c.maxMsgBytes() != 100<<20 {
		t.Errorf("maxMsgBytes = %d", c.maxMsgBytes())
	}
}

func TestConfig_ValidateErrors(t *testing.T) {
	cases := map[string]func(*Config){
		"static+dynamic v4": func(c *Config) {
			c.StaticIPv4Ports = []string{"5000"}
			c.DynamicIPv4Ports = []string{"6000-6010"}
		},
		"both families off": func(c *Config) { c.DisableIPv4, c.DisableIPv6 = true, true },
		"include+exclude": func(c *Config) {
			c.IfInclude = []string{"eth0"}
			c.IfExclude = []string{"eth1"}
		},
		"negative retries": func(c *Config) { c.PeerRetries = -1 },
		"zero msg size":    func(c *Config) { c.MaxMsgSize = 0 },
		"bad port range":   func(c *Config) { c.DynamicIPv4Ports = []string{"6010-6000"} },
		"bad port":         func(c *Config) { c.StaticIPv6Ports = []string{"http"} },
		"empty version":    func(c *Config) { c.Version = "" },
		"keepalive 300ns":  func(c *Config) { c.KeepaliveTime = 300 },
		"intvl under 1s":   func(c *Config) { c.KeepaliveIntvl = 500 * time.Millisecond },
		"negative delay":   func(c *Config) { c.RetryDelay = -time.Second },
	}
	for name, mutate := range cases {
		c := DefaultConfig()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParsePorts(t *testing.T) {
	got, err := parsePorts([]string{"5000", "6000-6002,7000"})
	if err != nil {
		t.Fatalf("parsePorts: %v", err)
	}
	want := []int{5000, 6000, 6001, 6002, 7000}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oob.yaml")
	yaml := strings.Join([]string{
		"peer_retries: 4",
		"dynamic_ipv4_ports: [\"7000-7010\"]",
		"disable_ipv6_family: true",
		"keepalive_time: 60s",
		"retry_delay: 2s",
		"max_msg_size: 8",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("OOB_MAX_RECON_ATTEMPTS", "3")
	t.Setenv("OOB_VERSION", "oob-test")

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.PeerRetries != 4 {
		t.Errorf("PeerRetries = %d, want 4", c.PeerRetries)
	}
	if len(c.DynamicIPv4Ports) != 1 || c.DynamicIPv4Ports[0] != "7000-7010" {
		t.Errorf("DynamicIPv4Ports = %v", c.DynamicIPv4Ports)
	}
	if !c.DisableIPv6 {
		t.Error("DisableIPv6 = false, want true")
	}
	if c.KeepaliveTime != time.Minute || c.RetryDelay != 2*time.Second {
		t.Errorf("KeepaliveTime = %s, RetryDelay = %s", c.KeepaliveTime, c.RetryDelay)
	}
	if c.MaxMsgSize != 8 {
		t.Errorf("MaxMsgSize = %d, want 8", c.MaxMsgSize)
	}
	if c.MaxReconAttempts != 3 {
		t.Errorf("MaxReconAttempts = %d, want 3 (from env)", c.MaxReconAttempts)
	}
	if c.Version != "oob-test" {
		t.Errorf("Version = %q, want oob-test", c.Version)
	}
	// Untouched keys keep their defaults.
	if c.KeepaliveProbes != 9 || c.ConnectTimeout != 10*time.Second {
		t.Errorf("defaults lost: probes=%d connect=%s", c.KeepaliveProbes, c.ConnectTimeout)
	}
}

func TestLoadConfig_BareSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oob.yaml")
	yaml := strings.Join([]string{
		"keepalive_time: 300",
		"keepalive_intvl: 20",
		"connect_timeout: 1.5",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("OOB_RETRY_DELAY", "2")
	t.Setenv("OOB_HANDSHAKE_TIMEOUT", "750ms")

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.KeepaliveTime != 300*time.Second {
		t.Errorf("KeepaliveTime = %s, want 5m0s", c.KeepaliveTime)
	}
	if c.KeepaliveIntvl != 20*time.Second {
		t.Errorf("KeepaliveIntvl = %s, want 20s", c.KeepaliveIntvl)
	}
	if c.ConnectTimeout != 1500*time.Millisecond {
		t.Errorf("ConnectTimeout = %s, want 1.5s", c.ConnectTimeout)
	}
	if c.RetryDelay != 2*time.Second {
		t.Errorf("RetryDelay = %s, want 2s (from env)", c.RetryDelay)
	}
	if c.HandshakeTimeout != 750*time.Millisecond {
		t.Errorf("HandshakeTimeout = %s, want 750ms (from env)", c.HandshakeTimeout)
	}
	// Defaults registered as durations are not rescaled.
	if c.ListenTimeout != 3600*time.Second {
		t.Errorf("ListenTimeout = %s, want 1h0m0s", c.ListenTimeout)
	}
}

func TestLoadConfig_BareSecondsConnect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oob.yaml")
	yaml := strings.Join([]string{
		"keepalive_time: 300",
		"keepalive_intvl: 20",
		"retry_delay: 2",
		"disable_ipv6_family: true",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	a := newTestTransport(t, id(0), *c)
	b := newTestTransport(t, id(1), *c)
	if err := a.AddContact(b.ContactURI()); err != nil {
		t.Fatalf("AddContact: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.SendSync(ctx, id(1), 1, []byte("ping")); err != nil {
		t.Fatalf("SendSync: %v", err)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("OOB_DISABLE_IPV4_FAMILY", "true")
	t.Setenv("OOB_DISABLE_IPV6_FAMILY", "true")
	if _, err := LoadConfig(""); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
