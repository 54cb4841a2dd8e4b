package oob

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Version is the protocol version exchanged in the handshake. Peers with
// a different version refuse each other.
const Version = "oob-1.0"

// Config holds the transport tunables. Keys match the runtime's
// configuration registry so the same file or OOB_* environment drives
// every process of a job.
type Config struct {
	// PeerLimit caps concurrently accepted inbound connections once the
	// bootstrap phase ends. -1 = unlimited.
	PeerLimit int `mapstructure:"peer_limit"`
	// PeerRetries is how many extra connect attempts each address gets.
	PeerRetries int `mapstructure:"peer_retries"`

	SndBuf int `mapstructure:"sndbuf"` // 0 = system default
	RcvBuf int `mapstructure:"rcvbuf"` // 0 = system default

	StaticIPv4Ports  []string `mapstructure:"static_ipv4_ports"`
	DynamicIPv4Ports []string `mapstructure:"dynamic_ipv4_ports"`
	StaticIPv6Ports  []string `mapstructure:"static_ipv6_ports"`
	DynamicIPv6Ports []string `mapstructure:"dynamic_ipv6_ports"`

	DisableIPv4 bool `mapstructure:"disable_ipv4_family"`
	DisableIPv6 bool `mapstructure:"disable_ipv6_family"`

	// Durations accept Go syntax ("90s") or a bare number of seconds.
	KeepaliveTime   time.Duration `mapstructure:"keepalive_time"`
	KeepaliveIntvl  time.Duration `mapstructure:"keepalive_intvl"`
	KeepaliveProbes int           `mapstructure:"keepalive_probes"`

	// RetryDelay > 0 enables reconnect cycles after every address of a
	// peer is exhausted. MaxReconAttempts bounds the cycles (-1 = forever).
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	MaxReconAttempts int           `mapstructure:"max_recon_attempts"`

	// MaxMsgSize is the largest accepted payload in MiB.
	MaxMsgSize int `mapstructure:"max_msg_size"`

	IfInclude []string `mapstructure:"if_include"`
	IfExclude []string `mapstructure:"if_exclude"`

	Version string `mapstructure:"version"`

	// ListenTimeout bounds each select of the bootstrap accept loop so a
	// stop request is noticed even without the wakeup pipe.
	ListenTimeout    time.Duration `mapstructure:"listen_timeout"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// BootstrapAccept starts the listener with the dedicated accept loop
	// used during job launch. Head processes set it.
	BootstrapAccept bool `mapstructure:"bootstrap_accept"`
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		PeerLimit:        -1,
		PeerRetries:      2,
		KeepaliveTime:    300 * time.Second,
		KeepaliveIntvl:   20 * time.Second,
		KeepaliveProbes:  9,
		MaxReconAttempts: 10,
		MaxMsgSize:       100,
		Version:          Version,
		ListenTimeout:    3600 * time.Second,
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Validate rejects contradictory settings.
func (c *Config) Validate() error {
	var errs []error
	if c.PeerRetries < 0 {
		errs = append(errs, fmt.Errorf("peer_retries must be >= 0, got %d", c.PeerRetries))
	}
	if len(c.StaticIPv4Ports) > 0 && len(c.DynamicIPv4Ports) > 0 {
		errs = append(errs, errors.New("static_ipv4_ports and dynamic_ipv4_ports are mutually exclusive"))
	}
	if len(c.StaticIPv6Ports) > 0 && len(c.DynamicIPv6Ports) > 0 {
		errs = append(errs, errors.New("static_ipv6_ports and dynamic_ipv6_ports are mutually exclusive"))
	}
	if c.DisableIPv4 && c.DisableIPv6 {
		errs = append(errs, errors.New("both address families disabled"))
	}
	if len(c.IfInclude) > 0 && len(c.IfExclude) > 0 {
		errs = append(errs, errors.New("if_include and if_exclude are mutually exclusive"))
	}
	if c.MaxMsgSize <= 0 {
		errs = append(errs, fmt.Errorf("max_msg_size must be > 0, got %d", c.MaxMsgSize))
	}
	if c.KeepaliveTime < 0 || (c.KeepaliveTime > 0 && c.KeepaliveTime < time.Second) {
		errs = append(errs, fmt.Errorf("keepalive_time must be 0 or >= 1s, got %s", c.KeepaliveTime))
	}
	if c.KeepaliveIntvl < 0 || (c.KeepaliveIntvl > 0 && c.KeepaliveIntvl < time.Second) {
		errs = append(errs, fmt.Errorf("keepalive_intvl must be 0 or >= 1s, got %s", c.KeepaliveIntvl))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay must be >= 0, got %s", c.RetryDelay))
	}
	if c.KeepaliveProbes < 0 {
		errs = append(errs, fmt.Errorf("keepalive_probes must be >= 0, got %d", c.KeepaliveProbes))
	}
	if c.Version == "" {
		errs = append(errs, errors.New("version must not be empty"))
	}
	for _, list := range [][]string{c.StaticIPv4Ports, c.DynamicIPv4Ports, c.StaticIPv6Ports, c.DynamicIPv6Ports} {
		if _, err := parsePorts(list); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("oob config: %w", err)
	}
	return nil
}

func (c *Config) maxMsgBytes() uint64 {
	return uint64(c.MaxMsgSize) << 20
}

// LoadConfig reads path (any format viper understands; empty = none) and
// OOB_* environment overrides on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix("OOB")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// never appear in the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("peer_limit", d.PeerLimit)
	v.SetDefault("peer_retries", d.PeerRetries)
	v.SetDefault("sndbuf", d.SndBuf)
	v.SetDefault("rcvbuf", d.RcvBuf)
	v.SetDefault("static_ipv4_ports", []string{})
	v.SetDefault("dynamic_ipv4_ports", []string{})
	v.SetDefault("static_ipv6_ports", []string{})
	v.SetDefault("dynamic_ipv6_ports", []string{})
	v.SetDefault("disable_ipv4_family", d.DisableIPv4)
	v.SetDefault("disable_ipv6_family", d.DisableIPv6)
	v.SetDefault("keepalive_time", d.KeepaliveTime)
	v.SetDefault("keepalive_intvl", d.KeepaliveIntvl)
	v.SetDefault("keepalive_probes", d.KeepaliveProbes)
	v.SetDefault("retry_delay", d.RetryDelay)
	v.SetDefault("max_recon_attempts", d.MaxReconAttempts)
	v.SetDefault("max_msg_size", d.MaxMsgSize)
	v.SetDefault("if_include", []string{})
	v.SetDefault("if_exclude", []string{})
	v.SetDefault("version", d.Version)
	v.SetDefault("listen_timeout", d.ListenTimeout)
	v.SetDefault("connect_timeout", d.ConnectTimeout)
	v.SetDefault("handshake_timeout", d.HandshakeTimeout)
	v.SetDefault("bootstrap_accept", d.BootstrapAccept)
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsHookFunc reads a plain number, or a string holding one, as a
// count of seconds when the target is a time.Duration.
func secondsHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != durationType || f == durationType {
			return data, nil
		}
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		case reflect.String:
			s := strings.TrimSpace(reflect.ValueOf(data).String())
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(n * float64(time.Second)), nil
			}
		}
		return data, nil
	}
}

// parsePorts expands entries like "5000" and "5000-5010".
func parsePorts(list []string) ([]int, error) {
	var out []int
	for _, entry := range list {
		for _, f := range splitList(entry) {
			lo, hi, isRange := strings.Cut(f, "-")
			a, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("port %q: %w", f, err)
			}
			b := a
			if isRange {
				if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
					return nil, fmt.Errorf("port range %q: %w", f, err)
				}
			}
			if a < 0 || b > 65535 || a > b {
				return nil, fmt.Errorf("port range %q out of bounds", f)
			}
			for p := a; p <= b; p++ {
				out = append(out, p)
			}
		}
	}
	return out, nil
}
