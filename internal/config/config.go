// Package config provides configuration management for mcbridge.
// It uses koanf v2 to layer built-in defaults, an optional YAML file and
// MCBRIDGE_* environment variables, in that order of precedence.
//
// Configuration is loaded from /etc/mcbridge/config.yaml by default. The
// file carries Wi-Fi passphrases and should be mode 0600.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"

	"github.com/doughall/mcbridge/internal/agent"
	"github.com/doughall/mcbridge/internal/history"
	"github.com/doughall/mcbridge/internal/logging"
	"github.com/doughall/mcbridge/internal/render"
	"github.com/doughall/mcbridge/internal/scheduler"
	"github.com/doughall/mcbridge/internal/state"
)

// DefaultConfigPath is the default location for the configuration file.
const DefaultConfigPath = "/etc/mcbridge/config.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MCBRIDGE_"

// Config holds the mcbridge configuration.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	Agent      AgentConfig    `koanf:"agent" yaml:"agent"`
	Paths      PathsConfig    `koanf:"paths" yaml:"paths"`
	AP         APConfig       `koanf:"ap" yaml:"ap"`
	DNS        DNSConfig      `koanf:"dns" yaml:"dns"`
	Upstream   UpstreamConfig `koanf:"upstream" yaml:"upstream"`
	Forwarding bool           `koanf:"forwarding" yaml:"forwarding"`
	Services   ServicesConfig `koanf:"services" yaml:"services"`
	History    HistoryConfig  `koanf:"history" yaml:"history"`
	Watch      WatchConfig    `koanf:"watch" yaml:"watch"`
}

// AgentConfig configures the agent socket and how the controller reaches it.
type AgentConfig struct {
	Socket string `koanf:"socket" yaml:"socket"`

	// Timeout bounds each plan sent to the agent. Bare numbers are seconds.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`

	// SocketGroup may connect in addition to root and AllowedUIDs.
	SocketGroup string `koanf:"socket_group" yaml:"socket_group,omitempty"`
	AllowedUIDs []int  `koanf:"allowed_uids" yaml:"allowed_uids,omitempty"`

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration `koanf:"idle_timeout" yaml:"idle_timeout"`
}

// PathsConfig locates every file mcbridge writes. Empty entries are derived
// from EtcDir and the interface names.
type PathsConfig struct {
	EtcDir           string `koanf:"etc_dir" yaml:"etc_dir"`
	HostapdConf      string `koanf:"hostapd_conf" yaml:"hostapd_conf"`
	DnsmasqConf      string `koanf:"dnsmasq_conf" yaml:"dnsmasq_conf"`
	DnsmasqOverrides string `koanf:"dnsmasq_overrides" yaml:"dnsmasq_overrides"`
	HostapdDefault   string `koanf:"hostapd_default" yaml:"hostapd_default"`
	UpstreamWPAConf  string `koanf:"upstream_wpa_conf" yaml:"upstream_wpa_conf,omitempty"`
	APAddressUnit    string `koanf:"ap_address_unit" yaml:"ap_address_unit,omitempty"`

	GeneratedDir             string `koanf:"generated_dir" yaml:"generated_dir,omitempty"`
	GeneratedUpstreamWPAConf string `koanf:"generated_upstream_wpa_conf" yaml:"generated_upstream_wpa_conf,omitempty"`
	GeneratedAPAddressUnit   string `koanf:"generated_ap_address_unit" yaml:"generated_ap_address_unit,omitempty"`
	FailedRoot               string `koanf:"failed_root" yaml:"failed_root,omitempty"`
}

// APConfig is the access point.
type APConfig struct {
	Interface  string `koanf:"interface" yaml:"interface"`
	SSID       string `koanf:"ssid" yaml:"ssid"`
	Passphrase string `koanf:"passphrase" yaml:"passphrase,omitempty"`
	Channel    int    `koanf:"channel" yaml:"channel"`
	HWMode     string `koanf:"hw_mode" yaml:"hw_mode"`
	Country    string `koanf:"country" yaml:"country,omitempty"`

	// Address is the AP interface address in CIDR form.
	Address string `koanf:"address" yaml:"address"`
}

// DNSConfig is dnsmasq on the AP interface.
type DNSConfig struct {
	RangeStart string            `koanf:"range_start" yaml:"range_start,omitempty"`
	RangeEnd   string            `koanf:"range_end" yaml:"range_end,omitempty"`
	LeaseTime  string            `koanf:"lease_time" yaml:"lease_time"`
	Domain     string            `koanf:"domain" yaml:"domain,omitempty"`
	Servers    []string          `koanf:"servers" yaml:"servers,omitempty"`
	Overrides  map[string]string `koanf:"overrides" yaml:"overrides,omitempty"`
}

// NetworkConfig is one upstream network.
type NetworkConfig struct {
	SSID     string `koanf:"ssid" yaml:"ssid"`
	PSK      string `koanf:"psk" yaml:"psk,omitempty"`
	Priority int    `koanf:"priority" yaml:"priority,omitempty"`
	Hidden   bool   `koanf:"hidden" yaml:"hidden,omitempty"`
}

// UpstreamConfig is the Wi-Fi client link.
type UpstreamConfig struct {
	Interface string          `koanf:"interface" yaml:"interface"`
	Country   string          `koanf:"country" yaml:"country,omitempty"`
	Networks  []NetworkConfig `koanf:"networks" yaml:"networks,omitempty"`
}

// ServicesConfig lists the services brought to enabled.
type ServicesConfig struct {
	Names []string `koanf:"names" yaml:"names"`
	Start bool     `koanf:"start" yaml:"start"`
}

// HistoryConfig configures the run journal.
type HistoryConfig struct {
	Path string `koanf:"path" yaml:"path,omitempty"`

	// Keep is how many runs are retained. Zero keeps everything.
	Keep int `koanf:"keep" yaml:"keep"`
}

// WatchConfig configures periodic reconciliation.
type WatchConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 5m".
	Schedule string `koanf:"schedule" yaml:"schedule"`
}

// Validation errors returned by Load.
var (
	ErrInvalidLogLevel    = errors.New("log_level must be one of debug, info, warn, error")
	ErrInvalidTimeout     = errors.New("agent.timeout must be positive")
	ErrSocketRequired     = errors.New("agent.socket is required")
	ErrInvalidHistoryKeep = errors.New("history.keep must not be negative")
	ErrInvalidSchedule    = errors.New("watch.schedule is not a valid schedule")
)

// envKeys maps environment variables onto config keys. Variables not listed
// are ignored.
var envKeys = map[string]string{
	"AGENT_SOCKET":                 "agent.socket",
	"AGENT_TIMEOUT":                "agent.timeout",
	"AGENT_SOCKET_GROUP":           "agent.socket_group",
	"ETC_DIR":                      "paths.etc_dir",
	"HOSTAPD_CONF":                 "paths.hostapd_conf",
	"DNSMASQ_CONF":                 "paths.dnsmasq_conf",
	"DNSMASQ_OVERRIDES":            "paths.dnsmasq_overrides",
	"HOSTAPD_DEFAULT":              "paths.hostapd_default",
	"UPSTREAM_WPA_CONF":            "paths.upstream_wpa_conf",
	"GENERATED_UPSTREAM_WPA_CONF":  "paths.generated_upstream_wpa_conf",
	"WLAN0AP_IP_SERVICE":           "paths.ap_address_unit",
	"GENERATED_WLAN0AP_IP_SERVICE": "paths.generated_ap_address_unit",
	"GENERATED_DIR":                "paths.generated_dir",
	"FAILED_ROOT":                  "paths.failed_root",
	"HISTORY_PATH":                 "history.path",
	"WATCH_SCHEDULE":               "watch.schedule",
	"LOG_LEVEL":                    "log_level",
}

// durationKeys accept bare numbers as seconds.
var durationKeys = []string{"agent.timeout", "agent.idle_timeout"}

func defaults() map[string]any {
	return map[string]any{
		"log_level":               "info",
		"agent.socket":            agent.DefaultSocketPath,
		"agent.timeout":           agent.DefaultClientTimeout.String(),
		"agent.idle_timeout":      agent.DefaultIdleTimeout.String(),
		"paths.etc_dir":           "/etc/mcbridge",
		"paths.hostapd_conf":      "/etc/hostapd/hostapd.conf",
		"paths.dnsmasq_conf":      "/etc/dnsmasq.conf",
		"paths.dnsmasq_overrides": "/etc/dnsmasq.d/mcbridge.conf",
		"paths.hostapd_default":   "/etc/default/hostapd",
		"ap.interface":            "wlan0",
		"ap.channel":              render.DefaultChannel,
		"ap.hw_mode":              render.DefaultHWMode,
		"ap.address":              "192.168.50.1/24",
		"dns.lease_time":          render.DefaultLeaseTime,
		"upstream.interface":      "wlan1",
		"forwarding":              true,
		"services.start":          true,
		"history.keep":            500,
		"watch.schedule":          "@every 5m",
	}
}

// Load reads configuration from path, layering defaults, the file and the
// environment. A missing file is not an error; the defaults and environment
// still apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := normalizeDurations(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps MCBRIDGE_AGENT_SOCKET to agent.socket. Unknown variables
// return an empty key and are skipped.
func envKey(key, value string) (string, any) {
	name, ok := envKeys[strings.TrimPrefix(key, EnvPrefix)]
	if !ok {
		return "", nil
	}
	return name, value
}

// normalizeDurations rewrites bare-number durations as seconds so
// "timeout: 30" and MCBRIDGE_AGENT_TIMEOUT=30 both mean thirty seconds.
func normalizeDurations(k *koanf.Koanf) error {
	for _, key := range durationKeys {
		if !k.Exists(key) {
			continue
		}
		var seconds float64
		switch v := k.Get(key).(type) {
		case int:
			seconds = float64(v)
		case int64:
			seconds = float64(v)
		case float64:
			seconds = v
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			seconds = f
		default:
			continue
		}
		d := time.Duration(seconds * float64(time.Second))
		if err := k.Set(key, d.String()); err != nil {
			return fmt.Errorf("failed to normalize %s: %w", key, err)
		}
	}
	return nil
}

// applyDefaults derives paths and services that depend on other fields.
func (c *Config) applyDefaults() {
	p := &c.Paths
	if p.GeneratedDir == "" {
		p.GeneratedDir = filepath.Join(p.EtcDir, "generated")
	}
	if p.FailedRoot == "" {
		p.FailedRoot = filepath.Join(p.GeneratedDir, "failed")
	}
	if p.UpstreamWPAConf == "" && c.Upstream.Interface != "" {
		p.UpstreamWPAConf = "/etc/wpa_supplicant/wpa_supplicant-" + c.Upstream.Interface + ".conf"
	}
	if p.APAddressUnit == "" && c.AP.Interface != "" {
		p.APAddressUnit = "/etc/systemd/system/" + render.APAddressUnitName(c.AP.Interface)
	}
	if c.Services.Names == nil {
		c.Services.Names = []string{"hostapd", "dnsmasq"}
		if c.Upstream.Interface != "" {
			c.Services.Names = append(c.Services.Names, "wpa_supplicant@"+c.Upstream.Interface+".service")
		}
		if c.AP.Interface != "" {
			c.Services.Names = append(c.Services.Names, render.APAddressUnitName(c.AP.Interface))
		}
	}
	if c.History.Path == "" {
		c.History.Path = history.DefaultPath()
	}
}

// validate checks fields whose errors would otherwise surface late. Network
// settings are checked by Desired.
func (c *Config) validate() error {
	if !logging.ValidLevel(c.LogLevel) {
		return ErrInvalidLogLevel
	}
	if c.Agent.Socket == "" {
		return ErrSocketRequired
	}
	if c.Agent.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.History.Keep < 0 {
		return ErrInvalidHistoryKeep
	}
	if err := scheduler.NewCronParser().Validate(c.Watch.Schedule); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	return nil
}

// Desired converts the configuration into the state a reconciliation pass
// converges on.
func (c *Config) Desired() (*state.Desired, error) {
	var errs []error

	addr, err := netip.ParsePrefix(c.AP.Address)
	if err != nil {
		errs = append(errs, fmt.Errorf("ap.address: %w", state.ErrInvalidAddress))
	}

	dns := state.DNS{
		LeaseTime: c.DNS.LeaseTime,
		Domain:    c.DNS.Domain,
		Servers:   c.DNS.Servers,
	}
	if c.DNS.RangeStart != "" || c.DNS.RangeEnd != "" {
		start, err1 := netip.ParseAddr(c.DNS.RangeStart)
		end, err2 := netip.ParseAddr(c.DNS.RangeEnd)
		if err1 != nil || err2 != nil {
			errs = append(errs, fmt.Errorf("dns.range_start/range_end: %w", state.ErrInvalidDHCPRange))
		}
		dns.RangeStart, dns.RangeEnd = start, end
	}
	if len(c.DNS.Overrides) > 0 {
		dns.Overrides = make(map[string]netip.Addr, len(c.DNS.Overrides))
		for host, a := range c.DNS.Overrides {
			ip, err := netip.ParseAddr(a)
			if err != nil {
				errs = append(errs, fmt.Errorf("dns.overrides[%s]: %w", host, err))
				continue
			}
			dns.Overrides[host] = ip
		}
	}

	networks := make([]state.Network, len(c.Upstream.Networks))
	for i, n := range c.Upstream.Networks {
		networks[i] = state.Network{SSID: n.SSID, PSK: n.PSK, Priority: n.Priority, Hidden: n.Hidden}
	}

	d := &state.Desired{
		AP: state.AP{
			Interface:  c.AP.Interface,
			SSID:       c.AP.SSID,
			Passphrase: c.AP.Passphrase,
			Channel:    c.AP.Channel,
			HWMode:     c.AP.HWMode,
			Country:    c.AP.Country,
			Address:    addr,
		},
		DNS: dns,
		Upstream: state.Upstream{
			Interface: c.Upstream.Interface,
			Country:   c.Upstream.Country,
			Networks:  networks,
		},
		Forwarding:    c.Forwarding,
		Paths:         c.StatePaths(),
		Services:      c.Services.Names,
		StartServices: c.Services.Start,
	}

	if len(errs) == 0 {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return d, nil
}

// StatePaths returns the resolved file locations.
func (c *Config) StatePaths() state.Paths {
	p := c.Paths
	paths := state.Paths{
		HostapdConf:      p.HostapdConf,
		DnsmasqConf:      p.DnsmasqConf,
		DnsmasqOverrides: p.DnsmasqOverrides,
		HostapdDefault:   p.HostapdDefault,
		UpstreamWPAConf:  p.UpstreamWPAConf,
		APAddressUnit:    p.APAddressUnit,
		GeneratedDir:     p.GeneratedDir,
		FailedRoot:       p.FailedRoot,
		SocketDir:        filepath.Dir(c.Agent.Socket),
	}
	overrides := map[string]string{}
	if p.GeneratedUpstreamWPAConf != "" && p.UpstreamWPAConf != "" {
		overrides[p.UpstreamWPAConf] = p.GeneratedUpstreamWPAConf
	}
	if p.GeneratedAPAddressUnit != "" && p.APAddressUnit != "" {
		overrides[p.APAddressUnit] = p.GeneratedAPAddressUnit
	}
	if len(overrides) > 0 {
		paths.GeneratedOverrides = overrides
	}
	return paths
}

// Save writes the configuration to the specified YAML file path.
// The file is created with 0600 permissions as it contains passphrases.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}
