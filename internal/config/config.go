// Package config loads the agent's YAML configuration
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/modcluster/mod-cluster-sub001/internal/common"
	"github.com/modcluster/mod-cluster-sub001/internal/mcmp"
	"github.com/modcluster/mod-cluster-sub001/internal/proxy"
	"github.com/modcluster/mod-cluster-sub001/internal/topology"
	"github.com/modcluster/mod-cluster-sub001/internal/tracer"
)

// Environment overrides
const (
	EnvProxyList      = "MCMP_PROXY_LIST"
	EnvLogLevel       = "MCMP_LOG_LEVEL"
	EnvLogFormat      = "MCMP_LOG_FORMAT"
	EnvStatusInterval = "MCMP_STATUS_INTERVAL"
)

// Defaults
const (
	DefaultSocketTimeout  = 20 * time.Second
	DefaultStopTimeout    = 10 * time.Second
	DefaultStatusInterval = "10s"
	DefaultMetricsPath    = "/metrics"
)

// Config is the complete agent configuration
type Config struct {
	ConfigPath string `yaml:"-"`

	Node           mcmp.NodeConfig        `yaml:"node"`
	Balancer       mcmp.BalancerConfig    `yaml:"balancer"`
	Proxy          ProxySettings          `yaml:"proxy"`
	Context        ContextSettings        `yaml:"context"`
	Load           int                    `yaml:"load,omitempty"`
	StatusInterval string                 `yaml:"status_interval,omitempty"`
	Topology       []topology.EngineSpec  `yaml:"topology"`
	Metrics        MetricsSettings        `yaml:"metrics,omitempty"`
	Tracing        tracer.Config          `yaml:"tracing,omitempty"`
	HotReload      common.HotReloadConfig `yaml:"hot_reload,omitempty"`
	Logging        LoggingSettings        `yaml:"logging,omitempty"`
}

// ProxySettings lists the front-end proxies and how to reach them
type ProxySettings struct {
	List          []string         `yaml:"list"`
	URL           string           `yaml:"proxy_url,omitempty"`
	LocalAddress  string           `yaml:"local_address,omitempty"`
	SocketTimeout time.Duration    `yaml:"socket_timeout,omitempty"`
	TLS           *common.TLSFiles `yaml:"tls,omitempty"`
}

// ContextSettings controls how contexts are announced
type ContextSettings struct {
	Excluded    []string      `yaml:"excluded_contexts,omitempty"`
	AutoEnable  *bool         `yaml:"auto_enable_contexts,omitempty"`
	StopTimeout time.Duration `yaml:"stop_context_timeout,omitempty"`
}

// MetricsSettings enables the Prometheus endpoint when Address is set
type MetricsSettings struct {
	Address string `yaml:"address,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// LoggingSettings configures the default logger
type LoggingSettings struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns the configuration used for keys the file omits
func Default() *Config {
	return &Config{
		Node:           mcmp.DefaultNodeConfig(),
		Balancer:       mcmp.DefaultBalancerConfig(),
		Load:           1,
		StatusInterval: DefaultStatusInterval,
		Proxy:          ProxySettings{URL: "/", SocketTimeout: DefaultSocketTimeout},
		Context:        ContextSettings{StopTimeout: DefaultStopTimeout},
		Metrics:        MetricsSettings{Path: DefaultMetricsPath},
		HotReload:      common.DefaultHotReloadConfig(),
		Logging:        LoggingSettings{Level: "INFO", Format: "console"},
	}
}

// Load reads configPath, applies environment overrides and validates
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, configPath)
}

// Parse decodes YAML data. configPath is recorded for hot reload only.
func Parse(data []byte, configPath string) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ConfigPath = configPath

	applyEnvOverrides(cfg)
	if err := validateAndApplyDefaults(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvProxyList); v != "" {
		cfg.Proxy.List = splitList(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvStatusInterval); v != "" {
		cfg.StatusInterval = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validateAndApplyDefaults(cfg *Config) error {
	seen := make(map[string]bool)
	for i, address := range cfg.Proxy.List {
		addr, err := proxy.ResolveAddress(address)
		if err != nil {
			return fmt.Errorf("proxy.list[%d]: %w", i, err)
		}
		if seen[addr.String()] {
			return fmt.Errorf("proxy.list[%d]: duplicate proxy %s", i, address)
		}
		seen[addr.String()] = true
	}
	if cfg.Proxy.URL == "" {
		cfg.Proxy.URL = "/"
	}
	if !strings.HasPrefix(cfg.Proxy.URL, "/") {
		return fmt.Errorf("proxy.proxy_url must start with '/' (got: %s)", cfg.Proxy.URL)
	}
	if cfg.Proxy.LocalAddress != "" {
		if _, err := cfg.localAddress(); err != nil {
			return err
		}
	}
	if cfg.Proxy.SocketTimeout < 0 {
		return fmt.Errorf("proxy.socket_timeout must not be negative")
	}

	if cfg.Load == 0 {
		cfg.Load = 1
	}
	if cfg.Load < 1 || cfg.Load > 100 {
		return fmt.Errorf("load must be between 1 and 100 (got: %d)", cfg.Load)
	}

	if _, err := topology.ParseExclusions(cfg.Context.Excluded); err != nil {
		return fmt.Errorf("context.excluded_contexts: %w", err)
	}
	if cfg.Context.StopTimeout < 0 {
		return fmt.Errorf("context.stop_context_timeout must not be negative")
	}

	if cfg.StatusInterval == "" {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if _, err := cron.ParseStandard(cfg.StatusSchedule()); err != nil {
		return fmt.Errorf("status_interval %q: %w", cfg.StatusInterval, err)
	}

	if len(cfg.Topology) == 0 {
		return fmt.Errorf("topology must define at least one engine")
	}
	for i, engine := range cfg.Topology {
		if engine.Route == "" {
			return fmt.Errorf("topology[%d].route is required", i)
		}
		for j, host := range engine.Hosts {
			if host.Name == "" {
				return fmt.Errorf("topology[%d].hosts[%d].name is required", i, j)
			}
		}
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.HotReload.DebounceDelay <= 0 {
		cfg.HotReload.DebounceDelay = common.DefaultHotReloadConfig().DebounceDelay
	}
	return nil
}

// StatusSchedule returns the status interval as a cron spec. A plain
// duration such as "10s" becomes "@every 10s".
func (c *Config) StatusSchedule() string {
	if d, err := time.ParseDuration(c.StatusInterval); err == nil {
		return "@every " + d.String()
	}
	return c.StatusInterval
}

// AutoEnable reports whether started contexts are enabled automatically
func (c *Config) AutoEnable() bool {
	return c.Context.AutoEnable == nil || *c.Context.AutoEnable
}

// Exclusions returns the parsed excluded contexts
func (c *Config) Exclusions() topology.Exclusions {
	ex, _ := topology.ParseExclusions(c.Context.Excluded)
	return ex
}

func (c *Config) localAddress() (*net.TCPAddr, error) {
	address := c.Proxy.LocalAddress
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, "0")
	}
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("proxy.local_address %q: %w", c.Proxy.LocalAddress, err)
	}
	return addr, nil
}

// ProxyConfig builds the connection settings shared by every proxy
func (c *Config) ProxyConfig() (proxy.Config, error) {
	pc := proxy.Config{
		SocketTimeout: c.Proxy.SocketTimeout,
		BasePath:      c.Proxy.URL,
	}
	if c.Proxy.LocalAddress != "" {
		addr, err := c.localAddress()
		if err != nil {
			return proxy.Config{}, err
		}
		pc.LocalAddress = addr
	}
	if c.Proxy.TLS != nil {
		tlsConfig, err := common.LoadClientTLSConfig(*c.Proxy.TLS)
		if err != nil {
			return proxy.Config{}, fmt.Errorf("proxy.tls: %w", err)
		}
		pc.TLS = tlsConfig
	}
	return pc, nil
}

// ProxyDiff returns the proxies present only in next and only in prev
func ProxyDiff(prev, next []string) (added, removed []string) {
	inPrev := make(map[string]bool, len(prev))
	for _, p := range prev {
		inPrev[p] = true
	}
	inNext := make(map[string]bool, len(next))
	for _, p := range next {
		inNext[p] = true
		if !inPrev[p] {
			added = append(added, p)
		}
	}
	for _, p := range prev {
		if !inNext[p] {
			removed = append(removed, p)
		}
	}
	return added, removed
}
