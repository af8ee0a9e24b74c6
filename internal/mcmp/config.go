package mcmp

// Unset marks an integer tuning knob that is left to the proxy's default
const Unset = -1

// NodeConfig holds the per-node settings announced in CONFIG
type NodeConfig struct {
	LoadBalancingGroup string `yaml:"domain,omitempty"`
	FlushPackets       bool   `yaml:"flush_packets,omitempty"`
	FlushWait          int    `yaml:"flush_wait,omitempty"`
	Ping               int    `yaml:"ping,omitempty"`
	Smax               int    `yaml:"smax,omitempty"`
	TTL                int    `yaml:"ttl,omitempty"`
	NodeTimeout        int    `yaml:"node_timeout,omitempty"`
	Balancer           string `yaml:"balancer,omitempty"`
}

// DefaultNodeConfig leaves every knob to the proxy
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		FlushWait:   Unset,
		Ping:        Unset,
		Smax:        Unset,
		TTL:         Unset,
		NodeTimeout: Unset,
	}
}

// BalancerConfig holds the balancer settings announced in CONFIG
type BalancerConfig struct {
	StickySession       bool   `yaml:"sticky_session"`
	StickySessionCookie string `yaml:"sticky_session_cookie,omitempty"`
	StickySessionPath   string `yaml:"sticky_session_path,omitempty"`
	StickySessionRemove bool   `yaml:"sticky_session_remove,omitempty"`
	StickySessionForce  bool   `yaml:"sticky_session_force"`
	WorkerTimeout       int    `yaml:"worker_timeout,omitempty"`
	MaxAttempts         int    `yaml:"max_attempts,omitempty"`
}

// Protocol defaults. CONFIG only carries values that differ from these.
const (
	DefaultStickySessionCookie = "JSESSIONID"
	DefaultStickySessionPath   = "jsessionid"
)

// DefaultBalancerConfig returns the protocol defaults
func DefaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		StickySession:       true,
		StickySessionCookie: DefaultStickySessionCookie,
		StickySessionPath:   DefaultStickySessionPath,
		StickySessionForce:  true,
		WorkerTimeout:       Unset,
		MaxAttempts:         Unset,
	}
}
