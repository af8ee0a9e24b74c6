package topology

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
)

// ConnectorSpec describes a connector in configuration
type ConnectorSpec struct {
	Address string        `yaml:"address,omitempty"`
	Port    int           `yaml:"port"`
	Type    ConnectorType `yaml:"type,omitempty"`
	Reverse bool          `yaml:"reverse,omitempty"`
}

// ContextSpec describes a context in configuration
type ContextSpec struct {
	Path    string `yaml:"path"`
	Started bool   `yaml:"started"`
}

// HostSpec describes a virtual host in configuration
type HostSpec struct {
	Name     string        `yaml:"name"`
	Aliases  []string      `yaml:"aliases,omitempty"`
	Contexts []ContextSpec `yaml:"contexts,omitempty"`
}

// EngineSpec describes an engine in configuration
type EngineSpec struct {
	Name      string        `yaml:"name"`
	Route     string        `yaml:"route"`
	Connector ConnectorSpec `yaml:"connector"`
	Hosts     []HostSpec    `yaml:"hosts,omitempty"`
}

// StaticServer is an in-memory topology, used when the agent runs beside a
// server that announces its applications through configuration, and by tests.
type StaticServer struct {
	mu      sync.RWMutex
	engines []*StaticEngine
}

// NewStaticServer builds a topology from specs. Routes must be unique.
func NewStaticServer(specs []EngineSpec) (*StaticServer, error) {
	s := &StaticServer{}
	seen := make(map[string]bool)
	for _, es := range specs {
		if es.Route == "" {
			return nil, fmt.Errorf("engine %q has no route", es.Name)
		}
		if seen[es.Route] {
			return nil, fmt.Errorf("duplicate engine route %q", es.Route)
		}
		seen[es.Route] = true

		connector, err := newStaticConnector(es.Connector)
		if err != nil {
			return nil, fmt.Errorf("engine %q: %w", es.Route, err)
		}
		e := &StaticEngine{server: s, name: es.Name, route: es.Route, connector: connector}
		if e.name == "" {
			e.name = es.Route
		}
		for _, hs := range es.Hosts {
			h := e.addHost(hs.Name, hs.Aliases)
			for _, cs := range hs.Contexts {
				h.AddContext(cs.Path, cs.Started)
			}
		}
		s.engines = append(s.engines, e)
	}
	return s, nil
}

// Engines returns the engines in configuration order
func (s *StaticServer) Engines() []Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Engine, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, e)
	}
	return out
}

// FindContext looks up a context by route, host name and path
func (s *StaticServer) FindContext(route, host, path string) (*StaticContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path = NormalizePath(path)
	for _, e := range s.engines {
		if e.route != route {
			continue
		}
		for _, h := range e.hosts {
			if h.name != host {
				continue
			}
			for _, c := range h.contexts {
				if c.path == path {
					return c, true
				}
			}
		}
	}
	return nil, false
}

// StaticEngine is an engine of a StaticServer
type StaticEngine struct {
	server    *StaticServer
	name      string
	route     string
	connector *StaticConnector
	hosts     []*StaticHost
}

func (e *StaticEngine) Name() string              { return e.name }
func (e *StaticEngine) Route() string             { return e.route }
func (e *StaticEngine) ProxyConnector() Connector { return e.connector }

// Hosts returns a snapshot of the engine's hosts
func (e *StaticEngine) Hosts() []Host {
	e.server.mu.RLock()
	defer e.server.mu.RUnlock()
	out := make([]Host, 0, len(e.hosts))
	for _, h := range e.hosts {
		out = append(out, h)
	}
	return out
}

func (e *StaticEngine) addHost(name string, aliases []string) *StaticHost {
	h := &StaticHost{engine: e, name: name, aliases: aliasSet(name, aliases)}
	e.hosts = append(e.hosts, h)
	return h
}

// StaticHost is a virtual host of a StaticEngine
type StaticHost struct {
	engine   *StaticEngine
	name     string
	aliases  []string
	contexts []*StaticContext
}

func (h *StaticHost) Name() string   { return h.name }
func (h *StaticHost) Engine() Engine { return h.engine }

// Aliases returns the sorted alias set, host name included
func (h *StaticHost) Aliases() []string {
	out := make([]string, len(h.aliases))
	copy(out, h.aliases)
	return out
}

// Contexts returns a snapshot of the deployed contexts
func (h *StaticHost) Contexts() []Context {
	h.engine.server.mu.RLock()
	defer h.engine.server.mu.RUnlock()
	out := make([]Context, 0, len(h.contexts))
	for _, c := range h.contexts {
		out = append(out, c)
	}
	return out
}

// AddContext deploys a context, replacing any context at the same path
func (h *StaticHost) AddContext(path string, started bool) *StaticContext {
	h.engine.server.mu.Lock()
	defer h.engine.server.mu.Unlock()
	c := &StaticContext{host: h, path: NormalizePath(path)}
	c.started.Store(started)
	for i, existing := range h.contexts {
		if existing.path == c.path {
			h.contexts[i] = c
			return c
		}
	}
	h.contexts = append(h.contexts, c)
	return c
}

// RemoveContext undeploys the context at path
func (h *StaticHost) RemoveContext(path string) bool {
	h.engine.server.mu.Lock()
	defer h.engine.server.mu.Unlock()
	path = NormalizePath(path)
	for i, c := range h.contexts {
		if c.path == path {
			h.contexts = append(h.contexts[:i], h.contexts[i+1:]...)
			return true
		}
	}
	return false
}

// StaticContext is a context of a StaticHost
type StaticContext struct {
	host    *StaticHost
	path    string
	started atomic.Bool
}

func (c *StaticContext) Path() string    { return c.path }
func (c *StaticContext) Host() Host      { return c.host }
func (c *StaticContext) IsStarted() bool { return c.started.Load() }

// SetStarted flips the running flag
func (c *StaticContext) SetStarted(started bool) { c.started.Store(started) }

// StaticConnector is a connector whose address can be bound late
type StaticConnector struct {
	mu       sync.RWMutex
	address  net.IP
	port     int
	protocol ConnectorType
	reverse  bool
}

func newStaticConnector(spec ConnectorSpec) (*StaticConnector, error) {
	c := &StaticConnector{port: spec.Port, protocol: spec.Type, reverse: spec.Reverse}
	if c.protocol == "" {
		c.protocol = ConnectorAJP
	}
	switch c.protocol {
	case ConnectorAJP, ConnectorHTTP, ConnectorHTTPS:
	default:
		return nil, fmt.Errorf("unsupported connector type %q", spec.Type)
	}
	if spec.Address != "" {
		ip := net.ParseIP(spec.Address)
		if ip == nil {
			addrs, err := net.LookupIP(spec.Address)
			if err != nil || len(addrs) == 0 {
				return nil, fmt.Errorf("cannot resolve connector address %q: %v", spec.Address, err)
			}
			ip = addrs[0]
		}
		c.address = ip
	}
	return c, nil
}

func (c *StaticConnector) Address() net.IP {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

func (c *StaticConnector) Port() int           { return c.port }
func (c *StaticConnector) Type() ConnectorType { return c.protocol }
func (c *StaticConnector) IsReverse() bool     { return c.reverse }

// BindAddress sets the connector address if it is still unknown or
// unspecified. Returns true when the address changed.
func (c *StaticConnector) BindAddress(ip net.IP) bool {
	if ip == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.address != nil && !c.address.IsUnspecified() {
		return false
	}
	c.address = ip
	return true
}

// ChangeKind classifies a context change found by Sync
type ChangeKind int

const (
	ContextAdded ChangeKind = iota
	ContextStarted
	ContextStopped
	ContextRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ContextAdded:
		return "added"
	case ContextStarted:
		return "started"
	case ContextStopped:
		return "stopped"
	case ContextRemoved:
		return "removed"
	}
	return "unknown"
}

// Change is one context transition. Removed contexts keep their host.
type Change struct {
	Kind    ChangeKind
	Context *StaticContext
}

// Sync moves the topology to specs and returns the context changes in
// engine order. The set of engine routes must not change; hosts and
// contexts may. A host whose aliases changed is replaced.
func (s *StaticServer) Sync(specs []EngineSpec) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(specs) != len(s.engines) {
		return nil, fmt.Errorf("engine set changed: restart required")
	}
	byRoute := make(map[string]EngineSpec, len(specs))
	for _, es := range specs {
		byRoute[es.Route] = es
	}

	var changes []Change
	for _, e := range s.engines {
		es, ok := byRoute[e.route]
		if !ok {
			return nil, fmt.Errorf("engine set changed: restart required")
		}
		changes = append(changes, e.syncHosts(es.Hosts)...)
	}
	return changes, nil
}

// syncHosts is called with the server lock held
func (e *StaticEngine) syncHosts(specs []HostSpec) []Change {
	var changes []Change
	wanted := make(map[string]HostSpec, len(specs))
	for _, hs := range specs {
		wanted[hs.Name] = hs
	}

	kept := e.hosts[:0]
	current := make(map[string]*StaticHost)
	for _, h := range e.hosts {
		hs, ok := wanted[h.name]
		if ok && sameStrings(h.aliases, aliasSet(hs.Name, hs.Aliases)) {
			kept = append(kept, h)
			current[h.name] = h
			continue
		}
		for _, c := range h.contexts {
			changes = append(changes, Change{Kind: ContextRemoved, Context: c})
		}
	}
	e.hosts = kept

	for _, hs := range specs {
		h, ok := current[hs.Name]
		if !ok {
			h = e.addHost(hs.Name, hs.Aliases)
		}
		changes = append(changes, h.syncContexts(hs.Contexts)...)
	}
	return changes
}

func (h *StaticHost) syncContexts(specs []ContextSpec) []Change {
	var changes []Change
	wanted := make(map[string]bool, len(specs))
	for _, cs := range specs {
		wanted[NormalizePath(cs.Path)] = cs.Started
	}

	kept := h.contexts[:0]
	existing := make(map[string]*StaticContext)
	for _, c := range h.contexts {
		if _, ok := wanted[c.path]; !ok {
			changes = append(changes, Change{Kind: ContextRemoved, Context: c})
			continue
		}
		kept = append(kept, c)
		existing[c.path] = c
	}
	h.contexts = kept

	for _, cs := range specs {
		path := NormalizePath(cs.Path)
		c, ok := existing[path]
		if !ok {
			c = &StaticContext{host: h, path: path}
			c.started.Store(cs.Started)
			h.contexts = append(h.contexts, c)
			existing[path] = c
			changes = append(changes, Change{Kind: ContextAdded, Context: c})
			continue
		}
		switch {
		case cs.Started && !c.IsStarted():
			c.SetStarted(true)
			changes = append(changes, Change{Kind: ContextStarted, Context: c})
		case !cs.Started && c.IsStarted():
			c.SetStarted(false)
			changes = append(changes, Change{Kind: ContextStopped, Context: c})
		}
	}
	return changes
}

func aliasSet(name string, aliases []string) []string {
	set := map[string]bool{name: true}
	all := []string{name}
	for _, a := range aliases {
		if a != "" && !set[a] {
			set[a] = true
			all = append(all, a)
		}
	}
	sort.Strings(all)
	return all
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
