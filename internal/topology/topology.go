// Package topology describes the live set of engines, virtual hosts and
// contexts running in the application server. The MCMP core only reads it;
// each hosting runtime supplies its own implementation.
package topology

import (
	"net"
	"strings"
)

// ConnectorType is the protocol a proxy uses to reach an engine
type ConnectorType string

const (
	ConnectorAJP   ConnectorType = "ajp"
	ConnectorHTTP  ConnectorType = "http"
	ConnectorHTTPS ConnectorType = "https"
)

// Connector is the endpoint an engine exposes to proxies
type Connector interface {
	// Address returns the bound IP. Nil or unspecified until the agent
	// learns its local address from the first established proxy.
	Address() net.IP
	Port() int
	Type() ConnectorType
	IsReverse() bool
}

// Server is the root of the live topology
type Server interface {
	Engines() []Engine
}

// Engine is a routable node, identified towards proxies by its route
type Engine interface {
	Name() string
	Route() string
	Hosts() []Host
	ProxyConnector() Connector
}

// Host is a virtual host. Aliases include the host name itself.
type Host interface {
	Name() string
	Aliases() []string
	Contexts() []Context
	Engine() Engine
}

// Context is a deployed web application
type Context interface {
	Path() string
	Host() Host
	IsStarted() bool
}

// NormalizePath maps the root context to "/"
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	return path
}
