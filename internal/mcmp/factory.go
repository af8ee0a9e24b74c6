package mcmp

import (
	"net"
	"strconv"
	"strings"

	"github.com/modcluster/mod-cluster-sub001/internal/topology"
)

// Parameter names used on the wire
const (
	ParamJVMRoute            = "JVMRoute"
	ParamHost                = "Host"
	ParamPort                = "Port"
	ParamType                = "Type"
	ParamScheme              = "Scheme"
	ParamReversed            = "Reversed"
	ParamDomain              = "Domain"
	ParamFlushPackets        = "flushpackets"
	ParamFlushWait           = "flushwait"
	ParamPing                = "ping"
	ParamSmax                = "smax"
	ParamTTL                 = "ttl"
	ParamTimeout             = "Timeout"
	ParamBalancer            = "Balancer"
	ParamStickySession       = "StickySession"
	ParamStickySessionCookie = "StickySessionCookie"
	ParamStickySessionPath   = "StickySessionPath"
	ParamStickySessionRemove = "StickySessionRemove"
	ParamStickySessionForce  = "StickySessionForce"
	ParamWaitWorker          = "WaitWorker"
	ParamMaxAttempts         = "Maxattempts"
	ParamContext             = "Context"
	ParamAlias               = "Alias"
	ParamLoad                = "Load"
)

var (
	infoRequest = NewRequest(TypeInfo, true, "")
	dumpRequest = NewRequest(TypeDump, true, "")
	pingRequest = NewRequest(TypePing, false, "")
)

// RequestFactory builds well-formed requests from topology objects
type RequestFactory struct {
	node     NodeConfig
	balancer BalancerConfig
}

// NewRequestFactory creates a factory announcing the given node and balancer settings
func NewRequestFactory(node NodeConfig, balancer BalancerConfig) *RequestFactory {
	return &RequestFactory{node: node, balancer: balancer}
}

// CreateConfigRequest announces engine and its proxy-facing connector
func (f *RequestFactory) CreateConfigRequest(engine topology.Engine) *Request {
	var params []Param
	add := func(name, value string) { params = append(params, Param{Name: name, Value: value}) }
	addInt := func(name string, value int) {
		if value != Unset {
			add(name, strconv.Itoa(value))
		}
	}

	if connector := engine.ProxyConnector(); connector != nil {
		add(ParamHost, FormatAddress(connector.Address()))
		add(ParamPort, strconv.Itoa(connector.Port()))
		add(ParamType, string(connector.Type()))
		if connector.IsReverse() {
			add(ParamReversed, "true")
		}
	}

	n := f.node
	if n.LoadBalancingGroup != "" {
		add(ParamDomain, n.LoadBalancingGroup)
	}
	if n.FlushPackets {
		add(ParamFlushPackets, "On")
	}
	addInt(ParamFlushWait, n.FlushWait)
	addInt(ParamPing, n.Ping)
	addInt(ParamSmax, n.Smax)
	addInt(ParamTTL, n.TTL)
	addInt(ParamTimeout, n.NodeTimeout)
	if n.Balancer != "" {
		add(ParamBalancer, n.Balancer)
	}

	b := f.balancer
	if !b.StickySession {
		add(ParamStickySession, "No")
	}
	if b.StickySessionCookie != "" && b.StickySessionCookie != DefaultStickySessionCookie {
		add(ParamStickySessionCookie, b.StickySessionCookie)
	}
	if b.StickySessionPath != "" && b.StickySessionPath != DefaultStickySessionPath {
		add(ParamStickySessionPath, b.StickySessionPath)
	}
	if b.StickySessionRemove {
		add(ParamStickySessionRemove, "Yes")
	}
	if !b.StickySessionForce {
		add(ParamStickySessionForce, "No")
	}
	addInt(ParamWaitWorker, b.WorkerTimeout)
	addInt(ParamMaxAttempts, b.MaxAttempts)

	return NewRequest(TypeConfig, false, engine.Route(), params...)
}

func (f *RequestFactory) contextRequest(typ RequestType, ctx topology.Context) *Request {
	host := ctx.Host()
	return NewRequest(typ, false, host.Engine().Route(),
		Param{Name: ParamContext, Value: topology.NormalizePath(ctx.Path())},
		Param{Name: ParamAlias, Value: strings.Join(host.Aliases(), ",")},
	)
}

func (f *RequestFactory) CreateEnableRequest(ctx topology.Context) *Request {
	return f.contextRequest(TypeEnableApp, ctx)
}

func (f *RequestFactory) CreateDisableRequest(ctx topology.Context) *Request {
	return f.contextRequest(TypeDisableApp, ctx)
}

func (f *RequestFactory) CreateStopRequest(ctx topology.Context) *Request {
	return f.contextRequest(TypeStopApp, ctx)
}

func (f *RequestFactory) CreateRemoveRequest(ctx topology.Context) *Request {
	return f.contextRequest(TypeRemoveApp, ctx)
}

// CreateRemoveContextRequest removes a context the proxy reported but
// which no longer exists locally, so no topology object is available.
func (f *RequestFactory) CreateRemoveContextRequest(route, path string, aliases []string) *Request {
	return NewRequest(TypeRemoveApp, false, route,
		Param{Name: ParamContext, Value: topology.NormalizePath(path)},
		Param{Name: ParamAlias, Value: strings.Join(aliases, ",")},
	)
}

func (f *RequestFactory) CreateEnableEngineRequest(engine topology.Engine) *Request {
	return NewRequest(TypeEnableApp, true, engine.Route())
}

func (f *RequestFactory) CreateDisableEngineRequest(engine topology.Engine) *Request {
	return NewRequest(TypeDisableApp, true, engine.Route())
}

func (f *RequestFactory) CreateStopEngineRequest(engine topology.Engine) *Request {
	return NewRequest(TypeStopApp, true, engine.Route())
}

func (f *RequestFactory) CreateRemoveEngineRequest(engine topology.Engine) *Request {
	return NewRequest(TypeRemoveApp, true, engine.Route())
}

// CreateStatusRequest reports the load-balance factor of a node
func (f *RequestFactory) CreateStatusRequest(route string, loadBalanceFactor int) *Request {
	return NewRequest(TypeStatus, false, route, Param{Name: ParamLoad, Value: strconv.Itoa(loadBalanceFactor)})
}

func (f *RequestFactory) CreateInfoRequest() *Request { return infoRequest }
func (f *RequestFactory) CreateDumpRequest() *Request { return dumpRequest }

// CreatePingRequest pings the proxy itself
func (f *RequestFactory) CreatePingRequest() *Request { return pingRequest }

// CreatePingRequestForRoute asks the proxy to ping a registered node
func (f *RequestFactory) CreatePingRequestForRoute(route string) *Request {
	return NewRequest(TypePing, false, route)
}

// CreatePingRequestForURL asks the proxy to ping an arbitrary backend
func (f *RequestFactory) CreatePingRequestForURL(scheme, host string, port int) *Request {
	return NewRequest(TypePing, false, "",
		Param{Name: ParamScheme, Value: scheme},
		Param{Name: ParamHost, Value: host},
		Param{Name: ParamPort, Value: strconv.Itoa(port)},
	)
}

// FormatAddress renders an IP literal, bracketing IPv6
func FormatAddress(ip net.IP) string {
	if ip == nil {
		return ""
	}
	if ip.To4() == nil {
		return "[" + ip.String() + "]"
	}
	return ip.String()
}
