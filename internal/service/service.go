// Package service turns application server lifecycle events into MCMP
// traffic: contexts starting and stopping, periodic load reports and
// operator actions across the whole node.
package service

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/modcluster/mod-cluster-sub001/internal/handler"
	"github.com/modcluster/mod-cluster-sub001/internal/logger"
	"github.com/modcluster/mod-cluster-sub001/internal/mcmp"
	"github.com/modcluster/mod-cluster-sub001/internal/topology"
)

var log = logger.WithComponent("service")

// drainPollInterval is the pause between STOP-APP polls while draining
const drainPollInterval = 100 * time.Millisecond

// ProtocolHandler is the slice of the proxy pool the service drives
type ProtocolHandler interface {
	Init(ctx context.Context, addresses []string, listener handler.ConnectionListener) error
	SendRequest(ctx context.Context, req *mcmp.Request) map[string]handler.Result
	SendRequests(ctx context.Context, reqs []*mcmp.Request) map[string][]handler.Result
	Status(ctx context.Context)
	MarkAllInError()
	ResetDownToError()
	IsHealthy() bool
	Shutdown()
}

// LoadProvider reports the node's load-balance factor
type LoadProvider interface {
	LoadBalanceFactor() int
}

// StaticLoad is a fixed load-balance factor
type StaticLoad int

func (l StaticLoad) LoadBalanceFactor() int { return int(l) }

// Options tunes a Service
type Options struct {
	Exclusions topology.Exclusions
	// AutoEnable announces started contexts as enabled rather than disabled
	AutoEnable bool
	// StopTimeout bounds how long StopContext waits for in-flight requests
	// to drain. Zero sends a single STOP-APP.
	StopTimeout time.Duration
	Load        LoadProvider
}

// Service is the lifecycle adapter between the topology and the handler
type Service struct {
	server  topology.Server
	handler ProtocolHandler
	factory *mcmp.RequestFactory
	parser  *mcmp.ResponseParser
	opts    Options

	established atomic.Bool
}

// New creates a service over server and h
func New(server topology.Server, h ProtocolHandler, factory *mcmp.RequestFactory, opts Options) *Service {
	if opts.Load == nil {
		opts.Load = StaticLoad(1)
	}
	return &Service{
		server:  server,
		handler: h,
		factory: factory,
		parser:  mcmp.NewResponseParser(),
		opts:    opts,
	}
}

// addressBinder is implemented by connectors whose address is learned late
type addressBinder interface {
	BindAddress(ip net.IP) bool
}

// ConnectionEstablished binds connectors without an address to the local
// address of the first proxy connection
func (s *Service) ConnectionEstablished(localAddr net.Addr) {
	var ip net.IP
	if tcp, ok := localAddr.(*net.TCPAddr); ok {
		ip = tcp.IP
	}
	for _, engine := range s.server.Engines() {
		binder, ok := engine.ProxyConnector().(addressBinder)
		if !ok || ip == nil {
			continue
		}
		if binder.BindAddress(ip) {
			log.Info("engine %s announced on %s", engine.Route(), ip)
		}
	}
	s.established.Store(true)
}

// IsEstablished reports whether the node may be announced to proxies
func (s *Service) IsEstablished() bool { return s.established.Load() }

// Init connects to the proxies and announces every engine and started
// context
func (s *Service) Init(ctx context.Context, addresses []string) error {
	if err := s.handler.Init(ctx, addresses, s); err != nil {
		return err
	}
	s.announce(ctx)
	return nil
}

func (s *Service) announce(ctx context.Context) {
	var reqs []*mcmp.Request
	for _, engine := range s.server.Engines() {
		reqs = append(reqs, s.factory.CreateConfigRequest(engine))
		for _, host := range engine.Hosts() {
			for _, c := range host.Contexts() {
				if c.IsStarted() && s.included(c) {
					reqs = append(reqs, s.enableRequest(c))
				}
			}
		}
	}
	if len(reqs) > 0 {
		s.handler.SendRequests(ctx, reqs)
	}
}

func (s *Service) included(c topology.Context) bool {
	return !s.opts.Exclusions.Excluded(c.Host().Name(), c.Path())
}

func (s *Service) enableRequest(c topology.Context) *mcmp.Request {
	if s.opts.AutoEnable {
		return s.factory.CreateEnableRequest(c)
	}
	return s.factory.CreateDisableRequest(c)
}

// AddContext announces a newly deployed context if it is already running
func (s *Service) AddContext(ctx context.Context, c topology.Context) {
	if !s.included(c) || !c.IsStarted() {
		return
	}
	s.handler.SendRequest(ctx, s.enableRequest(c))
}

// StartContext announces a context that started
func (s *Service) StartContext(ctx context.Context, c topology.Context) {
	if !s.included(c) {
		return
	}
	s.handler.SendRequest(ctx, s.enableRequest(c))
}

// StopContext stops a context on every proxy. With a stop timeout the
// context is disabled first and STOP-APP is repeated until no proxy reports
// pending requests or the timeout expires. Returns false on timeout.
func (s *Service) StopContext(ctx context.Context, c topology.Context) bool {
	if !s.included(c) {
		return true
	}
	stop := s.factory.CreateStopRequest(c)
	if s.opts.StopTimeout <= 0 {
		s.handler.SendRequest(ctx, stop)
		return true
	}
	s.handler.SendRequest(ctx, s.factory.CreateDisableRequest(c))
	return s.drain(ctx, stop, c.Path())
}

func (s *Service) drain(ctx context.Context, stop *mcmp.Request, what string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		pending := 0
		for _, r := range s.handler.SendRequest(ctx, stop) {
			if r.OK {
				pending += s.parser.ParseStopAppResponse(r.Body)
			}
		}
		if pending == 0 {
			return true
		}
		log.Debug("%s: %d requests still in flight", what, pending)

		select {
		case <-ctx.Done():
			log.Warn("%s: %d requests still in flight after %s, stopping anyway", what, pending, s.opts.StopTimeout)
			return false
		case <-ticker.C:
		}
	}
}

// RemoveContext withdraws an undeployed context
func (s *Service) RemoveContext(ctx context.Context, c topology.Context) {
	if !s.included(c) {
		return
	}
	s.handler.SendRequest(ctx, s.factory.CreateRemoveRequest(c))
}

// RemoveEngine withdraws an engine and all its contexts
func (s *Service) RemoveEngine(ctx context.Context, engine topology.Engine) {
	s.handler.SendRequest(ctx, s.factory.CreateRemoveEngineRequest(engine))
}

// Status runs the handler's status pass then reports every engine's load
func (s *Service) Status(ctx context.Context) {
	s.handler.Status(ctx)
	if !s.IsEstablished() {
		return
	}
	lbf := s.opts.Load.LoadBalanceFactor()
	for _, engine := range s.server.Engines() {
		s.handler.SendRequest(ctx, s.factory.CreateStatusRequest(engine.Route(), lbf))
	}
}

// EnableAll enables every context of every engine
func (s *Service) EnableAll(ctx context.Context) {
	s.perEngine(ctx, s.factory.CreateEnableEngineRequest)
}

// DisableAll disables every context of every engine
func (s *Service) DisableAll(ctx context.Context) {
	s.perEngine(ctx, s.factory.CreateDisableEngineRequest)
}

// StopAll stops every engine, draining like StopContext. Returns false if
// any engine timed out.
func (s *Service) StopAll(ctx context.Context) bool {
	if s.opts.StopTimeout <= 0 {
		s.perEngine(ctx, s.factory.CreateStopEngineRequest)
		return true
	}
	s.perEngine(ctx, s.factory.CreateDisableEngineRequest)
	drained := true
	for _, engine := range s.server.Engines() {
		if !s.drain(ctx, s.factory.CreateStopEngineRequest(engine), engine.Route()) {
			drained = false
		}
	}
	return drained
}

func (s *Service) perEngine(ctx context.Context, build func(topology.Engine) *mcmp.Request) {
	engines := s.server.Engines()
	reqs := make([]*mcmp.Request, 0, len(engines))
	for _, engine := range engines {
		reqs = append(reqs, build(engine))
	}
	if len(reqs) > 0 {
		s.handler.SendRequests(ctx, reqs)
	}
}

// Refresh forces every healthy proxy through a fresh handshake and
// reconciliation on the next status pass
func (s *Service) Refresh() {
	log.Info("refreshing all proxies")
	s.handler.MarkAllInError()
}

// Reset makes DOWN proxies eligible for retry
func (s *Service) Reset() {
	log.Info("resetting DOWN proxies")
	s.handler.ResetDownToError()
}

// IsHealthy reports whether every proxy is OK
func (s *Service) IsHealthy() bool { return s.handler.IsHealthy() }

// Shutdown withdraws every engine and closes the proxy connections
func (s *Service) Shutdown(ctx context.Context) {
	s.perEngine(ctx, s.factory.CreateRemoveEngineRequest)
	s.handler.Shutdown()
	s.established.Store(false)
}
