// Package handler owns the pool of MCMP proxies: membership changes from
// discovery, request fan-out and the periodic status pass that brings
// failed proxies back and reconciles them.
package handler

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/modcluster/mod-cluster-sub001/internal/logger"
	"github.com/modcluster/mod-cluster-sub001/internal/mcmp"
	"github.com/modcluster/mod-cluster-sub001/internal/metrics"
	"github.com/modcluster/mod-cluster-sub001/internal/proxy"
	"github.com/modcluster/mod-cluster-sub001/internal/tracer"
)

var log = logger.WithComponent("handler")

// ConnectionListener is told when the first proxy accepts a connection, so
// the node can learn the local address it is reachable on.
type ConnectionListener interface {
	// ConnectionEstablished is called at most once per process
	ConnectionEstablished(localAddr net.Addr)
	// IsEstablished reports whether the node is ready to be announced
	IsEstablished() bool
}

// ResetRequestSource produces the requests that realign a proxy with the
// live topology
type ResetRequestSource interface {
	GetResetRequests(inventory mcmp.Inventory) []*mcmp.Request
}

// Result is one proxy's answer to a request. OK is false for skipped or
// failed proxies.
type Result struct {
	Body string
	OK   bool
}

// ProxyStatus is a point-in-time view of one proxy
type ProxyStatus struct {
	Address     string
	State       proxy.State
	Established bool
}

// Handler is the protocol handler over all configured proxies
type Handler struct {
	cfg         proxy.Config
	factory     *mcmp.RequestFactory
	parser      *mcmp.ResponseParser
	resetSource ResetRequestSource

	// mu guards proxies. Fan-out holds it for reading, membership changes
	// for writing.
	mu      sync.RWMutex
	proxies []*proxy.Proxy

	// pendingMu guards the staging lists and is always taken before mu
	pendingMu     sync.Mutex
	pendingAdd    []*proxy.Proxy
	pendingRemove []*proxy.Proxy

	listener    ConnectionListener
	initialized atomic.Bool
	// established fires the listener once process-wide
	established atomic.Bool
}

// New creates an empty, uninitialized handler
func New(cfg proxy.Config, factory *mcmp.RequestFactory, resetSource ResetRequestSource) *Handler {
	return &Handler{
		cfg:         cfg,
		factory:     factory,
		parser:      mcmp.NewResponseParser(),
		resetSource: resetSource,
	}
}

// Init seeds the pool with addresses and runs one health pass without
// reconciliation. Unresolvable addresses are reported and nothing is added.
// Addresses already in the pool are kept as they are.
func (h *Handler) Init(ctx context.Context, addresses []string, listener ConnectionListener) error {
	seeded := make([]*proxy.Proxy, 0, len(addresses))
	seen := make(map[string]bool)
	for _, address := range addresses {
		addr, err := proxy.ResolveAddress(address)
		if err != nil {
			return err
		}
		p := proxy.New(addr, h.cfg)
		if seen[p.Key()] {
			continue
		}
		seen[p.Key()] = true
		seeded = append(seeded, p)
	}

	h.mu.Lock()
	h.listener = listener
	for _, p := range seeded {
		if indexOf(h.proxies, p.Key()) < 0 {
			h.proxies = append(h.proxies, p)
		}
	}
	total := len(h.proxies)
	h.mu.Unlock()

	log.Info("initialized with %d proxies", total)
	h.status(ctx, false)
	h.initialized.Store(true)
	return nil
}

// IsInitialized reports whether Init ran and Shutdown has not
func (h *Handler) IsInitialized() bool { return h.initialized.Load() }

// AddProxy stages a proxy for addition on the next status pass. established
// pre-marks a proxy another cluster member already configured.
func (h *Handler) AddProxy(address string, established bool) error {
	addr, err := proxy.ResolveAddress(address)
	if err != nil {
		return err
	}
	p := proxy.New(addr, h.cfg)
	p.SetEstablished(established)
	key := p.Key()

	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	// re-adding a proxy that is about to be removed cancels the removal
	if i := indexOf(h.pendingRemove, key); i >= 0 {
		h.pendingRemove = append(h.pendingRemove[:i], h.pendingRemove[i+1:]...)
		log.Debug("proxy %s re-added before removal", key)
		return nil
	}
	if indexOf(h.pendingAdd, key) >= 0 {
		return nil
	}

	h.mu.RLock()
	live := indexOf(h.proxies, key) >= 0
	h.mu.RUnlock()
	if live {
		return nil
	}

	h.pendingAdd = append(h.pendingAdd, p)
	log.Info("proxy %s scheduled for addition", key)
	return nil
}

// RemoveProxy stages a proxy for removal on the next status pass
func (h *Handler) RemoveProxy(address string) error {
	addr, err := proxy.ResolveAddress(address)
	if err != nil {
		return err
	}
	key := addr.String()

	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	if i := indexOf(h.pendingAdd, key); i >= 0 {
		h.pendingAdd = append(h.pendingAdd[:i], h.pendingAdd[i+1:]...)
		log.Debug("proxy %s removed before it was added", key)
		return nil
	}
	if indexOf(h.pendingRemove, key) >= 0 {
		return nil
	}

	h.mu.RLock()
	var live *proxy.Proxy
	if i := indexOf(h.proxies, key); i >= 0 {
		live = h.proxies[i]
	}
	h.mu.RUnlock()
	if live == nil {
		return nil
	}

	h.pendingRemove = append(h.pendingRemove, live)
	log.Info("proxy %s scheduled for removal", key)
	return nil
}

// Shutdown closes every proxy connection
func (h *Handler) Shutdown() {
	h.mu.RLock()
	for _, p := range h.proxies {
		p.CloseConnection()
	}
	h.mu.RUnlock()
	h.initialized.Store(false)
	log.Info("handler shut down")
}

// SendRequest sends req to every proxy. Proxies that are not OK are skipped
// and yield a failed Result.
func (h *Handler) SendRequest(ctx context.Context, req *mcmp.Request) map[string]Result {
	_, span := tracer.StartSpan(ctx, "handler.fanout",
		tracer.StringAttr("request", req.Type().Command()))
	defer span.End()

	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string]Result, len(h.proxies))
	for _, p := range h.proxies {
		body, ok := p.Send(req)
		results[p.Key()] = Result{Body: body, OK: ok}
	}
	span.SetAttributes(tracer.IntAttr("proxies", len(results)))
	return results
}

// SendRequests sends reqs in order to every proxy. A proxy that fails part
// way skips the rest of the batch.
func (h *Handler) SendRequests(ctx context.Context, reqs []*mcmp.Request) map[string][]Result {
	_, span := tracer.StartSpan(ctx, "handler.fanout", tracer.IntAttr("requests", len(reqs)))
	defer span.End()

	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string][]Result, len(h.proxies))
	for _, p := range h.proxies {
		results[p.Key()] = sendAll(p, reqs)
	}
	return results
}

func sendAll(p *proxy.Proxy, reqs []*mcmp.Request) []Result {
	out := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		body, ok := p.Send(req)
		out = append(out, Result{Body: body, OK: ok})
	}
	return out
}

// Status is the periodic pass: apply staged membership changes, then try to
// bring every ERROR proxy back and reconcile it.
func (h *Handler) Status(ctx context.Context) {
	h.status(ctx, true)
}

func (h *Handler) status(ctx context.Context, reconcile bool) {
	cycle := uuid.NewString()
	ctx, span := tracer.StartSpan(ctx, "handler.status",
		tracer.StringAttr("cycle", cycle))
	defer span.End()
	metrics.RecordStatusCycle()

	h.applyPending()

	h.mu.RLock()
	defer h.mu.RUnlock()

	info := h.factory.CreateInfoRequest()
	for _, p := range h.proxies {
		if p.State() != proxy.StateError {
			continue
		}
		body, ok := p.Probe(info)
		if !ok {
			continue
		}
		log.InfoWithFields(map[string]interface{}{"proxy": p.Key(), "cycle": cycle}, "proxy is back")

		if h.listener != nil && h.established.CompareAndSwap(false, true) {
			h.listener.ConnectionEstablished(p.LocalAddr())
		}
		if reconcile && h.resetSource != nil && (h.listener == nil || h.listener.IsEstablished()) {
			h.reconcile(ctx, cycle, p, body)
		}
	}
}

// applyPending merges the staging lists into the pool. Any membership
// change drops every connection so all proxies reconnect cleanly.
func (h *Handler) applyPending() {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if len(h.pendingAdd) == 0 && len(h.pendingRemove) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.pendingAdd {
		if indexOf(h.proxies, p.Key()) < 0 {
			h.proxies = append(h.proxies, p)
			log.Info("proxy %s added", p.Key())
		}
	}
	for _, p := range h.pendingRemove {
		if i := indexOf(h.proxies, p.Key()); i >= 0 {
			h.proxies[i].CloseConnection()
			h.proxies = append(h.proxies[:i], h.proxies[i+1:]...)
			log.Info("proxy %s removed", p.Key())
		}
	}
	h.pendingAdd = nil
	h.pendingRemove = nil

	for _, p := range h.proxies {
		p.CloseConnection()
	}
}

func (h *Handler) reconcile(ctx context.Context, cycle string, p *proxy.Proxy, info string) {
	_, span := tracer.StartSpan(ctx, "handler.reconcile", tracer.StringAttr("proxy", p.Key()))
	defer span.End()

	inventory, err := h.parser.ParseInfoResponse(info)
	if err != nil {
		tracer.RecordError(span, err)
		log.WarnWithFields(map[string]interface{}{"proxy": p.Key(), "cycle": cycle, "error": err},
			"cannot parse INFO response, skipping reconciliation")
		return
	}
	requests := h.resetSource.GetResetRequests(inventory)
	span.SetAttributes(tracer.IntAttr("requests", len(requests)))
	log.DebugWithFields(map[string]interface{}{"proxy": p.Key(), "cycle": cycle, "requests": len(requests)},
		"reconciling proxy")

	for _, r := range sendAll(p, requests) {
		if !r.OK {
			span.SetAttributes(tracer.StringAttr("outcome", p.State().String()))
			return
		}
	}
	tracer.SetOK(span)
}

// MarkAllInError forces every OK proxy through a fresh handshake and
// reconciliation on the next status pass
func (h *Handler) MarkAllInError() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.proxies {
		if p.State() == proxy.StateOK {
			p.SetState(proxy.StateError)
		}
	}
}

// ResetDownToError makes DOWN proxies eligible for retry again
func (h *Handler) ResetDownToError() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.proxies {
		p.Reset()
	}
}

// IsHealthy reports whether every proxy is OK
func (h *Handler) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.proxies {
		if p.State() != proxy.StateOK {
			return false
		}
	}
	return true
}

// ProxyInfo returns every proxy's raw INFO answer
func (h *Handler) ProxyInfo(ctx context.Context) map[string]Result {
	return h.SendRequest(ctx, h.factory.CreateInfoRequest())
}

// ProxyConfiguration returns every proxy's raw DUMP answer
func (h *Handler) ProxyConfiguration(ctx context.Context) map[string]Result {
	return h.SendRequest(ctx, h.factory.CreateDumpRequest())
}

// Ping asks every proxy to ping the node registered under route, or to
// answer itself when route is empty
func (h *Handler) Ping(ctx context.Context, route string) map[string]bool {
	req := h.factory.CreatePingRequest()
	if route != "" {
		req = h.factory.CreatePingRequestForRoute(route)
	}
	return h.parsePings(h.SendRequest(ctx, req))
}

// PingURL asks every proxy to ping an arbitrary backend such as
// "ajp://10.0.0.5:8009"
func (h *Handler) PingURL(ctx context.Context, rawURL string) (map[string]bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ping url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid ping url %q: scheme and host are required", rawURL)
	}
	port, err := pingPort(u)
	if err != nil {
		return nil, err
	}
	req := h.factory.CreatePingRequestForURL(u.Scheme, u.Hostname(), port)
	return h.parsePings(h.SendRequest(ctx, req)), nil
}

func pingPort(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return 0, fmt.Errorf("invalid ping url %q: bad port", u.String())
		}
		return port, nil
	}
	switch u.Scheme {
	case "ajp":
		return 8009, nil
	case "https":
		return 443, nil
	case "http":
		return 80, nil
	}
	return 0, fmt.Errorf("invalid ping url %q: no port for scheme %q", u.String(), u.Scheme)
}

func (h *Handler) parsePings(results map[string]Result) map[string]bool {
	out := make(map[string]bool, len(results))
	for key, r := range results {
		out[key] = r.OK && h.parser.ParsePingResponse(r.Body)
	}
	return out
}

// Proxies returns the live pool in iteration order
func (h *Handler) Proxies() []ProxyStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ProxyStatus, 0, len(h.proxies))
	for _, p := range h.proxies {
		out = append(out, ProxyStatus{Address: p.Key(), State: p.State(), Established: p.Established()})
	}
	return out
}

// MetricsSnapshot adapts Proxies for the metrics collector
func (h *Handler) MetricsSnapshot() []metrics.ProxyInfo {
	proxies := h.Proxies()
	out := make([]metrics.ProxyInfo, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, metrics.ProxyInfo{Address: p.Address, State: p.State.String(), Established: p.Established})
	}
	return out
}

func indexOf(list []*proxy.Proxy, key string) int {
	for i, p := range list {
		if p.Key() == key {
			return i
		}
	}
	return -1
}
