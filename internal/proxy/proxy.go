// Package proxy manages the connection to a single MCMP front-end and
// tracks its health.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modcluster/mod-cluster-sub001/internal/logger"
	"github.com/modcluster/mod-cluster-sub001/internal/mcmp"
	"github.com/modcluster/mod-cluster-sub001/internal/metrics"
)

var log = logger.WithComponent("proxy")

// State is the health of a proxy
type State int32

const (
	// StateOK means requests flow to the proxy
	StateOK State = iota
	// StateError is a transient failure, retried every status cycle
	StateError
	// StateDown is a protocol failure that needs an operator reset
	StateDown
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateError:
		return "ERROR"
	case StateDown:
		return "DOWN"
	}
	return "UNKNOWN"
}

// errorTypeSyntax is the error category a proxy uses for requests it will
// never accept
const errorTypeSyntax = "SYNTAX"

// Config holds connection settings shared by all proxies
type Config struct {
	// LocalAddress is an optional source address for outgoing connections
	LocalAddress *net.TCPAddr
	// SocketTimeout bounds connect and each request/response round trip
	SocketTimeout time.Duration
	// BasePath is the request-line path, "/" when empty
	BasePath string
	// TLS enables TLS towards the proxy when set
	TLS *tls.Config
}

// connection is the exclusively owned socket and its buffers
type connection struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func (c *connection) close() {
	if c != nil && c.conn != nil {
		_ = c.conn.Close()
	}
}

// Proxy is one configured front-end. Proxies are identified by their
// remote address only.
type Proxy struct {
	address    *net.TCPAddr
	hostHeader string
	cfg        Config

	state         atomic.Int32
	established   atomic.Bool
	ioErrorLogged atomic.Bool

	// mu serializes traffic on the socket and guards conn
	mu   sync.Mutex
	conn *connection
}

// New creates a proxy in ERROR state so the next status cycle handshakes it
func New(address *net.TCPAddr, cfg Config) *Proxy {
	if cfg.BasePath == "" {
		cfg.BasePath = "/"
	}
	p := &Proxy{
		address:    address,
		hostHeader: hostHeader(address),
		cfg:        cfg,
	}
	p.state.Store(int32(StateError))
	return p
}

// ResolveAddress parses and resolves "host:port"
func ResolveAddress(address string) (*net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", strings.TrimSpace(address))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve proxy address %q: %w", address, err)
	}
	return addr, nil
}

func hostHeader(addr *net.TCPAddr) string {
	host := addr.IP.String()
	if addr.IP.To4() == nil && addr.IP != nil {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(addr.Port)
}

// Address returns the remote address
func (p *Proxy) Address() *net.TCPAddr { return p.address }

// Key is the identity used to deduplicate proxies
func (p *Proxy) Key() string { return p.address.String() }

func (p *Proxy) String() string { return p.Key() }

// State returns the current health
func (p *Proxy) State() State { return State(p.state.Load()) }

// SetState moves the proxy to s
func (p *Proxy) SetState(s State) {
	old := State(p.state.Swap(int32(s)))
	if old == s {
		return
	}
	// failures are reported where they happen; this only traces the change
	log.DebugWithFields(map[string]interface{}{"proxy": p.Key(), "from": old.String(), "to": s.String()}, "proxy state changed")
}

// Established reports whether the proxy has accepted this node
func (p *Proxy) Established() bool { return p.established.Load() }

// SetEstablished marks the proxy as knowing this node
func (p *Proxy) SetEstablished(v bool) { p.established.Store(v) }

// Reset moves a DOWN proxy back to ERROR so it is retried. Returns false
// for proxies in any other state.
func (p *Proxy) Reset() bool {
	if p.state.CompareAndSwap(int32(StateDown), int32(StateError)) {
		log.Info("proxy %s reset from DOWN to ERROR", p.Key())
		return true
	}
	return false
}

// LocalAddr returns the local end of the current connection, nil when
// disconnected.
func (p *Proxy) LocalAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.conn.LocalAddr()
}

// CloseConnection drops the current connection if any
func (p *Proxy) CloseConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Proxy) closeLocked() {
	if p.conn != nil {
		p.conn.close()
		p.conn = nil
	}
}

// Probe is the ERROR to OK transition attempt: drop any stale connection,
// optimistically mark OK and send info. The proxy keeps whatever state the
// exchange leaves it in.
func (p *Proxy) Probe(info *mcmp.Request) (string, bool) {
	p.CloseConnection()
	p.SetState(StateOK)
	return p.Send(info)
}

// Send performs one request/response round trip. It returns the response
// body and true on a 200 answer. Proxies that are not OK are skipped
// without side effects. Failures never escape; they are recorded in the
// proxy state and the connection is discarded.
func (p *Proxy) Send(req *mcmp.Request) (string, bool) {
	command := req.Type().Command()
	if p.State() != StateOK {
		metrics.RecordRequest(command, metrics.ResultSkipped)
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		if p.State() != StateOK {
			p.closeLocked()
		}
	}()

	// another sender may have failed while we waited for the lock
	if p.State() != StateOK {
		metrics.RecordRequest(command, metrics.ResultSkipped)
		return "", false
	}

	body := EncodeBody(req)
	head := requestHead(req, p.cfg.BasePath, p.hostHeader, len(body))
	if log.IsDebug() {
		log.Debug("sending to %s: %q", p.Key(), head+body)
	}

	c, err := p.writeWithRetry(head, body)
	if err != nil {
		p.ioFailure(command, err)
		return "", false
	}
	resp, err := readResponse(c.reader)
	if err != nil {
		p.ioFailure(command, err)
		return "", false
	}
	if resp.close {
		p.closeLocked()
	}

	if resp.status != 200 {
		fields := map[string]interface{}{
			"proxy":   p.Key(),
			"request": command,
			"status":  resp.status,
			"type":    resp.errorType,
			"mess":    resp.message,
		}
		if strings.EqualFold(resp.errorType, errorTypeSyntax) {
			p.SetState(StateDown)
			log.ErrorWithFields(fields, "proxy rejected request as malformed, marking DOWN")
			metrics.RecordRequest(command, metrics.ResultDown)
		} else {
			p.SetState(StateError)
			log.ErrorWithFields(fields, "proxy returned an error")
			metrics.RecordRequest(command, metrics.ResultError)
		}
		return "", false
	}

	if req.Type().EstablishesServer() {
		p.SetEstablished(true)
	}
	if p.State() == StateOK {
		p.ioErrorLogged.Store(false)
	}
	metrics.RecordRequest(command, metrics.ResultOK)
	return resp.body, true
}

// writeWithRetry writes the request, reconnecting and retrying exactly once
// if the first attempt fails. Reads are never retried.
func (p *Proxy) writeWithRetry(head, body string) (*connection, error) {
	c, err := p.connectLocked()
	if err == nil {
		if err = p.deadline(c); err == nil {
			err = writeRequest(c.writer, head, body)
		}
	}
	if err == nil {
		return c, nil
	}

	log.Debug("write to %s failed, reconnecting once: %v", p.Key(), err)
	p.closeLocked()
	c, err = p.connectLocked()
	if err != nil {
		return nil, err
	}
	if err := p.deadline(c); err != nil {
		return nil, err
	}
	if err := writeRequest(c.writer, head, body); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Proxy) deadline(c *connection) error {
	if p.cfg.SocketTimeout <= 0 {
		return c.conn.SetDeadline(time.Time{})
	}
	return c.conn.SetDeadline(time.Now().Add(p.cfg.SocketTimeout))
}

// connectLocked returns the open connection, dialing lazily
func (p *Proxy) connectLocked() (*connection, error) {
	if p.conn != nil {
		return p.conn, nil
	}

	dialer := net.Dialer{Timeout: p.cfg.SocketTimeout}
	if p.cfg.LocalAddress != nil {
		dialer.LocalAddr = p.cfg.LocalAddress
		if p.cfg.LocalAddress.Port != 0 {
			dialer.Control = reuseAddrControl
		}
	}

	ctx := context.Background()
	if p.cfg.SocketTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.SocketTimeout)
		defer cancel()
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.address.String())
	if err != nil {
		return nil, err
	}
	if p.cfg.TLS != nil {
		tlsConfig := p.cfg.TLS.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = p.address.IP.String()
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}

	p.conn = &connection{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
	log.Debug("connected to proxy %s from %s", p.Key(), conn.LocalAddr())
	return p.conn, nil
}

// ioFailure records a transport failure, logging only the first of a run
func (p *Proxy) ioFailure(command string, err error) {
	p.SetState(StateError)
	metrics.RecordRequest(command, metrics.ResultIOError)
	fields := map[string]interface{}{"proxy": p.Key(), "request": command, "error": err}
	if !p.ioErrorLogged.Swap(true) {
		log.ErrorWithFields(fields, "i/o failure talking to proxy")
	} else {
		log.DebugWithFields(fields, "i/o failure talking to proxy")
	}
}
