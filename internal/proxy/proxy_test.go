package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modcluster/mod-cluster-sub001/internal/mcmp"
)

// recorded is one request as received by the fake proxy
type recorded struct {
	line    string
	headers map[string]string
	body    string
}

// fakeProxy is a scripted MCMP front-end on a loopback listener. respond
// returns the raw response; an empty string closes the connection instead.
type fakeProxy struct {
	ln       net.Listener
	respond  func(recorded) string
	accepted atomic.Int32

	mu       sync.Mutex
	requests []recorded
}

func newFakeProxy(t *testing.T, respond func(recorded) string) *fakeProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeProxy{ln: ln, respond: respond}
	go f.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeProxy) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.accepted.Add(1)
		go f.serve(conn)
	}
}

func (f *fakeProxy) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		rec := recorded{line: strings.TrimRight(line, "\r\n"), headers: make(map[string]string)}
		for {
			h, err := r.ReadString('\n')
			if err != nil {
				return
			}
			h = strings.TrimRight(h, "\r\n")
			if h == "" {
				break
			}
			name, value, _ := strings.Cut(h, ":")
			rec.headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
		if n, _ := strconv.Atoi(rec.headers["Content-Length"]); n > 0 {
			buf := make([]byte, n)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			rec.body = string(buf)
		}
		f.mu.Lock()
		f.requests = append(f.requests, rec)
		f.mu.Unlock()

		resp := f.respond(rec)
		if resp == "" {
			return
		}
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
		if strings.Contains(resp, "Connection: close") {
			return
		}
	}
}

func (f *fakeProxy) addr() *net.TCPAddr { return f.ln.Addr().(*net.TCPAddr) }

func (f *fakeProxy) received() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recorded, len(f.requests))
	copy(out, f.requests)
	return out
}

func ok200(body string) string {
	return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
}

func errorResponse(errType string) string {
	return "HTTP/1.1 500 Internal Server Error\r\nType: " + errType + "\r\nMess: refused\r\nContent-Length: 0\r\n\r\n"
}

var infoRequest = mcmp.NewRequest(mcmp.TypeInfo, true, "")

func testConfig() Config {
	return Config{SocketTimeout: 2 * time.Second}
}

func TestNewProxyStartsInError(t *testing.T) {
	p := New(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 6666}, Config{})
	assert.Equal(t, StateError, p.State())
	assert.False(t, p.Established())
	assert.Equal(t, "10.0.0.1:6666", p.Key())
	assert.Equal(t, "/", p.cfg.BasePath)
}

func TestHostHeader(t *testing.T) {
	assert.Equal(t, "10.0.0.1:6666", hostHeader(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 6666}))
	assert.Equal(t, "[::1]:6666", hostHeader(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 6666}))
}

func TestProbeSucceeds(t *testing.T) {
	fake := newFakeProxy(t, func(recorded) string { return ok200("Node: [1],Name: node1") })
	p := New(fake.addr(), testConfig())

	body, ok := p.Probe(infoRequest)
	require.True(t, ok)
	assert.Equal(t, "Node: [1],Name: node1", body)
	assert.Equal(t, StateOK, p.State())
	assert.NotNil(t, p.LocalAddr())
	assert.False(t, p.Established(), "INFO does not establish the node")

	reqs := fake.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, "INFO /* HTTP/1.1", reqs[0].line)
	assert.Equal(t, "ClusterListener/1.0", reqs[0].headers["User-Agent"])
	assert.Equal(t, "Keep-Alive", reqs[0].headers["Connection"])
	assert.Equal(t, fake.addr().String(), reqs[0].headers["Host"])
}

func TestConnectionIsReused(t *testing.T) {
	fake := newFakeProxy(t, func(recorded) string { return ok200("") })
	p := New(fake.addr(), testConfig())
	p.SetState(StateOK)

	for i := 0; i < 3; i++ {
		_, ok := p.Send(mcmp.NewRequest(mcmp.TypeStatus, false, "node1", mcmp.Param{Name: "Load", Value: "1"}))
		require.True(t, ok)
	}
	assert.Equal(t, int32(1), fake.accepted.Load())
	reqs := fake.received()
	require.Len(t, reqs, 3)
	assert.Equal(t, "JVMRoute=node1&Load=1", reqs[0].body)
	assert.Equal(t, "21", reqs[0].headers["Content-Length"])
}

func TestEstablishingRequestMarksProxy(t *testing.T) {
	fake := newFakeProxy(t, func(recorded) string { return ok200("") })
	p := New(fake.addr(), testConfig())
	p.SetState(StateOK)

	_, ok := p.Send(mcmp.NewRequest(mcmp.TypeConfig, false, "node1"))
	require.True(t, ok)
	assert.True(t, p.Established())
}

func TestSyntaxErrorMarksDown(t *testing.T) {
	fake := newFakeProxy(t, func(recorded) string { return errorResponse("SYNTAX") })
	p := New(fake.addr(), testConfig())
	p.SetState(StateOK)

	_, ok := p.Send(mcmp.NewRequest(mcmp.TypeConfig, false, "node1"))
	assert.False(t, ok)
	assert.Equal(t, StateDown, p.State())
	assert.False(t, p.Established())
	assert.Nil(t, p.LocalAddr(), "connection must be discarded")

	// DOWN proxies receive nothing
	_, ok = p.Send(mcmp.NewRequest(mcmp.TypeStatus, false, "node1"))
	assert.False(t, ok)
	assert.Len(t, fake.received(), 1)
}

func TestRecoverableErrorMarksError(t *testing.T) {
	fake := newFakeProxy(t, func(recorded) string { return errorResponse("MEM") })
	p := New(fake.addr(), testConfig())

	_, ok := p.Probe(infoRequest)
	assert.False(t, ok)
	assert.Equal(t, StateError, p.State())
	assert.Nil(t, p.LocalAddr())
}

func TestResetOnlyFromDown(t *testing.T) {
	var syntax atomic.Bool
	syntax.Store(true)
	fake := newFakeProxy(t, func(recorded) string {
		if syntax.Load() {
			return errorResponse("SYNTAX")
		}
		return ok200("")
	})
	p := New(fake.addr(), testConfig())

	assert.False(t, p.Reset(), "ERROR proxies are not reset")

	_, ok := p.Probe(infoRequest)
	require.False(t, ok)
	require.Equal(t, StateDown, p.State())

	assert.True(t, p.Reset())
	assert.Equal(t, StateError, p.State())

	syntax.Store(false)
	_, ok = p.Probe(infoRequest)
	assert.True(t, ok)
	assert.Equal(t, StateOK, p.State())
	assert.False(t, p.Reset())
}

func TestSkipsWhenNotOK(t *testing.T) {
	fake := newFakeProxy(t, func(recorded) string { return ok200("") })
	p := New(fake.addr(), testConfig())

	body, ok := p.Send(infoRequest)
	assert.False(t, ok)
	assert.Empty(t, body)
	assert.Equal(t, StateError, p.State())
	assert.Equal(t, int32(0), fake.accepted.Load())
}

func TestWriteFailureRetriesOnce(t *testing.T) {
	fake := newFakeProxy(t, func(recorded) string { return ok200("pong") })
	p := New(fake.addr(), testConfig())
	p.SetState(StateOK)

	// plant a dead connection so the first write fails
	client, server := net.Pipe()
	_ = server.Close()
	_ = client.Close()
	p.conn = &connection{conn: client, reader: bufio.NewReader(client), writer: bufio.NewWriter(client)}

	body, ok := p.Send(mcmp.NewRequest(mcmp.TypePing, false, ""))
	require.True(t, ok)
	assert.Equal(t, "pong", body)
	assert.Equal(t, StateOK, p.State())
	assert.Len(t, fake.received(), 1)
}

func TestReadFailureIsNotRetried(t *testing.T) {
	fake := newFakeProxy(t, func(recorded) string { return "" })
	p := New(fake.addr(), testConfig())
	p.SetState(StateOK)

	_, ok := p.Send(mcmp.NewRequest(mcmp.TypeStatus, false, "node1"))
	assert.False(t, ok)
	assert.Equal(t, StateError, p.State())
	assert.Len(t, fake.received(), 1)
	assert.Equal(t, int32(1), fake.accepted.Load())
	assert.True(t, p.ioErrorLogged.Load())
}

func TestConnectFailureMarksError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	p := New(addr, Config{SocketTimeout: 500 * time.Millisecond})
	_, ok := p.Probe(infoRequest)
	assert.False(t, ok)
	assert.Equal(t, StateError, p.State())

	// repeated failures stay suppressed until a success clears the flag
	assert.True(t, p.ioErrorLogged.Load())
	_, ok = p.Probe(infoRequest)
	assert.False(t, ok)
	assert.True(t, p.ioErrorLogged.Load())
}

func TestConnectionCloseHeaderDropsConnection(t *testing.T) {
	fake := newFakeProxy(t, func(recorded) string {
		return "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nbye"
	})
	p := New(fake.addr(), testConfig())
	p.SetState(StateOK)

	body, ok := p.Send(mcmp.NewRequest(mcmp.TypeDump, true, ""))
	require.True(t, ok)
	assert.Equal(t, "bye", body)
	assert.Equal(t, StateOK, p.State())
	assert.Nil(t, p.LocalAddr())
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	fake := newFakeProxy(t, func(recorded) string {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return ok200("")
	})
	p := New(fake.addr(), testConfig())
	p.SetState(StateOK)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Send(mcmp.NewRequest(mcmp.TypeStatus, false, "node1"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, int32(1), fake.accepted.Load())
	assert.Len(t, fake.received(), 8)
}

func TestResolveAddress(t *testing.T) {
	addr, err := ResolveAddress(" 127.0.0.1:6666 ")
	require.NoError(t, err)
	assert.Equal(t, 6666, addr.Port)

	_, err = ResolveAddress("no-port")
	assert.Error(t, err)
}
