package topology

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoHostSpecs() []EngineSpec {
	return []EngineSpec{{
		Name:      "engine-1",
		Route:     "node1",
		Connector: ConnectorSpec{Port: 8009},
		Hosts: []HostSpec{
			{Name: "localhost", Aliases: []string{"www.example.com", "example.com", "localhost"}, Contexts: []ContextSpec{
				{Path: "", Started: true},
				{Path: "/app", Started: true},
				{Path: "/idle"},
			}},
			{Name: "other", Contexts: []ContextSpec{{Path: "/other", Started: true}}},
		},
	}}
}

func TestNewStaticServer(t *testing.T) {
	s, err := NewStaticServer(twoHostSpecs())
	require.NoError(t, err)

	engines := s.Engines()
	require.Len(t, engines, 1)
	e := engines[0]
	assert.Equal(t, "engine-1", e.Name())
	assert.Equal(t, "node1", e.Route())
	assert.Equal(t, ConnectorAJP, e.ProxyConnector().Type())
	assert.Nil(t, e.ProxyConnector().Address())

	hosts := e.Hosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, []string{"example.com", "localhost", "www.example.com"}, hosts[0].Aliases())
	assert.Equal(t, []string{"other"}, hosts[1].Aliases())
	assert.Same(t, e, hosts[0].Engine())

	contexts := hosts[0].Contexts()
	require.Len(t, contexts, 3)
	assert.Equal(t, "/", contexts[0].Path())
	assert.True(t, contexts[1].IsStarted())
	assert.False(t, contexts[2].IsStarted())
}

func TestNewStaticServerErrors(t *testing.T) {
	tests := []struct {
		name  string
		specs []EngineSpec
	}{
		{name: "missing route", specs: []EngineSpec{{Name: "e"}}},
		{name: "duplicate route", specs: []EngineSpec{{Route: "n"}, {Route: "n"}}},
		{name: "bad connector type", specs: []EngineSpec{{Route: "n", Connector: ConnectorSpec{Type: "ftp"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStaticServer(tt.specs)
			assert.Error(t, err)
		})
	}
}

func TestFindAndMutateContexts(t *testing.T) {
	s, err := NewStaticServer(twoHostSpecs())
	require.NoError(t, err)

	c, ok := s.FindContext("node1", "localhost", "")
	require.True(t, ok)
	assert.Equal(t, "/", c.Path())

	_, ok = s.FindContext("node1", "other", "/app")
	assert.False(t, ok)

	c, _ = s.FindContext("node1", "localhost", "/idle")
	c.SetStarted(true)
	assert.True(t, c.IsStarted())

	h := c.Host().(*StaticHost)
	added := h.AddContext("/new", false)
	assert.Len(t, h.Contexts(), 4)
	replaced := h.AddContext("/new", true)
	assert.NotSame(t, added, replaced)
	assert.Len(t, h.Contexts(), 4)

	assert.True(t, h.RemoveContext("/new"))
	assert.False(t, h.RemoveContext("/new"))
	assert.Len(t, h.Contexts(), 3)
}

func TestConnectorBindAddress(t *testing.T) {
	s, err := NewStaticServer([]EngineSpec{
		{Route: "a", Connector: ConnectorSpec{Port: 8009}},
		{Route: "b", Connector: ConnectorSpec{Address: "0.0.0.0", Port: 8080, Type: ConnectorHTTP}},
		{Route: "c", Connector: ConnectorSpec{Address: "192.168.1.5", Port: 8443, Type: ConnectorHTTPS, Reverse: true}},
	})
	require.NoError(t, err)
	ip := net.ParseIP("10.0.0.2")

	for _, e := range s.Engines() {
		binder := e.ProxyConnector().(*StaticConnector)
		switch e.Route() {
		case "a", "b":
			assert.True(t, binder.BindAddress(ip), e.Route())
			assert.Equal(t, "10.0.0.2", binder.Address().String())
			assert.False(t, binder.BindAddress(net.ParseIP("10.0.0.3")))
		case "c":
			assert.False(t, binder.BindAddress(ip))
			assert.Equal(t, "192.168.1.5", binder.Address().String())
			assert.True(t, binder.IsReverse())
			assert.Equal(t, 8443, binder.Port())
		}
	}
	assert.False(t, (&StaticConnector{}).BindAddress(nil))
}

func changeSummary(changes []Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Kind.String()+" "+c.Context.Host().Name()+c.Context.Path())
	}
	return out
}

func TestSync(t *testing.T) {
	s, err := NewStaticServer(twoHostSpecs())
	require.NoError(t, err)

	next := twoHostSpecs()
	next[0].Hosts[0].Contexts = []ContextSpec{
		{Path: "/", Started: true},
		{Path: "/app"},
		{Path: "/idle", Started: true},
		{Path: "/fresh", Started: true},
	}
	next[0].Hosts[1].Aliases = []string{"other.example.com"}

	changes, err := s.Sync(next)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"removed other/other",
		"stopped localhost/app",
		"started localhost/idle",
		"added localhost/fresh",
		"added other/other",
	}, changeSummary(changes))

	hosts := s.Engines()[0].Hosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, []string{"other", "other.example.com"}, hosts[1].Aliases())

	changes, err = s.Sync(next)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestSyncRemovesHostsAndContexts(t *testing.T) {
	s, err := NewStaticServer(twoHostSpecs())
	require.NoError(t, err)

	next := twoHostSpecs()
	next[0].Hosts = next[0].Hosts[:1]
	next[0].Hosts[0].Contexts = next[0].Hosts[0].Contexts[1:]

	changes, err := s.Sync(next)
	require.NoError(t, err)
	assert.Equal(t, []string{"removed other/other", "removed localhost/"}, changeSummary(changes))
	assert.Len(t, s.Engines()[0].Hosts(), 1)
}

func TestSyncRejectsEngineChanges(t *testing.T) {
	s, err := NewStaticServer(twoHostSpecs())
	require.NoError(t, err)

	_, err = s.Sync(nil)
	assert.Error(t, err)

	renamed := twoHostSpecs()
	renamed[0].Route = "node2"
	_, err = s.Sync(renamed)
	assert.Error(t, err)
}
