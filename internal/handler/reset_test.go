package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modcluster/mod-cluster-sub001/internal/mcmp"
	"github.com/modcluster/mod-cluster-sub001/internal/topology"
)

func newTopology(t *testing.T, specs ...topology.EngineSpec) *topology.StaticServer {
	t.Helper()
	s, err := topology.NewStaticServer(specs)
	require.NoError(t, err)
	return s
}

func engineSpec(route string, hosts ...topology.HostSpec) topology.EngineSpec {
	return topology.EngineSpec{
		Route:     route,
		Connector: topology.ConnectorSpec{Address: "127.0.0.1", Port: 8009, Type: topology.ConnectorAJP},
		Hosts:     hosts,
	}
}

func hostSpec(name string, aliases []string, contexts ...topology.ContextSpec) topology.HostSpec {
	return topology.HostSpec{Name: name, Aliases: aliases, Contexts: contexts}
}

func started(path string) topology.ContextSpec { return topology.ContextSpec{Path: path, Started: true} }
func stopped(path string) topology.ContextSpec { return topology.ContextSpec{Path: path} }

func vhost(aliases []string, contexts map[string]mcmp.Status) *mcmp.VirtualHost {
	v := &mcmp.VirtualHost{Aliases: make(map[string]struct{}), Contexts: make(map[string]mcmp.Status)}
	for _, a := range aliases {
		v.Aliases[a] = struct{}{}
	}
	for path, status := range contexts {
		v.Contexts[path] = status
	}
	return v
}

func newReconciler(server topology.Server, exclusions topology.Exclusions, autoEnable bool) *Reconciler {
	factory := mcmp.NewRequestFactory(mcmp.DefaultNodeConfig(), mcmp.DefaultBalancerConfig())
	return NewReconciler(server, factory, exclusions, autoEnable)
}

// summary renders requests as "VERB route[*] context" for compact assertions
func summary(reqs []*mcmp.Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		s := r.Type().Command() + " " + r.Route()
		if r.Wildcard() {
			s += "*"
		}
		if ctx, ok := r.Param(mcmp.ParamContext); ok {
			s += " " + ctx
		}
		out = append(out, s)
	}
	return out
}

func TestResetRequestsMatchingInventory(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", []string{"example.com"}, started("/app"), stopped("/off"))))
	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost", "example.com"}, map[string]mcmp.Status{
			"/app": mcmp.StatusEnabled,
			"/off": mcmp.StatusStopped,
		})},
	}

	reqs := newReconciler(server, nil, true).GetResetRequests(inventory)
	assert.Equal(t, []string{"CONFIG node1"}, summary(reqs))
}

func TestResetRequestsEnablesRunningContext(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", nil, started("/app"))))
	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost"}, map[string]mcmp.Status{"/app": mcmp.StatusDisabled})},
	}

	reqs := newReconciler(server, nil, true).GetResetRequests(inventory)
	assert.Equal(t, []string{"CONFIG node1", "ENABLE-APP node1 /app"}, summary(reqs))

	alias, _ := reqs[1].Param(mcmp.ParamAlias)
	assert.Equal(t, "localhost", alias)
}

func TestResetRequestsDisablesWhenAutoEnableOff(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", nil, started("/app"))))
	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost"}, map[string]mcmp.Status{"/app": mcmp.StatusStopped})},
	}

	reqs := newReconciler(server, nil, false).GetResetRequests(inventory)
	assert.Equal(t, []string{"CONFIG node1", "DISABLE-APP node1 /app"}, summary(reqs))
}

func TestResetRequestsStopsStoppedContext(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", nil, stopped("/app"), stopped("/other"))))
	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost"}, map[string]mcmp.Status{
			"/app":   mcmp.StatusEnabled,
			"/other": mcmp.StatusDisabled,
		})},
	}

	reqs := newReconciler(server, nil, true).GetResetRequests(inventory)
	assert.Equal(t, []string{"CONFIG node1", "STOP-APP node1 /app"}, summary(reqs))
}

func TestResetRequestsCollapsesFullRemoval(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", nil)))
	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost"}, map[string]mcmp.Status{
			"/a": mcmp.StatusEnabled,
			"/b": mcmp.StatusEnabled,
			"/c": mcmp.StatusDisabled,
		})},
	}

	reqs := newReconciler(server, nil, true).GetResetRequests(inventory)
	assert.Equal(t, []string{"REMOVE-APP node1*", "CONFIG node1"}, summary(reqs))
}

func TestResetRequestsRemovesObsoleteContexts(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", []string{"example.com"}, started("/app"))))
	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost", "example.com"}, map[string]mcmp.Status{
			"/app":  mcmp.StatusEnabled,
			"/zzz":  mcmp.StatusEnabled,
			"/gone": mcmp.StatusDisabled,
		})},
	}

	reqs := newReconciler(server, nil, true).GetResetRequests(inventory)
	assert.Equal(t, []string{"REMOVE-APP node1 /gone", "REMOVE-APP node1 /zzz", "CONFIG node1"}, summary(reqs))

	alias, _ := reqs[0].Param(mcmp.ParamAlias)
	assert.Equal(t, "example.com,localhost", alias)
}

func TestResetRequestsAliasMismatch(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", []string{"example.com"}, started("/app"))))
	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost"}, map[string]mcmp.Status{"/app": mcmp.StatusEnabled})},
	}

	reqs := newReconciler(server, nil, true).GetResetRequests(inventory)
	require.NotEmpty(t, reqs)
	assert.Equal(t, []string{"REMOVE-APP node1*", "CONFIG node1"}, summary(reqs))
}

func TestResetRequestsUnknownHost(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", nil, started("/app"), stopped("/off"))))

	reqs := newReconciler(server, nil, true).GetResetRequests(mcmp.Inventory{})
	assert.Equal(t, []string{"REMOVE-APP node1*", "CONFIG node1", "ENABLE-APP node1 /app"}, summary(reqs))
}

func TestResetRequestsSingleEngineRemovalAcrossHosts(t *testing.T) {
	server := newTopology(t, engineSpec("node1",
		hostSpec("a.example", nil, started("/a")),
		hostSpec("b.example", nil, started("/b")),
	))

	reqs := newReconciler(server, nil, true).GetResetRequests(nil)
	assert.Equal(t, []string{"REMOVE-APP node1*", "CONFIG node1", "ENABLE-APP node1 /a", "ENABLE-APP node1 /b"}, summary(reqs))
}

func TestResetRequestsSkipsExcludedContexts(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", nil, started("/app"), started("/manager"))))
	exclusions, err := topology.ParseExclusions([]string{"/manager", "localhost:/admin"})
	require.NoError(t, err)

	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost"}, map[string]mcmp.Status{
			"/app":   mcmp.StatusEnabled,
			"/admin": mcmp.StatusEnabled,
		})},
	}

	reqs := newReconciler(server, exclusions, true).GetResetRequests(inventory)
	assert.Equal(t, []string{"CONFIG node1"}, summary(reqs))
}

func TestResetRequestsEngineOrder(t *testing.T) {
	server := newTopology(t,
		engineSpec("node2", hostSpec("localhost", nil, started("/two"))),
		engineSpec("node1", hostSpec("localhost", nil, started("/one"))),
	)
	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost"}, map[string]mcmp.Status{"/one": mcmp.StatusEnabled})},
		"node2": {vhost([]string{"localhost"}, map[string]mcmp.Status{"/two": mcmp.StatusDisabled})},
	}

	reqs := newReconciler(server, nil, true).GetResetRequests(inventory)
	assert.Equal(t, []string{"CONFIG node2", "ENABLE-APP node2 /two", "CONFIG node1"}, summary(reqs))
}

func TestResetRequestsRootContext(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", nil, started(""))))
	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost"}, map[string]mcmp.Status{"/": mcmp.StatusEnabled})},
	}

	reqs := newReconciler(server, nil, true).GetResetRequests(inventory)
	assert.Equal(t, []string{"CONFIG node1"}, summary(reqs))
}

func TestResetRequestsExcludedContextDoesNotBlockEngineRemoval(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", nil, stopped("/other"))))
	exclusions, err := topology.ParseExclusions([]string{"/admin"})
	require.NoError(t, err)

	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost"}, map[string]mcmp.Status{
			"/admin": mcmp.StatusEnabled,
			"/gone":  mcmp.StatusEnabled,
		})},
	}

	reqs := newReconciler(server, exclusions, true).GetResetRequests(inventory)
	assert.Equal(t, []string{"REMOVE-APP node1*", "CONFIG node1"}, summary(reqs))
}

func TestResetRequestsExcludedAndLiveContextsKeepPerContextRemoval(t *testing.T) {
	server := newTopology(t, engineSpec("node1", hostSpec("localhost", nil, started("/app"))))
	exclusions, err := topology.ParseExclusions([]string{"/admin"})
	require.NoError(t, err)

	inventory := mcmp.Inventory{
		"node1": {vhost([]string{"localhost"}, map[string]mcmp.Status{
			"/admin": mcmp.StatusEnabled,
			"/app":   mcmp.StatusEnabled,
			"/gone":  mcmp.StatusEnabled,
		})},
	}

	reqs := newReconciler(server, exclusions, true).GetResetRequests(inventory)
	assert.Equal(t, []string{"REMOVE-APP node1 /gone", "CONFIG node1"}, summary(reqs))
}
