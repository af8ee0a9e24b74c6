package handler

import (
	"sort"

	"github.com/modcluster/mod-cluster-sub001/internal/mcmp"
	"github.com/modcluster/mod-cluster-sub001/internal/topology"
)

// Reconciler diffs a proxy's INFO inventory against the live topology
type Reconciler struct {
	server     topology.Server
	factory    *mcmp.RequestFactory
	exclusions topology.Exclusions
	autoEnable bool
}

// NewReconciler creates a reconciler. With autoEnable off, started contexts
// the proxy does not have enabled are announced as disabled.
func NewReconciler(server topology.Server, factory *mcmp.RequestFactory, exclusions topology.Exclusions, autoEnable bool) *Reconciler {
	return &Reconciler{server: server, factory: factory, exclusions: exclusions, autoEnable: autoEnable}
}

// GetResetRequests returns, per engine in topology order, the requests that
// bring the proxy in line: an optional whole-engine removal or per-context
// removals first, then CONFIG, then context state changes.
func (r *Reconciler) GetResetRequests(inventory mcmp.Inventory) []*mcmp.Request {
	var requests []*mcmp.Request
	for _, engine := range r.server.Engines() {
		requests = append(requests, r.engineRequests(engine, inventory[engine.Route()])...)
	}
	return requests
}

func (r *Reconciler) engineRequests(engine topology.Engine, reported []*mcmp.VirtualHost) []*mcmp.Request {
	route := engine.Route()
	batch := []*mcmp.Request{r.factory.CreateConfigRequest(engine)}
	removeEngine := false
	var removals []*mcmp.Request

	for _, host := range engine.Hosts() {
		vhost := findVirtualHost(reported, host.Name())
		var reportedAliases map[string]struct{}
		var reportedContexts map[string]mcmp.Status
		if vhost != nil {
			reportedAliases = vhost.Aliases
			reportedContexts = vhost.Contexts
		}

		if !sameAliases(host.Aliases(), reportedAliases) {
			removeEngine = true
		}

		obsolete := make(map[string]struct{}, len(reportedContexts))
		for path := range reportedContexts {
			obsolete[path] = struct{}{}
		}

		for _, ctx := range host.Contexts() {
			path := topology.NormalizePath(ctx.Path())
			if r.exclusions.Excluded(host.Name(), path) {
				continue
			}
			delete(obsolete, path)

			status, known := reportedContexts[path]
			enabled := known && status == mcmp.StatusEnabled
			switch {
			case ctx.IsStarted() && !enabled:
				if r.autoEnable {
					batch = append(batch, r.factory.CreateEnableRequest(ctx))
				} else {
					batch = append(batch, r.factory.CreateDisableRequest(ctx))
				}
			case !ctx.IsStarted() && enabled:
				batch = append(batch, r.factory.CreateStopRequest(ctx))
			}
		}

		included := 0
		for path := range reportedContexts {
			if r.exclusions.Excluded(host.Name(), path) {
				delete(obsolete, path)
			} else {
				included++
			}
		}
		if len(obsolete) == 0 {
			continue
		}
		// nothing the proxy reports for this host survives
		if len(obsolete) == included {
			removeEngine = true
			continue
		}
		paths := make([]string, 0, len(obsolete))
		for path := range obsolete {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		aliases := vhost.AliasList()
		for _, path := range paths {
			removals = append(removals, r.factory.CreateRemoveContextRequest(route, path, aliases))
		}
	}

	if removeEngine {
		// the wildcard removal supersedes any per-context removal
		return append([]*mcmp.Request{r.factory.CreateRemoveEngineRequest(engine)}, batch...)
	}
	return append(removals, batch...)
}

// findVirtualHost returns the reported virtual host carrying name as an alias
func findVirtualHost(reported []*mcmp.VirtualHost, name string) *mcmp.VirtualHost {
	for _, v := range reported {
		if v.HasAlias(name) {
			return v
		}
	}
	return nil
}

func sameAliases(live []string, reported map[string]struct{}) bool {
	set := make(map[string]struct{}, len(live))
	for _, a := range live {
		set[a] = struct{}{}
	}
	if len(set) != len(reported) {
		return false
	}
	for a := range set {
		if _, ok := reported[a]; !ok {
			return false
		}
	}
	return true
}
