package main

import (
	"context"
	"strings"

	"github.com/modcluster/mod-cluster-sub001/internal/config"
	"github.com/modcluster/mod-cluster-sub001/internal/logger"
	"github.com/modcluster/mod-cluster-sub001/internal/topology"
)

// apply moves the running agent from prev to next. Settings baked into the
// request factory and the proxy connections only change on restart.
func (a *agent) apply(prev, next *config.Config) error {
	changes, err := a.server.Sync(next.Topology)
	if err != nil {
		return err
	}

	logger.SetLogLevel(next.Logging.Level)
	logger.SetFormat(next.Logging.Format)

	added, removed := config.ProxyDiff(prev.Proxy.List, next.Proxy.List)
	for _, address := range removed {
		if err := a.handler.RemoveProxy(address); err != nil {
			logger.Warn("⚠️ Cannot remove proxy %s: %v", address, err)
		}
	}
	for _, address := range added {
		if err := a.handler.AddProxy(address, false); err != nil {
			logger.Warn("⚠️ Cannot add proxy %s: %v", address, err)
		}
	}

	ctx := context.Background()
	for _, change := range changes {
		logger.Debug("context %s%s %s", change.Context.Host().Name(), change.Context.Path(), change.Kind)
		a.announce(ctx, change)
	}

	if restartRequired(prev, next) {
		logger.Warn("⚠️ Node, balancer, connection or context settings changed: restart to apply them")
	}
	return nil
}

func (a *agent) announce(ctx context.Context, change topology.Change) {
	switch change.Kind {
	case topology.ContextAdded:
		a.svc.AddContext(ctx, change.Context)
	case topology.ContextStarted:
		a.svc.StartContext(ctx, change.Context)
	case topology.ContextStopped:
		a.svc.StopContext(ctx, change.Context)
	case topology.ContextRemoved:
		if change.Context.IsStarted() {
			a.svc.StopContext(ctx, change.Context)
		}
		a.svc.RemoveContext(ctx, change.Context)
	}
}

func restartRequired(prev, next *config.Config) bool {
	if prev.Node != next.Node || prev.Balancer != next.Balancer {
		return true
	}
	if prev.Proxy.URL != next.Proxy.URL || prev.Proxy.LocalAddress != next.Proxy.LocalAddress ||
		prev.Proxy.SocketTimeout != next.Proxy.SocketTimeout {
		return true
	}
	if prev.AutoEnable() != next.AutoEnable() || prev.Context.StopTimeout != next.Context.StopTimeout ||
		prev.Load != next.Load || prev.StatusSchedule() != next.StatusSchedule() {
		return true
	}
	return strings.Join(prev.Context.Excluded, ",") != strings.Join(next.Context.Excluded, ",")
}
