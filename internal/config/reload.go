package config

import (
	"fmt"
	"sync"

	"github.com/modcluster/mod-cluster-sub001/internal/common"
	"github.com/modcluster/mod-cluster-sub001/internal/logger"
)

var log = logger.WithComponent("config")

// ApplyFunc moves the running agent from prev to next. An error keeps prev
// as the current configuration.
type ApplyFunc func(prev, next *Config) error

// Reloader re-reads the configuration file on demand and hands the change
// to an ApplyFunc. It implements common.ConfigReloader.
type Reloader struct {
	apply ApplyFunc

	mu      sync.Mutex
	current *Config
}

var _ common.ConfigReloader = (*Reloader)(nil)

// NewReloader starts from the already applied cfg
func NewReloader(cfg *Config, apply ApplyFunc) *Reloader {
	return &Reloader{current: cfg, apply: apply}
}

// Current returns the configuration last applied
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// ReloadConfig loads the file again and applies it
func (r *Reloader) ReloadConfig() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := Load(r.current.ConfigPath)
	if err != nil {
		return err
	}
	if err := r.apply(r.current, next); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}
	added, removed := ProxyDiff(r.current.Proxy.List, next.Proxy.List)
	log.InfoWithFields(map[string]interface{}{"added": len(added), "removed": len(removed)}, "configuration applied")
	r.current = next
	return nil
}

func (r *Reloader) GetConfigPath() string    { return r.Current().ConfigPath }
func (r *Reloader) IsHotReloadEnabled() bool { return r.Current().HotReload.Enabled }
func (r *Reloader) GetComponentName() string { return "mcmp-agent" }
