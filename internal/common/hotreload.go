package common

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/modcluster/mod-cluster-sub001/internal/logger"
)

var reloadLog = logger.WithComponent("hotreload")

// minReloadInterval drops change bursts that outlive the debounce window
const minReloadInterval = 500 * time.Millisecond

// HotReloadConfig controls watching the configuration file
type HotReloadConfig struct {
	Enabled       bool          `yaml:"enabled,omitempty"`
	DebounceDelay time.Duration `yaml:"debounce_delay,omitempty"`
}

// DefaultHotReloadConfig returns hot reload disabled with a 100ms debounce
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{DebounceDelay: 100 * time.Millisecond}
}

// ConfigReloader is a component whose configuration file can be re-read
// while running
type ConfigReloader interface {
	// ReloadConfig re-reads the file and applies the difference
	ReloadConfig() error
	GetConfigPath() string
	IsHotReloadEnabled() bool
	// GetComponentName names the component in log lines
	GetComponentName() string
}

// FileWatcher reloads a ConfigReloader when its file changes
type FileWatcher struct {
	reloader      ConfigReloader
	debounceDelay time.Duration

	mu             sync.Mutex
	watcher        *fsnotify.Watcher
	running        bool
	debounceTimer  *time.Timer
	lastReloadTime time.Time
	done           chan struct{}

	// reloadMu serializes reloads from the watcher and TriggerReload
	reloadMu sync.Mutex
}

// NewFileWatcher creates a stopped watcher
func NewFileWatcher(reloader ConfigReloader, debounceDelay time.Duration) *FileWatcher {
	if debounceDelay <= 0 {
		debounceDelay = DefaultHotReloadConfig().DebounceDelay
	}
	return &FileWatcher{reloader: reloader, debounceDelay: debounceDelay}
}

// Start watches the configuration file. It is a no-op when hot reload is
// disabled or there is no file.
func (fw *FileWatcher) Start() error {
	name := fw.reloader.GetComponentName()
	if !fw.reloader.IsHotReloadEnabled() {
		reloadLog.Debug("hot reload disabled for %s", name)
		return nil
	}
	configPath := fw.reloader.GetConfigPath()
	if configPath == "" {
		reloadLog.Debug("hot reload disabled for %s: no config file", name)
		return nil
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.running {
		return fmt.Errorf("file watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config file watcher: %w", err)
	}
	// watch the directory too: editors replace files by rename
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config file %s: %w", configPath, err)
	}
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		reloadLog.Warn("cannot watch config directory %s: %v", filepath.Dir(configPath), err)
	}

	fw.watcher = watcher
	fw.running = true
	fw.lastReloadTime = time.Now()
	fw.done = make(chan struct{})
	go fw.watchLoop(watcher, fw.done)

	reloadLog.Info("watching %s for %s", configPath, name)
	return nil
}

// Stop ends watching. Safe to call on a stopped watcher.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if !fw.running {
		return nil
	}
	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
		fw.debounceTimer = nil
	}
	close(fw.done)
	err := fw.watcher.Close()
	fw.watcher = nil
	fw.running = false
	if err != nil {
		return fmt.Errorf("failed to close config watcher: %w", err)
	}
	return nil
}

// IsRunning reports whether the file is being watched
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	configPath := fw.reloader.GetConfigPath()
	base := filepath.Base(configPath)
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if event.Name != configPath && filepath.Base(event.Name) != base {
				continue
			}
			reloadLog.Debug("config file changed: %s (%s)", event.Name, event.Op)
			fw.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			reloadLog.Error("config watcher error for %s: %v", fw.reloader.GetComponentName(), err)
		}
	}
}

func (fw *FileWatcher) scheduleReload() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if !fw.running {
		return
	}
	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
	}
	fw.debounceTimer = time.AfterFunc(fw.debounceDelay, func() {
		fw.mu.Lock()
		tooSoon := time.Since(fw.lastReloadTime) < minReloadInterval
		fw.mu.Unlock()
		if tooSoon {
			reloadLog.Debug("skipping reload of %s: too soon after the last one", fw.reloader.GetComponentName())
			return
		}
		_ = fw.TriggerReload()
	})
}

// TriggerReload reloads immediately, as on SIGHUP
func (fw *FileWatcher) TriggerReload() error {
	fw.reloadMu.Lock()
	defer fw.reloadMu.Unlock()

	name := fw.reloader.GetComponentName()
	start := time.Now()
	if err := fw.reloader.ReloadConfig(); err != nil {
		reloadLog.Error("reloading %s from %s failed: %v", name, fw.reloader.GetConfigPath(), err)
		return err
	}

	fw.mu.Lock()
	fw.lastReloadTime = time.Now()
	fw.mu.Unlock()
	reloadLog.Info("reloaded %s in %v", name, time.Since(start).Round(time.Millisecond))
	return nil
}
