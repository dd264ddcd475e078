// Package configwatcher reloads runtime settings when the node's config
// file changes. Only settings that can change without a restart are
// applied: the log level and the heartbeat interval.
package configwatcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/spokesync/internal/cliconfig"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/spoke"
)

// LevelSetter is a logger whose level can change at runtime.
type LevelSetter interface {
	SetLevel(level string) error
}

// Plugin implements config hot reload.
type Plugin struct {
	mu sync.RWMutex

	path          string
	debounceDelay time.Duration
	levels        LevelSetter

	// Runtime state
	node     spoke.Controls
	logger   log.Logger
	last     cliconfig.FileConfig
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *time.Timer
	reloads  int
}

// Config holds configuration options for the config watcher plugin.
type Config struct {
	// Path is the TOML file to watch. Default: cliconfig.DefaultConfigPath()
	Path string

	// DebounceDelay is the delay to wait after a file change before reloading.
	// Default: 100 milliseconds
	DebounceDelay time.Duration

	// Levels receives log_level changes. When nil, the plugin logger is
	// used if it supports SetLevel.
	Levels LevelSetter
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:          cliconfig.DefaultConfigPath(),
		DebounceDelay: 100 * time.Millisecond,
	}
}

// New creates a new config watcher plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.Path == "" {
		cfg.Path = cliconfig.DefaultConfigPath()
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	return &Plugin{
		path:          cfg.Path,
		debounceDelay: cfg.DebounceDelay,
		levels:        cfg.Levels,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "configwatcher"
}

// Initialize takes a baseline of the file and starts the watcher. Values
// present at startup are never re-applied, so flags keep precedence until
// the file actually changes.
func (p *Plugin) Initialize(ctx context.Context, cfg spoke.PluginConfig) error {
	p.mu.Lock()
	p.node = cfg.Node
	p.logger = log.With(log.OrNoop(cfg.Logger), log.String("plugin", p.Name()))
	if p.levels == nil {
		if ls, ok := cfg.Logger.(LevelSetter); ok {
			p.levels = ls
		}
	}
	if fc, err := cliconfig.LoadFileConfig(p.path); err == nil {
		p.last = fc
	}
	p.mu.Unlock()

	if p.path == "" {
		p.logger.Warn("config watcher disabled: no config path")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watching the directory also catches saves that replace the file by rename.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		p.logger.Warn("config watcher disabled: cannot watch directory", log.String("path", p.path), log.Err(err))
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.logger.Info("config watcher initialized", log.String("path", p.path))

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)
	return nil
}

// Shutdown stops the watcher and any pending reload.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.mu.Unlock()
	return nil
}

// Reloads returns how many times the file was reloaded.
func (p *Plugin) Reloads() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reloads
}

func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	name := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.debounceReload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watcher error", log.Err(err))
		}
	}
}

func (p *Plugin) debounceReload(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = time.AfterFunc(p.debounceDelay, func() {
		if ctx.Err() != nil {
			return
		}
		p.reload()
	})
}

// reload parses the file and applies the settings that changed since the
// last successful parse.
func (p *Plugin) reload() {
	fc, err := cliconfig.LoadFileConfig(p.path)
	if err != nil {
		p.logger.Error("config reload failed", log.String("path", p.path), log.Err(err))
		return
	}

	p.mu.Lock()
	prev := p.last
	// Removing a key keeps the running value, so it also stays the baseline.
	if fc.LogLevel == "" {
		fc.LogLevel = prev.LogLevel
	}
	if fc.HeartbeatInterval == "" {
		fc.HeartbeatInterval = prev.HeartbeatInterval
	}
	p.last = fc
	p.reloads++
	node, levels := p.node, p.levels
	p.mu.Unlock()

	if fc.LogLevel != prev.LogLevel && levels != nil {
		if err := levels.SetLevel(fc.LogLevel); err != nil {
			p.logger.Warn("invalid log_level ignored", log.String("log_level", fc.LogLevel), log.Err(err))
		} else {
			p.logger.Info("log level changed", log.String("log_level", fc.LogLevel))
		}
	}

	if fc.HeartbeatInterval != prev.HeartbeatInterval && node != nil {
		d, err := time.ParseDuration(fc.HeartbeatInterval)
		if err != nil || d <= 0 {
			p.logger.Warn("invalid heartbeat_interval ignored", log.String("heartbeat_interval", fc.HeartbeatInterval))
		} else {
			node.SetHeartbeatInterval(d)
			p.logger.Info("heartbeat interval changed", log.Duration("interval", d))
		}
	}
}

var _ spoke.Plugin = (*Plugin)(nil)
