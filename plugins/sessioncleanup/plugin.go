// Package sessioncleanup keeps a Spoke's sessions directory under a size
// budget. When the directory grows past the high watermark it removes the
// oldest sessions that were already handed off, until the low watermark is
// reached.
package sessioncleanup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/session"
	"github.com/bft-labs/spokesync/pkg/spoke"
	"github.com/bft-labs/spokesync/pkg/state"
)

// Plugin implements session retention.
type Plugin struct {
	mu sync.RWMutex

	checkInterval  time.Duration
	highWatermark  int64
	lowWatermark   int64
	runImmediately bool

	sessionsDir string
	journal     state.Repository
	node        spoke.Controls
	logger      log.Logger
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Config holds the retention settings.
type Config struct {
	// CheckInterval is how often the sessions directory is sized.
	// Default: 1 hour
	CheckInterval time.Duration

	// HighWatermark is the size in bytes above which cleanup begins.
	// Default: 20 GiB
	HighWatermark int64

	// LowWatermark is the target size in bytes after cleanup.
	// Default: 15 GiB
	LowWatermark int64

	// RunImmediately runs a check during Initialize.
	RunImmediately bool
}

// DefaultConfig returns a Config with the default budget.
func DefaultConfig() Config {
	return Config{
		CheckInterval:  time.Hour,
		HighWatermark:  20 << 30,
		LowWatermark:   15 << 30,
		RunImmediately: true,
	}
}

// New creates a retention plugin. Unset fields take their defaults.
func New(cfg Config) *Plugin {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = def.HighWatermark
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark > cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark * 3 / 4
	}
	return &Plugin{
		checkInterval:  cfg.CheckInterval,
		highWatermark:  cfg.HighWatermark,
		lowWatermark:   cfg.LowWatermark,
		runImmediately: cfg.RunImmediately,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "sessioncleanup"
}

// Initialize records the node's directories and starts the check loop.
func (p *Plugin) Initialize(ctx context.Context, cfg spoke.PluginConfig) error {
	p.mu.Lock()
	p.sessionsDir = cfg.SessionsDir
	p.journal = cfg.Journal
	p.node = cfg.Node
	p.logger = log.With(log.OrNoop(cfg.Logger), log.String("plugin", p.Name()))
	p.mu.Unlock()

	if p.sessionsDir == "" || p.journal == nil {
		p.logger.Warn("session cleanup disabled: no sessions directory or journal")
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.logger.Info("session cleanup initialized",
		log.Int64("high_watermark", p.highWatermark),
		log.Int64("low_watermark", p.lowWatermark),
		log.Duration("interval", p.checkInterval))

	p.wg.Add(1)
	go p.cleanupLoop(loopCtx)
	return nil
}

// Shutdown stops the check loop.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Plugin) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	if p.runImmediately {
		p.CleanupOnce(ctx)
	}

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CleanupOnce(ctx)
		}
	}
}

// CleanupOnce runs a single check and returns the number of bytes freed.
func (p *Plugin) CleanupOnce(ctx context.Context) int64 {
	p.mu.RLock()
	dir, journal, node, logger := p.sessionsDir, p.journal, p.node, p.logger
	p.mu.RUnlock()

	curSize, err := dirSize(dir)
	if err != nil {
		logger.Error("size check failed", log.Err(err))
		return 0
	}
	if curSize <= p.highWatermark {
		return 0
	}

	st, err := journal.Load(ctx)
	if err != nil {
		logger.Error("journal load failed", log.Err(err))
		return 0
	}
	active := ""
	if node != nil {
		active = node.ActiveSessionID()
	}

	candidates, err := orderedSessions(dir)
	if err != nil {
		logger.Error("list sessions failed", log.Err(err))
		return 0
	}

	var removed int64
	for _, c := range candidates {
		if ctx.Err() != nil || curSize <= p.lowWatermark {
			break
		}
		if c.id == active || !st.IsTransferred(c.id) {
			continue
		}
		if err := os.RemoveAll(c.path); err != nil {
			logger.Error("remove failed", log.String("session_id", c.id), log.Err(err))
			continue
		}
		curSize -= c.size
		removed += c.size
		logger.Debug("session removed", log.String("session_id", c.id), log.String("size", formatBytes(c.size)))
	}

	if removed > 0 {
		logger.Info("session cleanup completed",
			log.String("freed", formatBytes(removed)),
			log.String("remaining", formatBytes(curSize)))
	} else {
		logger.Warn("over budget but nothing removable", log.String("size", formatBytes(curSize)))
	}
	return removed
}

type sessionDir struct {
	id      string
	path    string
	size    int64
	startNs int64
}

// orderedSessions lists session directories oldest first. Dot directories
// hold node state and are never candidates.
func orderedSessions(root string) ([]sessionDir, error) {
	ents, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []sessionDir
	for _, e := range ents {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(root, e.Name())
		size, err := dirSize(path)
		if err != nil {
			return nil, err
		}
		sd := sessionDir{id: e.Name(), path: path, size: size}
		if m, err := session.ReadMetadata(path); err == nil && m.StartTimeNs > 0 {
			sd.startNs = m.StartTimeNs
		} else if info, err := e.Info(); err == nil {
			sd.startNs = info.ModTime().UnixNano()
		}
		out = append(out, sd)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].startNs != out[j].startNs {
			return out[i].startNs < out[j].startNs
		}
		return out[i].id < out[j].id
	})
	return out, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func formatBytes(b int64) string {
	const (
		_          = iota
		KB float64 = 1 << (10 * iota)
		MB
		GB
	)

	fb := float64(b)
	switch {
	case fb >= GB:
		return fmt.Sprintf("%.2fGiB", fb/GB)
	case fb >= MB:
		return fmt.Sprintf("%.2fMiB", fb/MB)
	case fb >= KB:
		return fmt.Sprintf("%.2fKiB", fb/KB)
	default:
		return fmt.Sprintf("%dB", b)
	}
}

var _ spoke.Plugin = (*Plugin)(nil)
