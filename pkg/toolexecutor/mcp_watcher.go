package toolexecutor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// MCPWatcher reloads the MCP server file when it changes and reconciles
// running servers against it.
type MCPWatcher struct {
	watcher   *fsnotify.Watcher
	path      string
	manager   *MCPManager
	threshold time.Duration
	onReload  func(error)

	done     chan struct{}
	stopOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

// MCPWatcherConfig holds configuration for the watcher
type MCPWatcherConfig struct {
	Path               string
	Manager            *MCPManager
	StabilityThreshold time.Duration
	// OnReload is called after every reconcile with its result.
	OnReload func(error)
}

// NewMCPWatcher creates a watcher for the MCP server file
func NewMCPWatcher(cfg MCPWatcherConfig) (*MCPWatcher, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("mcp manager is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 200 * time.Millisecond
	}
	return &MCPWatcher{
		watcher:   watcher,
		path:      filepath.Clean(cfg.Path),
		manager:   cfg.Manager,
		threshold: cfg.StabilityThreshold,
		onReload:  cfg.OnReload,
		done:      make(chan struct{}),
	}, nil
}

// Start watches the directory holding the file, so atomic renames are seen.
func (w *MCPWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	go w.eventLoop()

	log.Info().Str("path", w.path).Msg("MCP config watcher started")
	return nil
}

// Stop stops the watcher
func (w *MCPWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *MCPWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.debounce()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *MCPWatcher) debounce() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.threshold, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *MCPWatcher) reload() {
	file, err := LoadMCPFile(w.path)
	if err == nil {
		err = w.manager.Reconcile(context.Background(), file.MCPServers)
	}
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Failed to reload MCP servers")
	} else {
		log.Info().Str("path", w.path).Msg("MCP servers reloaded")
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
