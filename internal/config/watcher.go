package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/research"
)

// CapabilityHandler receives the reloaded tool capability table
type CapabilityHandler func(map[string]research.ToolConfig)

// Watcher re-reads the tool capability table when the config file changes,
// so tools can be enabled or disabled mid-run without restarting.
type Watcher struct {
	path    string
	handler CapabilityHandler
	logger  *zap.Logger

	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	timer   *time.Timer // pending debounce, stopped on Stop
}

// NewWatcher creates a watcher on the config file. The handler is invoked
// with the parsed tools section after each change.
func NewWatcher(path string, handler CapabilityHandler, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		handler:  handler,
		logger:   logger,
		watcher:  fw,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching; safe to call once
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.started = true
	go w.loop()
	w.logger.Info("Watching tool capability table", zap.String("path", w.path))
	return nil
}

// Stop stops watching and releases the underlying watcher
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	close(w.stopCh)
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	_ = w.watcher.Close()
	w.started = false
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors fire bursts of events per save; coalesce them.
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	// A timer that was already firing when Stop ran gets cut off here.
	select {
	case <-w.stopCh:
		return
	default:
	}
	caps, err := readCapabilities(w.path)
	if err != nil {
		w.logger.Warn("Capability reload failed, keeping previous table",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("Reloaded tool capability table",
		zap.String("path", w.path),
		zap.Int("tools", len(caps)),
	)
	w.handler(caps)
}

func readCapabilities(path string) (map[string]research.ToolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc struct {
		Tools map[string]research.ToolConfig `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return doc.Tools, nil
}
