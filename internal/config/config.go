// Package config manages the declarative worksheet schema configuration.
//
// Field-identifier-to-name mappings, worksheet ids, and credential pairs live
// in one YAML file loaded once and hot-reloaded on change, instead of literal
// maps duplicated across call sites.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/zhukan/fastlane-agent/internal/constants"
	"github.com/zhukan/fastlane-agent/internal/worksheet"
)

// Worksheet describes one synced worksheet: where to pull from, where to
// reconcile to, and how to name its fields.
type Worksheet struct {
	Name        string        `yaml:"name"`
	WorksheetID string        `yaml:"worksheetId"`
	Table       string        `yaml:"table"`
	KeyColumn   string        `yaml:"keyColumn"`
	AppKey      string        `yaml:"appKey"`
	Sign        string        `yaml:"sign"`
	Interval    time.Duration `yaml:"interval"`

	// Fields maps column names to worksheet field identifiers.
	Fields map[string]string `yaml:"fields"`

	// TimeFields lists columns whose values are parsed as worksheet
	// timestamps before storage.
	TimeFields []string `yaml:"timeFields"`

	// RecomputeAccounts triggers the per-account aggregate recompute after
	// this worksheet finishes syncing.
	RecomputeAccounts bool `yaml:"recomputeAccounts"`
}

// Credentials returns the credential pair for this worksheet grouping.
func (w Worksheet) Credentials() worksheet.Credentials {
	return worksheet.Credentials{AppKey: w.AppKey, Sign: w.Sign}
}

type fileConfig struct {
	Worksheets []Worksheet `yaml:"worksheets"`
}

// Manager loads and watches the worksheet schema configuration file.
type Manager struct {
	configPath string

	mu         sync.RWMutex
	worksheets map[string]Worksheet
	order      []string
}

// New creates a Manager for the given configuration file path.
// Load must be called before the configuration is usable.
func New(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		worksheets: make(map[string]Worksheet),
	}
}

// Load reads and replaces the current configuration from disk.
func (cm *Manager) Load() error {
	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to decode config YAML: %w", err)
	}

	worksheets := make(map[string]Worksheet, len(cfg.Worksheets))
	order := make([]string, 0, len(cfg.Worksheets))
	for _, ws := range cfg.Worksheets {
		if ws.Name == "" {
			ws.Name = ws.Table
		}
		if ws.KeyColumn == "" {
			ws.KeyColumn = constants.NaturalKeyColumn
		}
		if ws.Interval <= 0 {
			ws.Interval = 15 * time.Minute
		}
		if _, ok := worksheets[ws.Name]; ok {
			return fmt.Errorf("duplicate worksheet name %q in config", ws.Name)
		}
		worksheets[ws.Name] = ws
		order = append(order, ws.Name)
	}

	cm.mu.Lock()
	cm.worksheets = worksheets
	cm.order = order
	cm.mu.Unlock()

	slog.Info("Worksheet configuration loaded", "path", cm.configPath, "worksheets", len(order))
	return nil
}

// Names returns the configured worksheet names in file order.
func (cm *Manager) Names() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	names := make([]string, len(cm.order))
	copy(names, cm.order)
	return names
}

// Worksheet returns the named worksheet configuration.
func (cm *Manager) Worksheet(name string) (Worksheet, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ws, ok := cm.worksheets[name]
	return ws, ok
}

// Watch watches the configuration file for changes, reloading it when written.
//
// Returns a channel signaling each successful reload and a channel carrying
// watcher errors. Both close when ctx is done.
func (cm *Manager) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	if _, err := os.Stat(cm.configPath); err != nil {
		return nil, nil, fmt.Errorf("cannot watch config file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	// Watch the directory: editors and atomic writers replace the file,
	// which would silently detach a file-level watch.
	configDir := filepath.Dir(cm.configPath)
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to watch config directory %s: %v", configDir, err)
	}

	reloadCh := make(chan struct{}, 1)
	errCh := make(chan error, 1)

	go func() {
		defer watcher.Close()
		defer close(reloadCh)
		defer close(errCh)

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					errCh <- errors.New("config watcher event channel closed unexpectedly")
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(cm.configPath) {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}

				if err := cm.Load(); err != nil {
					slog.Warn("Failed to reload worksheet configuration, keeping previous", "err", err)
					continue
				}
				select {
				case reloadCh <- struct{}{}:
				default: // a reload is already pending
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errCh <- errors.New("config watcher error channel closed unexpectedly")
					return
				}
				slog.Warn("Config watcher error", "err", err)
			}
		}
	}()

	return reloadCh, errCh, nil
}
