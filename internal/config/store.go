package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store hands out the active configuration. Readers take one snapshot per
// pipeline run; Reload swaps the pointer, so in-flight runs keep the config
// they started with.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	// Debounce collapses the burst of events editors emit on save.
	Debounce time.Duration
}

// NewStaticStore wraps a fixed config. Reload and Watch are no-ops.
func NewStaticStore(cfg *Config) *Store {
	s := &Store{logger: slog.Default()}
	s.current.Store(cfg)
	return s
}

// OpenStore loads path and returns a Store that can reload it.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:     filepath.Clean(path),
		logger:   logger,
		Debounce: 200 * time.Millisecond,
	}
	s.current.Store(cfg)
	return s, nil
}

func (s *Store) Current() *Config { return s.current.Load() }

// Reload re-reads the file. On error the previous config stays active.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)
	s.logger.Info("config reloaded", "path", s.path, "rule_sources", len(cfg.RuleSources.Sources))
	return nil
}

// Watch reloads the config whenever the file changes, until ctx is done.
//
// The parent directory is watched instead of the file itself: editors and
// ConfigMap mounts replace the file, which drops a per-file watch.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.logger.Info("config watcher started", "path", s.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	reload := func() {
		if err := s.Reload(); err != nil {
			s.logger.Error("config reload failed; keeping previous config", "path", s.path, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.logger.Debug("config file event", "path", ev.Name, "op", ev.Op.String())

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.Debounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			s.logger.Error("config watcher error", "error", err)
		}
	}
}
