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

// Store is the shared, externally mutable configuration. Readers call
// Current on every use; writers go through Update or Reload.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex // serialises writers
	cur atomic.Pointer[Settings]
}

// NewStore wraps already-validated settings. path is the file Reload reads;
// empty disables reloading.
func NewStore(path string, s Settings, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	st := &Store{path: path, logger: logger}
	cp := s.Clone()
	st.cur.Store(&cp)
	return st
}

// Current returns a snapshot. Callers must not mutate its slices or maps.
func (s *Store) Current() Settings {
	return *s.cur.Load()
}

// Pipeline returns the hot pipeline settings.
func (s *Store) Pipeline() Pipeline {
	return s.cur.Load().Pipeline
}

// Update applies f to a copy of the current settings and installs the result
// if it validates.
func (s *Store) Update(f func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.Load().Clone()
	f(&next)
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}
	s.cur.Store(&next)
	return next, nil
}

// Reload re-reads the file and environment. Runtime changes made through
// Update are replaced by the file's contents.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	next, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cur.Store(&next)
	s.mu.Unlock()
	return nil
}

const watchDebounce = 250 * time.Millisecond

// Watch reloads the settings when the config file changes, until ctx is done.
// A file that fails to load or validate is logged and the old settings kept.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "error", err)
		case <-timerCh:
			timerCh = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("config reload failed, keeping previous settings", "path", s.path, "error", err)
				continue
			}
			s.logger.Info("config reloaded", "path", s.path)
		}
	}
}
