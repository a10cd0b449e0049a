package config

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Watcher holds the current snapshot and reloads it when the YAML file,
// the .env file or the redaction rules file changes. Readers always see a
// complete snapshot; a reload that fails validation keeps the previous one.
type Watcher struct {
	opts    LoadOptions
	logger  Logger
	current atomic.Pointer[Config]

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	subscribers []func(Config)
}

func NewWatcher(opts LoadOptions, logger Logger) (*Watcher, error) {
	cfg, err := Load(opts)
	if err != nil {
		return nil, err
	}
	w := &Watcher{opts: opts, logger: logger}
	w.current.Store(&cfg)
	return w, nil
}

func (w *Watcher) Current() Config {
	return *w.current.Load()
}

// OnChange registers fn to receive every successfully reloaded snapshot.
func (w *Watcher) OnChange(fn func(Config)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

func (w *Watcher) Reload() (Config, error) {
	opts := w.opts
	if opts.Path == "" {
		opts.Path = w.Current().Path
	}
	cfg, err := Load(opts)
	if err != nil {
		return w.Current(), err
	}
	w.current.Store(&cfg)
	w.mu.Lock()
	subscribers := append(([]func(Config))(nil), w.subscribers...)
	w.mu.Unlock()
	for _, fn := range subscribers {
		fn(cfg)
	}
	return cfg, nil
}

// Start watches the directories holding the watched files. Editors often
// replace files by rename, so the parent directory is watched and events
// are filtered by name.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.mu.Unlock()

	files := w.watchedFiles()
	dirs := map[string]struct{}{}
	for file := range files {
		dirs[filepath.Dir(file)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logf(w.logger, "config watcher: cannot watch %s: %v", dir, err)
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if _, ok := files[filepath.Clean(event.Name)]; !ok {
					continue
				}
				if _, err := w.Reload(); err != nil {
					logf(w.logger, "config watcher: reload failed: %v", err)
					continue
				}
				logf(w.logger, "config watcher: reloaded after %s", event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logf(w.logger, "config watcher: %v", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) watchedFiles() map[string]struct{} {
	cfg := w.Current()
	dotenv := w.opts.DotenvPath
	if dotenv == "" {
		dotenv = DefaultDotenvPath
	}
	files := map[string]struct{}{}
	for _, path := range []string{cfg.Path, dotenv, cfg.RedactionRulesPath} {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		files[filepath.Clean(path)] = struct{}{}
	}
	return files
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
