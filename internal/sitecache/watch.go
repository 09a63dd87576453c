package sitecache

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchConfig reloads the config file whenever it changes and hands it to
// Reload, so bumping cache.version rolls out a new generation without a
// restart. It blocks until ctx is done.
func (s *Service) WatchConfig(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)
	// Watch the directory: editors and config management replace the file
	// rather than writing it in place.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				s.log.Warn("config reload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			done := s.Reload(cfg)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				select {
				case err := <-done:
					if err != nil {
						s.log.Warn("cache update failed", zap.String("cache", cfg.Cache.Name()), zap.Error(err))
					}
				case <-s.stopCh:
				}
			}()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config watch error", zap.Error(err))
		}
	}
}
