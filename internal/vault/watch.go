package vault

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch runs one full sync pass and then re-syncs whenever the vault changes
// on disk. fsnotify watches are per-directory, so the whole tree is added up
// front and new directories are added as they appear. Event bursts (editor
// save storms, vault-wide git operations) are debounced into one pass.
// Blocks until ctx is canceled; a canceled context is a clean stop.
func (s *Scanner) Watch(ctx context.Context, opts SyncOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting vault watcher: %w", err)
	}
	defer watcher.Close()

	if err := s.watchTree(watcher, s.root); err != nil {
		return err
	}

	if _, err := s.Sync(ctx, opts); err != nil {
		return err
	}

	resync := newDebouncer(s.debounce, func() {
		if _, err := s.Sync(ctx, opts); err != nil && ctx.Err() == nil {
			s.logger.Warn("vault re-sync failed", zap.Error(err))
		}
	})
	defer resync.cancelAndWait()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(watcher, ev, resync)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("vault watcher error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Scanner) handleEvent(watcher *fsnotify.Watcher, ev fsnotify.Event, resync *debouncer) {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") {
		return
	}
	// Chmod alone changes nothing worth uploading.
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// A directory created (or moved in) under a watched one is invisible to
	// fsnotify until added explicitly, and may already contain notes.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := s.watchTree(watcher, ev.Name); err != nil {
				s.logger.Warn("watching new vault directory failed",
					zap.String("path", ev.Name), zap.Error(err))
			}
			resync.trigger()
			return
		}
	}

	if strings.EqualFold(filepath.Ext(ev.Name), ".md") {
		resync.trigger()
		return
	}
	// Removes and renames lose the entry type; a renamed directory moves
	// notes without a .md event, so a pass is cheaper than guessing.
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		resync.trigger()
	}
}

// watchTree adds root and every non-hidden directory under it to the
// watcher.
func (s *Scanner) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}
