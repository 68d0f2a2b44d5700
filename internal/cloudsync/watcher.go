package cloudsync

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher syncs files in a directory shortly after they change.
type Watcher struct {
	syncer   *Syncer
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration

	mu    sync.Mutex
	dirty map[string]bool
	timer *time.Timer
	runs  chan struct{}
}

// NewWatcher watches dir. Changes are collected for debounce and then
// synced one file at a time.
func NewWatcher(s *Syncer, dir string, debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		syncer:   s,
		watcher:  fw,
		logger:   logger,
		debounce: debounce,
		dirty:    make(map[string]bool),
		runs:     make(chan struct{}, 1),
	}, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			switch strings.ToLower(filepath.Ext(event.Name)) {
			case ".md", ".txt":
			default:
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug().Str("file", filepath.Base(event.Name)).Str("op", event.Op.String()).
					Msg("watch: change detected")
				w.markDirty(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watch: watcher error")

		case <-w.runs:
			w.flush(ctx)

		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (w *Watcher) markDirty(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty[path] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.runs <- struct{}{}:
		default:
		}
	})
}

// flush syncs the dirty files on the Run goroutine so syncs never overlap.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.dirty))
	for p := range w.dirty {
		paths = append(paths, p)
	}
	w.dirty = make(map[string]bool)
	w.mu.Unlock()

	sort.Strings(paths)
	for _, p := range paths {
		rep, err := w.syncer.Sync(ctx, Request{SourceID: p})
		if err != nil {
			w.logger.Warn().Err(err).Str("file", p).Msg("watch: sync failed")
			continue
		}
		for _, src := range rep.Sources {
			w.logger.Info().Str("source_id", src.SourceID).Str("status", src.Status).
				Int("applied_ranges", src.AppliedRanges).Int64("watermark", src.Watermark).Msg("watch: synced")
		}
	}
}
