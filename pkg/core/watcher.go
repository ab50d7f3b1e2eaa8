package core

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watcherDebounce absorbs bursts from editors and partial writes before
// waking the engine.
const watcherDebounce = 500 * time.Millisecond

// startWatcher wakes the engine when files land in the box directory, so a
// dropped file gets attention before the pacing sleep runs out. Detection of
// what is new still happens by scan at cycle start; the watcher only cuts
// the wait short.
func (e *Engine) startWatcher(ctx context.Context) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(e.box); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				name := filepath.Base(ev.Name)
				if strings.HasPrefix(name, ".") || internalFiles[name] || internalRootFiles[name] {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watcherDebounce, func() {
					e.log.Info("box activity, waking", zap.String("file", name))
					e.Wake()
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.log.Warn("watcher error", zap.Error(err))
			}
		}
	}()

	return watcher, nil
}
