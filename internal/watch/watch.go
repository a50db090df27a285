// Package watch turns writes to the workspace database into debounced
// refresh hints. A hint only means "something may have changed"; callers
// re-read through the normal query path.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

type Watcher struct {
	Dir      string
	Prefix   string
	Debounce time.Duration
	Logger   *slog.Logger
}

// Run calls onChange after each burst of writes to files in w.Dir whose
// name starts with w.Prefix (the database, its -wal and -shm files). It
// returns when ctx is done.
func (w Watcher) Run(ctx context.Context, onChange func()) error {
	if w.Debounce <= 0 {
		w.Debounce = DefaultDebounce
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}

	timer := time.NewTimer(w.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			timer.Reset(w.Debounce)
		case <-timer.C:
			onChange()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.WarnContext(ctx, "watch error", "dir", w.Dir, "error", err)
		}
	}
}

func (w Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	return strings.HasPrefix(filepath.Base(event.Name), w.Prefix)
}
