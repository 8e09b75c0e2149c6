// Package filewatch fans filesystem change notifications out to
// glob-pattern subscribers. It fronts an fsnotify watcher with a
// bounded history so late subscribers can inspect what recently
// changed.
package filewatch

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
)

// ChangeType describes the kind of file change observed.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

const defaultMaxHistory = 100

// FileChange records one observed change. Size and ModTime are filled
// best-effort for paths that still exist when the event arrives.
type FileChange struct {
	Path    string
	Type    ChangeType
	Size    int64
	ModTime time.Time
}

// FileChangeHandler receives file change notifications. Handlers run
// on the watcher goroutine; keep them short.
type FileChangeHandler func(change FileChange)

// Subscription binds a pattern to a handler.
type Subscription struct {
	ID      string
	Pattern string
	Handler FileChangeHandler
}

// FileWatcher delivers fsnotify events to subscribers.
type FileWatcher struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	recentChanges []FileChange
	maxHistory    int
	onError       func(error)

	fs        *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFileWatcher creates a watcher with bounded history and starts its
// event loop. Callers must Close it when done.
func NewFileWatcher(maxHistory int) (*FileWatcher, error) {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &FileWatcher{
		subscriptions: make(map[string]*Subscription),
		maxHistory:    maxHistory,
		fs:            fs,
		done:          make(chan struct{}),
	}
	fw.wg.Add(1)
	go fw.run()
	return fw, nil
}

// Watch adds a file or directory to the watch set. Watching a
// directory observes its direct children.
func (fw *FileWatcher) Watch(path string) error {
	return fw.fs.Add(path)
}

// Unwatch removes a path from the watch set.
func (fw *FileWatcher) Unwatch(path string) error {
	return fw.fs.Remove(path)
}

// SetErrorHandler installs a callback for errors from the underlying
// watcher. Without one, errors are dropped.
func (fw *FileWatcher) SetErrorHandler(fn func(error)) {
	fw.mu.Lock()
	fw.onError = fn
	fw.mu.Unlock()
}

// Close stops the event loop and releases the watcher.
func (fw *FileWatcher) Close() error {
	var err error
	fw.closeOnce.Do(func() {
		close(fw.done)
		err = fw.fs.Close()
		fw.wg.Wait()
	})
	return err
}

func (fw *FileWatcher) run() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return
		case ev, ok := <-fw.fs.Events:
			if !ok {
				return
			}
			change, ok := changeForEvent(ev)
			if !ok {
				continue
			}
			fw.Notify(change)
		case err, ok := <-fw.fs.Errors:
			if !ok {
				return
			}
			fw.mu.RLock()
			handler := fw.onError
			fw.mu.RUnlock()
			if handler != nil {
				handler(err)
			}
		}
	}
}

func changeForEvent(ev fsnotify.Event) (FileChange, bool) {
	change := FileChange{Path: ev.Name}
	switch {
	case ev.Op.Has(fsnotify.Create):
		change.Type = ChangeCreated
	case ev.Op.Has(fsnotify.Write):
		change.Type = ChangeModified
	case ev.Op.Has(fsnotify.Remove):
		change.Type = ChangeDeleted
	case ev.Op.Has(fsnotify.Rename):
		change.Type = ChangeRenamed
	default:
		// Chmod noise.
		return FileChange{}, false
	}
	if change.Type == ChangeCreated || change.Type == ChangeModified {
		if info, err := os.Stat(ev.Name); err == nil {
			change.Size = info.Size()
			change.ModTime = info.ModTime()
		}
	}
	return change, true
}

// Subscribe registers a file change handler for a glob pattern.
// Patterns without a separator match against base names, so
// "metrics.jsonl" matches that file in any watched directory.
func (fw *FileWatcher) Subscribe(pattern string, handler FileChangeHandler) string {
	if fw == nil || handler == nil {
		return ""
	}
	id := ulid.Make().String()
	sub := &Subscription{
		ID:      id,
		Pattern: strings.TrimSpace(pattern),
		Handler: handler,
	}
	fw.mu.Lock()
	if fw.subscriptions == nil {
		fw.subscriptions = make(map[string]*Subscription)
	}
	fw.subscriptions[id] = sub
	fw.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription.
func (fw *FileWatcher) Unsubscribe(id string) {
	if fw == nil || strings.TrimSpace(id) == "" {
		return
	}
	fw.mu.Lock()
	delete(fw.subscriptions, id)
	fw.mu.Unlock()
}

// Notify publishes a file change to matching subscribers. The event
// loop calls it for observed changes; tests and in-process emitters
// may inject synthetic ones.
func (fw *FileWatcher) Notify(change FileChange) {
	if fw == nil {
		return
	}
	fw.mu.Lock()
	fw.recentChanges = append(fw.recentChanges, change)
	if len(fw.recentChanges) > fw.maxHistory {
		fw.recentChanges = fw.recentChanges[len(fw.recentChanges)-fw.maxHistory:]
	}
	subs := make([]*Subscription, 0, len(fw.subscriptions))
	for _, sub := range fw.subscriptions {
		subs = append(subs, sub)
	}
	fw.mu.Unlock()

	for _, sub := range subs {
		if sub == nil || sub.Handler == nil {
			continue
		}
		if matchesPattern(sub.Pattern, change.Path) {
			sub.Handler(change)
		}
	}
}

// RecentChanges returns the most recent changes (newest first).
func (fw *FileWatcher) RecentChanges(limit int) []FileChange {
	if fw == nil {
		return nil
	}
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	if limit <= 0 || limit > len(fw.recentChanges) {
		limit = len(fw.recentChanges)
	}
	out := make([]FileChange, 0, limit)
	for i := len(fw.recentChanges) - 1; i >= len(fw.recentChanges)-limit; i-- {
		out = append(out, fw.recentChanges[i])
	}
	return out
}

func matchesPattern(pattern, filePath string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	cleanPath := filepath.ToSlash(strings.TrimSpace(filePath))
	cleanPattern := filepath.ToSlash(pattern)
	if ok, _ := path.Match(cleanPattern, cleanPath); ok {
		return true
	}
	if !strings.Contains(cleanPattern, "/") {
		base := path.Base(cleanPath)
		if ok, _ := path.Match(cleanPattern, base); ok {
			return true
		}
	}
	return false
}
