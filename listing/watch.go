package listing

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultSettle is how long a file must go unmodified before a watch
// lists it.
const DefaultSettle = 2 * time.Second

// WatchPattern lists what its GlobPattern matches now, then keeps
// listing files under Base that are created or modified later and
// match one of the patterns.  A changed file is listed once it has
// been quiet for Settle.  The listing only ends when the context is
// done.
type WatchPattern struct {
	GlobPattern
	Settle time.Duration
}

func (src WatchPattern) String() string {
	return "watch " + src.GlobPattern.String()
}

func (src WatchPattern) open() (it Iterator, err error) {
	if err = src.validate(); err != nil {
		return nil, err
	}
	settle := src.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &ListingError{Source: src, Err: err}
	}
	w := &watchIter{
		src:     src,
		settle:  settle,
		watcher: watcher,
		changed: make(map[string]time.Time),
	}
	// watch before the initial expansion so nothing created in
	// between is missed
	err = w.addTree(src.base())
	if err != nil {
		watcher.Close()
		return nil, &ListingError{Source: src, Err: err}
	}
	w.started = true
	w.initial = &globIter{src: src.GlobPattern, fsys: os.DirFS(src.base())}
	return w, nil
}

type watchIter struct {
	src     WatchPattern
	settle  time.Duration
	watcher *fsnotify.Watcher
	initial *globIter
	changed map[string]time.Time // path -> last event
	started bool
	path    string
	err     error
}

// addTree watches dir and every directory below it.  Files already
// present in directories that appear after the watch started are
// marked changed, since their create events were never seen.
func (it *watchIter) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return it.watcher.Add(path)
		}
		if it.started {
			it.changed[path] = time.Now()
		}
		return nil
	})
}

// matches reports whether path, which lies under Base, matches any
// pattern.
func (it *watchIter) matches(path string) bool {
	rel, err := filepath.Rel(it.src.base(), path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range it.src.Patterns {
		ok, err := doublestar.Match(pat, rel)
		if err == nil && ok {
			return true
		}
	}
	return false
}

func (it *watchIter) handle(ev fsnotify.Event) {
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) > 0:
		delete(it.changed, ev.Name)
	case ev.Op&(fsnotify.Create|fsnotify.Write) > 0:
		fi, err := os.Lstat(ev.Name)
		if err != nil {
			return
		}
		if fi.IsDir() {
			if ev.Op&fsnotify.Create > 0 {
				err = it.addTree(ev.Name)
				if err != nil {
					log.WithFields(log.Fields{"path": ev.Name, "err": err}).Warn("cannot watch directory")
				}
			}
			return
		}
		it.changed[ev.Name] = time.Now()
	}
}

// ready pops the first settled path in lexical order, or returns
// how long until the next one settles.
func (it *watchIter) ready(now time.Time) (path string, wait time.Duration) {
	var settled []string
	wait = -1
	for p, t := range it.changed {
		left := it.settle - now.Sub(t)
		if left <= 0 {
			settled = append(settled, p)
			continue
		}
		if wait < 0 || left < wait {
			wait = left
		}
	}
	if len(settled) == 0 {
		return "", wait
	}
	sort.Strings(settled)
	delete(it.changed, settled[0])
	return settled[0], 0
}

func (it *watchIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.initial != nil {
		if it.initial.Next(ctx) {
			it.path = it.initial.Path()
			return true
		}
		if it.err = it.initial.Err(); it.err != nil {
			return false
		}
		it.initial = nil
	}

	for ctx.Err() == nil {
		path, wait := it.ready(time.Now())
		if path != "" {
			if !it.matches(path) {
				continue
			}
			it.path = path
			return true
		}

		if !it.wait(ctx, wait) {
			return false
		}
	}
	return false
}

// wait blocks for one watcher event or until wait has passed (forever
// if wait is negative).  It returns false once the listing is over.
func (it *watchIter) wait(ctx context.Context, wait time.Duration) bool {
	var tick <-chan time.Time
	if wait >= 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		tick = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-tick:
	case ev, ok := <-it.watcher.Events:
		if !ok {
			return false
		}
		it.handle(ev)
	case err, ok := <-it.watcher.Errors:
		if !ok {
			return false
		}
		log.WithFields(log.Fields{"listing": it.src.String(), "err": err}).Warn("watch error")
	}
	return true
}

func (it *watchIter) Path() string { return it.path }
func (it *watchIter) Err() error   { return it.err }

func (it *watchIter) Close() error {
	err := it.watcher.Close()
	if err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}
