package listing

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// GlobPattern lists the files under Base matching each of Patterns in
// turn.  Patterns are slash separated and relative to Base; "**"
// matches any number of directories.  Matches of one pattern come in
// lexical order, and a path matched by two patterns is listed twice.
type GlobPattern struct {
	Base     string
	Patterns []string
}

func (src GlobPattern) String() string {
	return fmt.Sprintf("%s:{%s}", src.Base, strings.Join(src.Patterns, ","))
}

func (src GlobPattern) base() string {
	if src.Base == "" {
		return "."
	}
	return src.Base
}

func (src GlobPattern) validate() error {
	fi, err := os.Stat(src.base())
	if err != nil {
		return &ListingError{Source: src, Err: err}
	}
	if !fi.IsDir() {
		return &ListingError{Source: src, Err: fmt.Errorf("%s is not a directory", src.base())}
	}
	for _, pat := range src.Patterns {
		if !doublestar.ValidatePattern(pat) {
			return &ListingError{Source: src, Err: fmt.Errorf("%w: %q", doublestar.ErrBadPattern, pat)}
		}
	}
	return nil
}

func (src GlobPattern) open() (Iterator, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	return &globIter{src: src, fsys: os.DirFS(src.base())}, nil
}

// match expands a single pattern.
func (src GlobPattern) match(fsys fs.FS, pat string) ([]string, error) {
	matches, err := doublestar.Glob(fsys, pat, doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, &ListingError{Source: src, Err: err}
	}
	for i, m := range matches {
		matches[i] = filepath.Join(src.base(), filepath.FromSlash(m))
	}
	return matches, nil
}

// globIter expands patterns lazily, one pattern per refill.
type globIter struct {
	src     GlobPattern
	fsys    fs.FS
	next    int // index of the next pattern to expand
	pending []string
	path    string
	err     error
}

func (it *globIter) Next(ctx context.Context) bool {
	for it.err == nil && ctx.Err() == nil {
		if len(it.pending) > 0 {
			it.path = it.pending[0]
			it.pending = it.pending[1:]
			return true
		}
		if it.next >= len(it.src.Patterns) {
			return false
		}
		pat := it.src.Patterns[it.next]
		it.next++
		it.pending, it.err = it.src.match(it.fsys, pat)
	}
	return false
}

func (it *globIter) Path() string { return it.path }
func (it *globIter) Err() error   { return it.err }
func (it *globIter) Close() error { return nil }
